// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
)

// Options holds configuration for the sync manager
type Options struct {
	ConflictPolicy         ConflictPolicy       // default OverwriteAlways
	DeferForwardReferences bool                 // retry forward references once at the end of a leg
	ReuseKeyCaches         bool                 // keep key caches between sessions (see InvalidateKeyCaches)
	Parallelism            int                  // concurrent conversions per type (0 = GOMAXPROCS)
	Watermarks             WatermarkStore       // nil = the client-side store, which must implement WatermarkStore
	StageMetrics           StageMetricsRecorder // optional stage timing sink
	LogStageTimings        bool                 // log stage timings at debug level
	NewGlobalID            func() uuid.UUID     // global id strategy for records created since the last sync
	Now                    func() time.Time     // clock for Result timestamps
	// CompareOptions decide when an incoming model equals the stored one and
	// the write is skipped. Models with unexported fields need an option
	// covering them (e.g. cmp.AllowUnexported). Default: cmpopts.EquateEmpty.
	CompareOptions []cmp.Option
}

// DefaultOptions returns the default manager configuration
func DefaultOptions() *Options {
	return &Options{
		ConflictPolicy: OverwriteAlways,
		Parallelism:    runtime.GOMAXPROCS(0),
		NewGlobalID:    NewGlobalID,
		Now:            time.Now,
		CompareOptions: []cmp.Option{cmpopts.EquateEmpty()},
	}
}

// RunOptions tunes a single session
type RunOptions struct {
	IncludeIssueDetail bool
}

// Status is a snapshot of the session state machine
type Status struct {
	State      State
	Direction  Direction
	EntityType EntityType
	Phase      Phase
}

// Manager drives sync sessions between a client-side and a server-side SyncClient.
// A Manager runs one session at a time; sessions of different managers against
// the same stores must be serialized by the caller.
type Manager struct {
	client SyncClient
	server SyncClient
	opts   *Options
	logger *slog.Logger

	mu      sync.Mutex
	status  Status
	running bool
	caches  map[string]*KeyCache // only populated with ReuseKeyCaches
}

// NewManager creates a sync manager. client must have RoleClient semantics
// (its edits are tracked by ClientUpdatedAt), server RoleServer.
func NewManager(client, server SyncClient, opts *Options, logger *slog.Logger) (*Manager, error) {
	if client == nil || server == nil {
		return nil, errors.New("client and server are required")
	}
	if client.Name() == server.Name() {
		return nil, fmt.Errorf("client and server must have distinct names, both are %q", client.Name())
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	switch opts.ConflictPolicy {
	case "":
		opts.ConflictPolicy = OverwriteAlways
	case OverwriteAlways, PreserveLocalEdits:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownConflictPolicy, opts.ConflictPolicy)
	}
	if opts.CompareOptions == nil {
		opts.CompareOptions = []cmp.Option{cmpopts.EquateEmpty()}
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.GOMAXPROCS(0)
	}
	if opts.NewGlobalID == nil {
		opts.NewGlobalID = NewGlobalID
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		client: client,
		server: server,
		opts:   opts,
		logger: logger,
		status: Status{State: StateIdle},
		caches: make(map[string]*KeyCache),
	}, nil
}

// Status returns the current state machine snapshot
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// State returns the current session state
func (m *Manager) State() State {
	return m.Status().State
}

// InvalidateKeyCaches drops reused key caches; call it after a store or
// schema change when ReuseKeyCaches is enabled
func (m *Manager) InvalidateKeyCaches() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.caches {
		c.Reset()
	}
	m.caches = make(map[string]*KeyCache)
}

func (m *Manager) setPhase(dir Direction, t EntityType, phase Phase) {
	m.mu.Lock()
	m.status = Status{State: StateRunning, Direction: dir, EntityType: t, Phase: phase}
	m.mu.Unlock()
}

func (m *Manager) begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return false
	}
	m.running = true
	m.status = Status{State: StateRunning}
	return true
}

func (m *Manager) finish(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.status = Status{State: state}
}

func (m *Manager) keyCache(name string) *KeyCache {
	if !m.opts.ReuseKeyCaches {
		return NewKeyCache(name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[name]
	if !ok {
		c = NewKeyCache(name)
		m.caches[name] = c
	}
	return c
}

// legs expands a direction into ordered source/destination pairs
func (m *Manager) legs(dir Direction) ([]leg, error) {
	push := leg{dir: PushUp, source: m.client, dest: m.server}
	pull := leg{dir: PullDown, source: m.server, dest: m.client}
	switch dir {
	case PullDown:
		return []leg{pull}, nil
	case PushUp:
		return []leg{push}, nil
	case Bidirectional:
		return []leg{push, pull}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDirection, dir)
	}
}

// Run executes one sync session. Per-record failures are reported in the
// Result; infrastructure and configuration failures are returned as errors
// and no Result is produced.
func (m *Manager) Run(ctx context.Context, syncType string, dir Direction, ro RunOptions) (*Result, error) {
	legs, err := m.legs(dir)
	if err != nil {
		return nil, err
	}
	if !m.begin() {
		return nil, ErrSessionRunning
	}

	started := m.opts.Now()
	sessionStart := m.stageStart()
	m.logger.Info("Sync session started", "sync_type", syncType, "direction", dir)

	result, err := m.run(ctx, syncType, legs)
	if err != nil {
		m.finish(StateAborted)
		m.observeStage(ctx, dir, "", MetricsStageSession, sessionStart, 0, 0, true)
		m.logger.Error("Sync session aborted", "sync_type", syncType, "direction", dir, "error", err)
		return nil, err
	}

	if !ro.IncludeIssueDetail {
		for i := range result.Issues {
			result.Issues[i].Detail = ""
		}
	}
	result.CompletedAt = m.opts.Now()
	result.Elapsed = result.CompletedAt.Sub(started)

	totals := result.Totals()
	m.finish(StateCompleted)
	m.observeStage(ctx, dir, "", MetricsStageSession, sessionStart, totals.Fetched, len(result.Issues), false)
	m.logger.Info("Sync session completed",
		"sync_type", syncType, "direction", dir,
		"fetched", totals.Fetched, "inserted", totals.Inserted,
		"updated", totals.Updated, "skipped", totals.Skipped,
		"issues", len(result.Issues), "elapsed", result.Elapsed)
	return result, nil
}

func (m *Manager) run(ctx context.Context, syncType string, legs []leg) (*Result, error) {
	// Configuration errors surface before any store is touched
	plans := make([]*plan, 0, len(legs))
	for _, l := range legs {
		p, err := m.buildPlan(l, syncType)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}

	clientStore, err := m.client.Store(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAborted, err)
	}
	serverStore, err := m.server.Store(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAborted, err)
	}

	watermarks := m.opts.Watermarks
	if watermarks == nil {
		wm, ok := clientStore.(WatermarkStore)
		if !ok {
			return nil, fmt.Errorf("%w: %w: client store %s does not persist watermarks", ErrAborted, ErrStoreUnavailable, m.client.Name())
		}
		watermarks = wm
	}

	s := &session{
		m:          m,
		result:     newResult(),
		watermarks: watermarks,
		stores: map[string]Store{
			m.client.Name(): clientStore,
			m.server.Name(): serverStore,
		},
		caches: map[string]*KeyCache{
			m.client.Name(): m.keyCache(m.client.Name()),
			m.server.Name(): m.keyCache(m.server.Name()),
		},
	}

	for _, p := range plans {
		if err := s.runLeg(ctx, p); err != nil {
			return nil, err
		}
	}
	return s.result, nil
}
