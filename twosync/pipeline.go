// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// session holds everything one Run owns: its stores, key caches and result
type session struct {
	m          *Manager
	result     *Result
	watermarks WatermarkStore
	stores     map[string]Store
	caches     map[string]*KeyCache
}

// stagedRecord is a fetched record on its way to the destination
type stagedRecord struct {
	entity     Entity
	id         uuid.UUID
	model      Model
	keys       ResolvedKeys
	unresolved []Reference
	issue      *Issue
}

type deferredRecord struct {
	step *step
	rec  *stagedRecord
}

type watermarkCommit struct {
	t        EntityType
	previous time.Time
	next     time.Time
}

type applyOutcome int

const (
	outcomeInserted applyOutcome = iota
	outcomeUpdated
	outcomeSkipped
	outcomeIssue
)

func (s *session) addIssue(st *TypeStats, is Issue) {
	st.Skipped++
	s.result.Issues = append(s.result.Issues, is)
	s.m.logger.Warn("Sync issue",
		"direction", is.Direction, "entity_type", is.EntityType,
		"global_id", is.GlobalID, "reason", is.Reason, "detail", is.Detail)
}

// runLeg processes every step of a plan in dependency order
func (s *session) runLeg(ctx context.Context, p *plan) error {
	s.m.logger.Debug("Sync leg started", "direction", p.dir, "source", p.source.Name(), "destination", p.dest.Name())

	var (
		deferred []deferredRecord
		pending  []watermarkCommit
	)
	for i := range p.steps {
		st := &p.steps[i]
		wm, def, err := s.runStep(ctx, p, st)
		if err != nil {
			return err
		}
		if len(def) == 0 {
			if err := s.commitWatermark(ctx, p, wm); err != nil {
				return err
			}
			continue
		}
		for _, rec := range def {
			deferred = append(deferred, deferredRecord{step: st, rec: rec})
		}
		pending = append(pending, wm)
	}

	if len(deferred) > 0 {
		if err := s.applyDeferred(ctx, p, deferred); err != nil {
			return err
		}
	}
	for _, wm := range pending {
		if err := s.commitWatermark(ctx, p, wm); err != nil {
			return err
		}
	}
	return nil
}

// runStep fetches, converts, resolves and applies one entity type. It returns
// the watermark to commit and the records deferred to the end of the leg.
func (s *session) runStep(ctx context.Context, p *plan, st *step) (watermarkCommit, []*stagedRecord, error) {
	t := st.entityType()
	src := s.stores[p.source.Name()]
	srcCache := s.caches[p.source.Name()]
	stats := s.result.stats(t)

	// Fetching
	s.m.setPhase(p.dir, t, PhaseFetching)
	stageStart := s.m.stageStart()
	since, err := s.watermarks.Watermark(ctx, p.source.Name(), t)
	if err != nil {
		return watermarkCommit{}, nil, abortf(p.dir, t, PhaseFetching, fmt.Errorf("read watermark: %w", err))
	}
	records, err := src.FetchChangedSince(ctx, t, since, p.field, st.filter)
	if err != nil {
		s.m.observeStage(ctx, p.dir, t, MetricsStageFetch, stageStart, 0, 0, true)
		return watermarkCommit{}, nil, abortf(p.dir, t, PhaseFetching, err)
	}
	s.m.observeStage(ctx, p.dir, t, MetricsStageFetch, stageStart, len(records), 0, false)
	stats.Fetched += len(records)

	wm := watermarkCommit{t: t, previous: since, next: since}
	for _, rec := range records {
		if ts, ok := rec.Meta().Timestamp(p.field); ok && ts.After(wm.next) {
			wm.next = ts
		}
	}
	if len(records) == 0 {
		return wm, nil, nil
	}

	// Converting
	s.m.setPhase(p.dir, t, PhaseConverting)
	stageStart = s.m.stageStart()
	staged := make([]*stagedRecord, len(records))
	for i, rec := range records {
		meta := rec.Meta()
		if meta.GlobalID == uuid.Nil {
			// Only client records may be created without a global id; a
			// server-sourced leg never writes to its source.
			if p.source.Role() != RoleClient {
				is := issueMissingGlobalID(p.dir, t, meta.LocalKey)
				staged[i] = &stagedRecord{entity: rec, issue: &is}
				continue
			}
			id := s.m.opts.NewGlobalID()
			if err := src.AssignGlobalID(ctx, t, meta.LocalKey, id); err != nil {
				return wm, nil, abortf(p.dir, t, PhaseConverting, fmt.Errorf("assign global id: %w", err))
			}
			meta.GlobalID = id
		}
		srcCache.Put(t, meta.GlobalID, meta.LocalKey)
		if err := s.linkLocalReferences(ctx, p, rec); err != nil {
			return wm, nil, abortf(p.dir, t, PhaseConverting, err)
		}
		staged[i] = &stagedRecord{entity: rec, id: meta.GlobalID}
	}
	if err := s.parallel(ctx, staged, func(_ context.Context, sr *stagedRecord) error {
		if sr.issue == nil {
			s.convert(p, st, sr)
		}
		return nil
	}); err != nil {
		return wm, nil, abortf(p.dir, t, PhaseConverting, err)
	}
	s.m.observeStage(ctx, p.dir, t, MetricsStageConvert, stageStart, len(staged), 0, false)

	// KeyResolving
	s.m.setPhase(p.dir, t, PhaseKeyResolving)
	stageStart = s.m.stageStart()
	if err := s.parallel(ctx, staged, func(ctx context.Context, sr *stagedRecord) error {
		if sr.issue != nil {
			return nil
		}
		return s.resolveReferences(ctx, p, sr)
	}); err != nil {
		s.m.observeStage(ctx, p.dir, t, MetricsStageResolve, stageStart, len(staged), 0, true)
		return wm, nil, abortf(p.dir, t, PhaseKeyResolving, err)
	}
	s.m.observeStage(ctx, p.dir, t, MetricsStageResolve, stageStart, len(staged), 0, false)

	// Applying
	s.m.setPhase(p.dir, t, PhaseApplying)
	stageStart = s.m.stageStart()
	issuesBefore := len(s.result.Issues)
	var deferred []*stagedRecord
	for _, sr := range staged {
		if err := ctx.Err(); err != nil {
			s.m.observeStage(ctx, p.dir, t, MetricsStageApply, stageStart, len(staged), len(s.result.Issues)-issuesBefore, true)
			return wm, nil, abortf(p.dir, t, PhaseApplying, err)
		}
		if sr.issue != nil {
			s.addIssue(stats, *sr.issue)
			continue
		}
		if len(sr.unresolved) > 0 {
			if s.deferrable(p, st, sr) {
				deferred = append(deferred, sr)
				continue
			}
			s.addIssue(stats, s.unresolvedIssue(p, st, sr))
			continue
		}
		if err := s.applyAndCount(ctx, p, st, sr, stats); err != nil {
			s.m.observeStage(ctx, p.dir, t, MetricsStageApply, stageStart, len(staged), len(s.result.Issues)-issuesBefore, true)
			return wm, nil, abortf(p.dir, t, PhaseApplying, err)
		}
	}
	s.m.observeStage(ctx, p.dir, t, MetricsStageApply, stageStart, len(staged), len(s.result.Issues)-issuesBefore, false)

	s.m.logger.Debug("Entity type synced",
		"direction", p.dir, "entity_type", t,
		"fetched", len(records), "inserted", stats.Inserted, "updated", stats.Updated,
		"skipped", stats.Skipped, "deferred", len(deferred))
	return wm, deferred, nil
}

// parallel runs fn over staged records with the configured parallelism
func (s *session) parallel(ctx context.Context, staged []*stagedRecord, fn func(context.Context, *stagedRecord) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.m.opts.Parallelism)
	for _, sr := range staged {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, sr)
		})
	}
	return g.Wait()
}

// linkLocalReferences fills in the global ids of references the source
// entity holds only as local keys. On a client source a target that has no
// global id yet is given one, and the linked ids are written back to the row.
func (s *session) linkLocalReferences(ctx context.Context, p *plan, e Entity) error {
	lr, ok := e.(LocalReferrer)
	if !ok {
		return nil
	}
	src := s.stores[p.source.Name()]
	cache := s.caches[p.source.Name()]
	writable := p.source.Role() == RoleClient

	linked := false
	for _, ref := range lr.LocalReferences() {
		if ref.Key == "" || ref.GlobalID != uuid.Nil {
			continue
		}
		id, err := lookupGlobalID(ctx, cache, src, ref.Type, ref.Key)
		if errors.Is(err, ErrNotFound) {
			// dangling link; the outgoing converter reports it
			continue
		}
		if err != nil {
			return fmt.Errorf("look up %s.%s -> %s %s: %w", e.EntityType(), ref.Field, ref.Type, ref.Key, err)
		}
		if id == uuid.Nil {
			if !writable {
				continue
			}
			id = s.m.opts.NewGlobalID()
			if err := src.AssignGlobalID(ctx, ref.Type, ref.Key, id); err != nil {
				return fmt.Errorf("assign global id to %s %s: %w", ref.Type, ref.Key, err)
			}
			cache.Put(ref.Type, id, ref.Key)
		}
		lr.SetReferenceGlobalID(ref.Field, id)
		linked = true
	}
	if !linked || !writable {
		return nil
	}

	if _, err := src.Upsert(ctx, e); err != nil {
		if IsValidation(err) {
			s.m.logger.Warn("Failed to persist linked references",
				"store", p.source.Name(), "entity_type", e.EntityType(), "global_id", e.Meta().GlobalID, "error", err)
			return nil
		}
		return fmt.Errorf("persist linked references of %s(%s): %w", e.EntityType(), e.Meta().GlobalID, err)
	}
	return nil
}

// convert runs the source outgoing converter; failures become issues
func (s *session) convert(p *plan, st *step, sr *stagedRecord) {
	t := st.entityType()
	model, err := st.out.ToModel(sr.entity)
	if err != nil {
		is := issueConversion(p.dir, t, sr.id, err)
		sr.issue = &is
		return
	}
	if model == nil {
		is := issueConversion(p.dir, t, sr.id, errors.New("converter returned no model"))
		sr.issue = &is
		return
	}
	if model.ModelGlobalID() != sr.id {
		is := issueConversion(p.dir, t, sr.id, fmt.Errorf("model global id %s does not match entity", model.ModelGlobalID()))
		sr.issue = &is
		return
	}
	sr.model = model
}

// resolveReferences translates the model's references into destination local
// keys. Missing targets are collected in sr.unresolved; only store failures
// are returned.
func (s *session) resolveReferences(ctx context.Context, p *plan, sr *stagedRecord) error {
	dst := s.stores[p.dest.Name()]
	dstCache := s.caches[p.dest.Name()]

	refs := sr.model.References()
	keys := make(ResolvedKeys, len(refs))
	var unresolved []Reference
	for _, ref := range refs {
		if ref.GlobalID == uuid.Nil {
			continue
		}
		key, err := lookupLocalKey(ctx, dstCache, dst, ref.Type, ref.GlobalID)
		if errors.Is(err, ErrNotFound) {
			unresolved = append(unresolved, ref)
			continue
		}
		if err != nil {
			return fmt.Errorf("resolve %s.%s -> %s(%s): %w", sr.model.ModelType(), ref.Field, ref.Type, ref.GlobalID, err)
		}
		keys[ref.Field] = key
	}
	sr.keys = keys
	sr.unresolved = unresolved
	return nil
}

// deferrable reports whether every unresolved reference points forward, so a
// second pass at the end of the leg may still find it
func (s *session) deferrable(p *plan, st *step, sr *stagedRecord) bool {
	if !s.m.opts.DeferForwardReferences {
		return false
	}
	for _, ref := range sr.unresolved {
		if p.sortsBefore(ref.Type, st.index) {
			return false
		}
	}
	return true
}

func (s *session) unresolvedIssue(p *plan, st *step, sr *stagedRecord) Issue {
	is := issueUnresolvedReference(p.dir, st.entityType(), sr.id, ReasonUnresolvedReference, sr.unresolved)
	for _, ref := range sr.unresolved {
		if !p.sortsBefore(ref.Type, st.index) {
			is.Detail += " (forward reference)"
			break
		}
	}
	return is
}

// applyDeferred retries records whose forward references were unresolved
func (s *session) applyDeferred(ctx context.Context, p *plan, deferred []deferredRecord) error {
	stageStart := s.m.stageStart()
	issuesBefore := len(s.result.Issues)
	for _, d := range deferred {
		t := d.step.entityType()
		s.m.setPhase(p.dir, t, PhaseKeyResolving)
		stats := s.result.stats(t)
		if err := s.resolveReferences(ctx, p, d.rec); err != nil {
			s.m.observeStage(ctx, p.dir, t, MetricsStageDeferred, stageStart, len(deferred), len(s.result.Issues)-issuesBefore, true)
			return abortf(p.dir, t, PhaseKeyResolving, err)
		}
		if len(d.rec.unresolved) > 0 {
			s.addIssue(stats, s.unresolvedIssue(p, d.step, d.rec))
			continue
		}
		s.m.setPhase(p.dir, t, PhaseApplying)
		if err := ctx.Err(); err != nil {
			return abortf(p.dir, t, PhaseApplying, err)
		}
		if err := s.applyAndCount(ctx, p, d.step, d.rec, stats); err != nil {
			s.m.observeStage(ctx, p.dir, t, MetricsStageDeferred, stageStart, len(deferred), len(s.result.Issues)-issuesBefore, true)
			return abortf(p.dir, t, PhaseApplying, err)
		}
	}
	s.m.observeStage(ctx, p.dir, "", MetricsStageDeferred, stageStart, len(deferred), len(s.result.Issues)-issuesBefore, false)
	return nil
}

func (s *session) applyAndCount(ctx context.Context, p *plan, st *step, sr *stagedRecord, stats *TypeStats) error {
	outcome, issue, err := s.apply(ctx, p, st, sr)
	if err != nil {
		return err
	}
	switch outcome {
	case outcomeInserted:
		stats.Inserted++
	case outcomeUpdated:
		stats.Updated++
	case outcomeSkipped:
		stats.Skipped++
	case outcomeIssue:
		s.addIssue(stats, issue)
	}
	return nil
}

// apply writes one model into the destination store. Only infrastructure
// failures are returned as errors.
func (s *session) apply(ctx context.Context, p *plan, st *step, sr *stagedRecord) (applyOutcome, Issue, error) {
	t := st.entityType()
	dst := s.stores[p.dest.Name()]
	dstCache := s.caches[p.dest.Name()]

	existing, err := dst.Get(ctx, t, sr.id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, Issue{}, fmt.Errorf("load %s(%s): %w", t, sr.id, err)
	}
	if err != nil {
		existing = nil
	}

	if existing != nil {
		dstCache.Put(t, sr.id, existing.Meta().LocalKey)

		conflict, err := s.overlapsLocalEdit(ctx, p, t, existing)
		if err != nil {
			return 0, Issue{}, err
		}
		if conflict {
			return outcomeIssue, issueConflict(p.dir, t, sr.id), nil
		}
		if st.current != nil {
			if current, err := st.current.ToModel(existing); err == nil {
				same, err := sameModel(current, sr.model, s.m.opts.CompareOptions)
				if err != nil {
					return 0, Issue{}, fmt.Errorf("compare %s(%s): %w", t, sr.id, err)
				}
				if same {
					return outcomeSkipped, Issue{}, nil
				}
			}
		}
	}

	entity, err := st.in.ToEntity(sr.model, sr.keys)
	if err != nil {
		return outcomeIssue, issueConversion(p.dir, t, sr.id, err), nil
	}
	if entity == nil {
		return outcomeIssue, issueConversion(p.dir, t, sr.id, errors.New("converter returned no entity")), nil
	}

	meta := entity.Meta()
	meta.GlobalID = sr.id
	meta.IsDeleted = sr.model.ModelDeleted()
	if existing != nil {
		prev := existing.Meta()
		meta.LocalKey = prev.LocalKey
		meta.CreatedAt = prev.CreatedAt
		meta.ModifiedAt = prev.ModifiedAt
		meta.ClientUpdatedAt = prev.ClientUpdatedAt
	} else {
		meta.LocalKey = ""
		meta.CreatedAt = time.Time{}
		meta.ModifiedAt = time.Time{}
		meta.ClientUpdatedAt = nil
	}

	stored, err := dst.Upsert(ctx, entity)
	if err != nil {
		if IsValidation(err) {
			return outcomeIssue, issueValidation(p.dir, t, sr.id, err), nil
		}
		return 0, Issue{}, fmt.Errorf("upsert %s(%s): %w", t, sr.id, err)
	}

	if sr.model.ModelDeleted() {
		dstCache.Invalidate(t, sr.id)
	} else {
		dstCache.Put(t, sr.id, stored.Meta().LocalKey)
	}
	if existing != nil {
		return outcomeUpdated, Issue{}, nil
	}
	return outcomeInserted, Issue{}, nil
}

// overlapsLocalEdit reports whether a PullDown would overwrite a client edit
// that has not been pushed yet, under PreserveLocalEdits
func (s *session) overlapsLocalEdit(ctx context.Context, p *plan, t EntityType, existing Entity) (bool, error) {
	if s.m.opts.ConflictPolicy != PreserveLocalEdits || p.dest.Role() != RoleClient {
		return false, nil
	}
	edited := existing.Meta().ClientUpdatedAt
	if edited == nil {
		return false, nil
	}
	pushed, err := s.watermarks.Watermark(ctx, p.dest.Name(), t)
	if err != nil {
		return false, fmt.Errorf("read push watermark: %w", err)
	}
	return edited.After(pushed), nil
}

// commitWatermark advances the (source, type) watermark to the latest
// timestamp seen in the fetched set
func (s *session) commitWatermark(ctx context.Context, p *plan, wm watermarkCommit) error {
	if !wm.next.After(wm.previous) {
		return nil
	}
	stageStart := s.m.stageStart()
	if err := s.watermarks.SetWatermark(ctx, p.source.Name(), wm.t, wm.next); err != nil {
		s.m.observeStage(ctx, p.dir, wm.t, MetricsStageWatermark, stageStart, 1, 0, true)
		return abortf(p.dir, wm.t, PhaseApplying, fmt.Errorf("write watermark: %w", err))
	}
	s.m.observeStage(ctx, p.dir, wm.t, MetricsStageWatermark, stageStart, 1, 0, false)
	return nil
}

// sameModel compares two models field by field with opts. cmp refuses
// unexported fields it has no option for; that is reported as an error.
func sameModel(a, b Model, opts []cmp.Option) (same bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %T: %v", ErrIncomparableModel, a, r)
		}
	}()
	return cmp.Equal(a, b, opts...), nil
}
