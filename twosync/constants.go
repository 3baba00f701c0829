// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package twosync

// Direction selects which legs a session runs
type Direction string

const (
	PullDown      Direction = "pull_down"     // server -> client
	PushUp        Direction = "push_up"       // client -> server
	Bidirectional Direction = "bidirectional" // PushUp, then PullDown
)

// Role tells the engine which timestamp marks a change on a side
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// TimestampField names the entity timestamp compared against a watermark
type TimestampField string

const (
	FieldModifiedAt      TimestampField = "modified_at"
	FieldClientUpdatedAt TimestampField = "client_updated_at"
)

// ProfileAll is the sync profile that includes every registered entity type
const ProfileAll = "All"

// Issue reason constants
const (
	ReasonUnresolvedReference = "unresolved_reference"
	ReasonValidationFailed    = "validation_failed"
	ReasonConversionFailed    = "conversion_failed"
	ReasonConflict            = "conflict"
	ReasonMissingGlobalID     = "missing_global_id"
)

// State of a Manager session
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// Phase of the per-type pipeline while a session is running
type Phase string

const (
	PhaseFetching     Phase = "fetching"
	PhaseConverting   Phase = "converting"
	PhaseKeyResolving Phase = "key_resolving"
	PhaseApplying     Phase = "applying"
)

// ConflictPolicy decides what happens when an incoming record overlaps an
// unsynced local edit on the destination
type ConflictPolicy string

const (
	// OverwriteAlways lets the initiating side of a leg win for every field it sends
	OverwriteAlways ConflictPolicy = "overwrite_always"
	// PreserveLocalEdits keeps client records edited since the last PushUp during PullDown
	PreserveLocalEdits ConflictPolicy = "preserve_local_edits"
)
