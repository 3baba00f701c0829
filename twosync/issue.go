// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Issue is a recorded, non-fatal per-record failure
type Issue struct {
	Direction  Direction  `json:"direction"`
	EntityType EntityType `json:"entityType"`
	GlobalID   uuid.UUID  `json:"globalId"`
	Reason     string     `json:"reason"`
	Detail     string     `json:"detail,omitempty"`
}

func (i Issue) String() string {
	if i.Detail == "" {
		return fmt.Sprintf("%s %s(%s): %s", i.Direction, i.EntityType, i.GlobalID, i.Reason)
	}
	return fmt.Sprintf("%s %s(%s): %s: %s", i.Direction, i.EntityType, i.GlobalID, i.Reason, i.Detail)
}

// issueUnresolvedReference creates an issue for references whose target does
// not exist in the destination store
func issueUnresolvedReference(dir Direction, t EntityType, id uuid.UUID, reason string, refs []Reference) Issue {
	missing := make([]string, 0, len(refs))
	for _, r := range refs {
		missing = append(missing, fmt.Sprintf("%s->%s(%s)", r.Field, r.Type, r.GlobalID))
	}
	return Issue{
		Direction:  dir,
		EntityType: t,
		GlobalID:   id,
		Reason:     reason,
		Detail:     "missing " + strings.Join(missing, ", "),
	}
}

// issueValidation creates an issue for a record rejected by the destination store
func issueValidation(dir Direction, t EntityType, id uuid.UUID, err error) Issue {
	return Issue{
		Direction:  dir,
		EntityType: t,
		GlobalID:   id,
		Reason:     ReasonValidationFailed,
		Detail:     err.Error(),
	}
}

// issueConversion creates an issue for a record a converter could not map
func issueConversion(dir Direction, t EntityType, id uuid.UUID, err error) Issue {
	return Issue{
		Direction:  dir,
		EntityType: t,
		GlobalID:   id,
		Reason:     ReasonConversionFailed,
		Detail:     err.Error(),
	}
}

// issueConflict creates an issue for an incoming record that was not applied
// because it overlaps an unsynced local edit
func issueConflict(dir Direction, t EntityType, id uuid.UUID) Issue {
	return Issue{
		Direction:  dir,
		EntityType: t,
		GlobalID:   id,
		Reason:     ReasonConflict,
		Detail:     "destination has unsynced local edits",
	}
}

// issueMissingGlobalID creates an issue for a server record that was stored
// without a global id and cannot be identified on the other side
func issueMissingGlobalID(dir Direction, t EntityType, key LocalKey) Issue {
	return Issue{
		Direction:  dir,
		EntityType: t,
		Reason:     ReasonMissingGlobalID,
		Detail:     fmt.Sprintf("record %s has no global id", key),
	}
}
