// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package twosync

import "fmt"

// leg is one source -> destination pass of a session
type leg struct {
	dir    Direction
	source SyncClient
	dest   SyncClient
}

// step is the registry entry of one entity type inside a leg: its filter,
// the converters of both sides, and its position in dependency order
type step struct {
	filter  Filter
	index   int
	out     OutgoingConverter // source entity -> model
	in      IncomingConverter // model -> destination entity
	current OutgoingConverter // destination entity -> model, for change detection (optional)
}

func (s *step) entityType() EntityType { return s.filter.Type }

// plan is the resolved, ordered set of steps for a leg, built once per session
type plan struct {
	leg
	field TimestampField
	steps []step
	order map[EntityType]int
}

// sortsBefore reports whether t is synced earlier than the step at index
func (p *plan) sortsBefore(t EntityType, index int) bool {
	i, ok := p.order[t]
	return ok && i < index
}

// buildPlan resolves the filters of both clients for syncType. The source
// client's order wins; a type participates only when both clients have a
// filter for it.
func (m *Manager) buildPlan(l leg, syncType string) (*plan, error) {
	srcFilters, err := OrderFilters(l.source.ConfigureFilters(syncType))
	if err != nil {
		return nil, fmt.Errorf("client %s profile %q: %w", l.source.Name(), syncType, err)
	}
	dstFilters, err := OrderFilters(l.dest.ConfigureFilters(syncType))
	if err != nil {
		return nil, fmt.Errorf("client %s profile %q: %w", l.dest.Name(), syncType, err)
	}
	inDest := make(map[EntityType]bool, len(dstFilters))
	for _, f := range dstFilters {
		inDest[f.Type] = true
	}

	p := &plan{
		leg:   l,
		field: FieldModifiedAt,
		order: make(map[EntityType]int, len(srcFilters)),
	}
	if l.source.Role() == RoleClient {
		p.field = FieldClientUpdatedAt
	}

	for _, f := range srcFilters {
		if !inDest[f.Type] {
			m.logger.Warn("Entity type not in destination profile, skipping",
				"direction", l.dir, "entity_type", f.Type, "destination", l.dest.Name(), "sync_type", syncType)
			continue
		}
		out, ok := l.source.OutgoingConverter(f.Type)
		if !ok {
			return nil, fmt.Errorf("%w: outgoing %s on client %s", ErrMissingConverter, f.Type, l.source.Name())
		}
		in, ok := l.dest.IncomingConverter(f.Type)
		if !ok {
			return nil, fmt.Errorf("%w: incoming %s on client %s", ErrMissingConverter, f.Type, l.dest.Name())
		}
		current, _ := l.dest.OutgoingConverter(f.Type)

		p.order[f.Type] = len(p.steps)
		p.steps = append(p.steps, step{
			filter:  f,
			index:   len(p.steps),
			out:     out,
			in:      in,
			current: current,
		})
	}

	m.logger.Debug("Sync plan built",
		"direction", l.dir, "source", l.source.Name(), "destination", l.dest.Name(),
		"sync_type", syncType, "types", len(p.steps))
	return p, nil
}
