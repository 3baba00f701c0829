// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"fmt"
	"sort"
	"strings"
)

// OrderFilters returns filters in dependency order (referenced types first).
// Dependencies on types outside the set are ignored. Among types that are
// free to go next, lower Position wins, then the type name.
func OrderFilters(filters []Filter) ([]Filter, error) {
	byType := make(map[EntityType]Filter, len(filters))
	for _, f := range filters {
		if _, dup := byType[f.Type]; dup {
			return nil, fmt.Errorf("%w: %s declared more than once", ErrContradictoryOrder, f.Type)
		}
		byType[f.Type] = f
	}

	// Kahn's algorithm
	inDegree := make(map[EntityType]int, len(byType))
	children := make(map[EntityType][]EntityType, len(byType))
	for t, f := range byType {
		inDegree[t] += 0
		seen := make(map[EntityType]struct{}, len(f.DependsOn))
		for _, parent := range f.DependsOn {
			if parent == t {
				return nil, fmt.Errorf("%w: %s depends on itself", ErrContradictoryOrder, t)
			}
			if _, ok := byType[parent]; !ok {
				continue
			}
			if _, ok := seen[parent]; ok {
				continue
			}
			seen[parent] = struct{}{}
			inDegree[t]++
			children[parent] = append(children[parent], t)
		}
	}

	less := func(a, b EntityType) bool {
		pa, pb := byType[a].Position, byType[b].Position
		if pa != pb {
			return pa < pb
		}
		return a < b
	}

	var queue []EntityType
	for t, d := range inDegree {
		if d == 0 {
			queue = append(queue, t)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return less(queue[i], queue[j]) })

	insertSorted := func(t EntityType) {
		i := sort.Search(len(queue), func(i int) bool { return !less(queue[i], t) })
		queue = append(queue, "")
		copy(queue[i+1:], queue[i:])
		queue[i] = t
	}

	ordered := make([]Filter, 0, len(byType))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		ordered = append(ordered, byType[current])
		for _, child := range children[current] {
			inDegree[child]--
			if inDegree[child] == 0 {
				insertSorted(child)
			}
		}
	}

	if len(ordered) != len(byType) {
		var stuck []string
		for t, d := range inDegree {
			if d > 0 {
				stuck = append(stuck, string(t))
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(stuck, ", "))
	}
	return ordered, nil
}
