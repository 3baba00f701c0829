// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"encoding/json"
	"sort"
	"time"
)

// TypeStats counts the records of one entity type handled by a session
type TypeStats struct {
	Fetched  int `json:"fetched"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

func (s *TypeStats) add(other TypeStats) {
	s.Fetched += other.Fetched
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Skipped += other.Skipped
}

// Applied returns the number of inserted and updated records
func (s TypeStats) Applied() int { return s.Inserted + s.Updated }

// Result is the outcome of a session that was not aborted
type Result struct {
	Issues      []Issue
	Stats       map[EntityType]*TypeStats
	Elapsed     time.Duration
	CompletedAt time.Time
}

func newResult() *Result {
	return &Result{Stats: make(map[EntityType]*TypeStats)}
}

// StatsFor returns the counters of t (zero when t did not participate)
func (r *Result) StatsFor(t EntityType) TypeStats {
	if s, ok := r.Stats[t]; ok && s != nil {
		return *s
	}
	return TypeStats{}
}

// Totals sums the counters of every type
func (r *Result) Totals() TypeStats {
	var total TypeStats
	for _, s := range r.Stats {
		total.add(*s)
	}
	return total
}

// IssuesFor returns the issues recorded for t
func (r *Result) IssuesFor(t EntityType) []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.EntityType == t {
			out = append(out, is)
		}
	}
	return out
}

func (r *Result) stats(t EntityType) *TypeStats {
	s, ok := r.Stats[t]
	if !ok {
		s = &TypeStats{}
		r.Stats[t] = s
	}
	return s
}

type resultJSON struct {
	Issues      []Issue               `json:"issues"`
	Stats       map[string]*TypeStats `json:"stats"`
	ElapsedMs   int64                 `json:"elapsedMs"`
	CompletedAt time.Time             `json:"completedAt"`
}

// MarshalJSON renders the result in its serializable form
func (r *Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Issues:      r.Issues,
		Stats:       make(map[string]*TypeStats, len(r.Stats)),
		ElapsedMs:   r.Elapsed.Milliseconds(),
		CompletedAt: r.CompletedAt,
	}
	if out.Issues == nil {
		out.Issues = []Issue{}
	}
	for t, s := range r.Stats {
		out.Stats[string(t)] = s
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses the serializable form
func (r *Result) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.Issues = in.Issues
	r.Stats = make(map[EntityType]*TypeStats, len(in.Stats))
	for t, s := range in.Stats {
		r.Stats[EntityType(t)] = s
	}
	r.Elapsed = time.Duration(in.ElapsedMs) * time.Millisecond
	r.CompletedAt = in.CompletedAt
	return nil
}

// Types lists the entity types present in the stats, sorted by name
func (r *Result) Types() []EntityType {
	types := make([]EntityType, 0, len(r.Stats))
	for t := range r.Stats {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
