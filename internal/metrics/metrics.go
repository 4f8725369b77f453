// Package metrics holds the orchestrator's hit/miss counters. There is no
// Prometheus client in the retrieval pack's core dependency set for this
// component, so counters are plain atomic fields exposed via a Stats
// method, the same shape the reference L1Cache.Stats() uses.
package metrics

import "sync/atomic"

// Source tags where a lookup hit came from.
type Source string

const (
	SourceL1Exact     Source = "l1-exact"
	SourceL3Verified  Source = "l3-verified"
	SourceMiss        Source = "miss"
)

// Counters is the orchestrator's metric tag set (spec.md §2's "metric
// tags", left undefined by the distilled spec body).
type Counters struct {
	lookupsL1Exact    atomic.Int64
	lookupsL3Verified atomic.Int64
	lookupsMiss       atomic.Int64
	admissionsTotal   atomic.Int64
	l2CandidatesTotal atomic.Int64
}

// RecordLookup increments the lookup counter for the given outcome source.
func (c *Counters) RecordLookup(source Source) {
	switch source {
	case SourceL1Exact:
		c.lookupsL1Exact.Add(1)
	case SourceL3Verified:
		c.lookupsL3Verified.Add(1)
	default:
		c.lookupsMiss.Add(1)
	}
}

// RecordAdmission increments the admission counter.
func (c *Counters) RecordAdmission() {
	c.admissionsTotal.Add(1)
}

// RecordL2Candidates adds n to the running total of L2 candidates
// considered across all searches, for observing average candidate-set
// size over time.
func (c *Counters) RecordL2Candidates(n int) {
	c.l2CandidatesTotal.Add(int64(n))
}

// Snapshot is the exported, JSON-friendly view of Counters.
type Snapshot struct {
	LookupsL1Exact    int64 `json:"lookups_l1_exact_total"`
	LookupsL3Verified int64 `json:"lookups_l3_verified_total"`
	LookupsMiss       int64 `json:"lookups_miss_total"`
	AdmissionsTotal   int64 `json:"admissions_total"`
	L2CandidatesTotal int64 `json:"l2_candidates_total"`
}

// Stats returns a point-in-time snapshot of all counters.
func (c *Counters) Stats() Snapshot {
	return Snapshot{
		LookupsL1Exact:    c.lookupsL1Exact.Load(),
		LookupsL3Verified: c.lookupsL3Verified.Load(),
		LookupsMiss:       c.lookupsMiss.Load(),
		AdmissionsTotal:   c.admissionsTotal.Load(),
		L2CandidatesTotal: c.l2CandidatesTotal.Load(),
	}
}
