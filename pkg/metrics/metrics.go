package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MatchingCycles counts finished matching cycles by result (ok, error)
var MatchingCycles = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "denver_matching_cycles_total",
		Help: "Total number of matching cycles run by the engine",
	},
	[]string{"result"},
)

// MatchingCyclesSkipped counts ticks that found a cycle already running
var MatchingCyclesSkipped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "denver_matching_cycles_skipped_total",
		Help: "Ticks or triggers dropped because a cycle was in flight",
	},
	[]string{"reason"},
)

// MatchesCreated counts pairs durably recorded on the ledger
var MatchesCreated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "denver_matches_created_total",
		Help: "Matched proposals committed to the ledger",
	},
	[]string{"mode"},
)

// SettlementFailures counts pairs whose writes were rejected, by error kind
var SettlementFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "denver_settlement_failures_total",
		Help: "Matched pairs whose ledger writes failed",
	},
	[]string{"kind"},
)

// CycleDuration records the wall time of a full aggregate/match/settle cycle
var CycleDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "denver_matching_cycle_duration_seconds",
		Help:    "Duration of a matching cycle",
		Buckets: prometheus.DefBuckets,
	},
)

// ResolverHits counts identifier resolutions by the step that found them
var ResolverHits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "denver_identifier_resolutions_total",
		Help: "Identifier resolutions by resolving step (exact, default_prefix, suffix, short_suffix, miss, rejected)",
	},
	[]string{"step"},
)

// RetrierAttempts counts read-after-write attempts issued by the consistency retrier
var RetrierAttempts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "denver_consistency_read_attempts_total",
		Help: "Read attempts issued while waiting for a write to become visible",
	},
)

func init() {
	prometheus.MustRegister(MatchingCycles, MatchingCyclesSkipped, MatchesCreated, SettlementFailures, CycleDuration)
	prometheus.MustRegister(ResolverHits, RetrierAttempts)
}
