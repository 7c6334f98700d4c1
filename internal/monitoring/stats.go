package monitoring

import "sync/atomic"

// Stats are the lock-free request counters surfaced on GET /health. They are
// separate from the Prometheus series: the health payload is a plain JSON
// snapshot with no registry dependency.
type Stats struct {
	TotalRequests atomic.Int64
	IntentsParsed atomic.Int64
	PlansExecuted atomic.Int64
	Errors        atomic.Int64
}

// Snapshot returns the counters in the /health wire shape.
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"total_requests": s.TotalRequests.Load(),
		"intents_parsed": s.IntentsParsed.Load(),
		"plans_executed": s.PlansExecuted.Load(),
		"errors":         s.Errors.Load(),
	}
}
