package remote

import (
	"time"

	"github.com/google/uuid"
)

// Workunit is one entry in the telemetry capability from §6: a named span with its own id and
// the id of the request-level span it nests under.
type Workunit struct {
	Name     string
	SpanID   string
	ParentID string
	Duration time.Duration
}

// namedSpan is one of the four fixed workunit names from §6, paired with the duration recorded
// for it on the winning attempt.
type namedSpan struct {
	name     string
	duration time.Duration
}

// emitWorkunits reports the four named workunits for a completed (non-cache-hit) execution,
// skipping any span whose duration is zero (not reported, or discarded as malformed by
// recordTimings in response.go). Cache hits never produce these workunits at all (§6,
// invariant 9): there was no remote worker lifecycle to report on.
func (c *Client) emitWorkunits(parentID string, stats ExecutionStats) {
	if stats.WasCacheHit || c.workunit == nil {
		return
	}
	spans := []namedSpan{
		{"remote execution action scheduling", stats.RemoteQueue},
		{"remote execution worker input fetching", stats.RemoteInput},
		{"remote execution worker command executing", stats.RemoteExecute},
		{"remote execution worker output uploading", stats.RemoteOutput},
	}
	for _, s := range spans {
		if s.duration <= 0 {
			continue
		}
		c.workunit.AddWorkunit(Workunit{
			Name:     s.name,
			SpanID:   uuid.NewString(),
			ParentID: parentID,
			Duration: s.duration,
		})
	}
}
