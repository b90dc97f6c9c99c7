package history

import (
	"context"
	"time"
)

// EventType defines the outcome of a dump run.
type EventType string

const (
	EventDumpSucceeded EventType = "dump_succeeded"
	EventDumpFailed    EventType = "dump_failed"
)

// DefaultLimit is used by Recent when Query.Limit is not positive.
const DefaultLimit = 20

// Record describes one heap dump run.
type Record struct {
	RunID         string `json:"run_id"`
	PID           int    `json:"pid"`
	File          string `json:"file"`
	Bytes         int64  `json:"bytes"`
	DurationMS    int64  `json:"duration_ms"`
	JMXServiceURL string `json:"jmx_service_url,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Event is a run outcome exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Query filters Recent. A zero PID matches every process.
type Query struct {
	Limit int
	PID   int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

// Lister is implemented by sinks that can read their events back, newest
// first.
type Lister interface {
	Recent(ctx context.Context, q Query) ([]Event, error)
}
