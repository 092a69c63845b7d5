// Package history exports supervision lifecycle events to external
// analytics systems. Sinks are fire-and-forget: a failing sink must
// never stall or crash supervision, so senders log and move on.
package history

import (
	"context"
	"time"

	"github.com/botkeepr/botkeepr/internal/store"
)

// EventType is the kind of lifecycle event.
type EventType string

const (
	// EventStart marks a child spawn.
	EventStart EventType = "start"
	// EventStop marks a child exit, requested or not.
	EventStop EventType = "stop"
	// EventFatal marks a program giving up after exhausting its retry
	// budget. Operators watching a trading bot care about this one.
	EventFatal EventType = "fatal"
)

// Event is one exported lifecycle record. Fields are flat so every
// sink can encode it without caring about SQL null wrappers.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at,omitzero"`
	ExitErr    string    `json:"exit_err,omitempty"`
	RunKey     string    `json:"run_key"`
}

// FromRecord builds an event of type t from a run record.
func FromRecord(t EventType, rec store.Record) Event {
	e := Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Name:       rec.Name,
		PID:        rec.PID,
		State:      rec.State,
		StartedAt:  rec.StartedAt.UTC(),
		RunKey:     rec.Key(),
	}
	if rec.StoppedAt.Valid {
		e.StoppedAt = rec.StoppedAt.Time.UTC()
	}
	if rec.ExitErr.Valid {
		e.ExitErr = rec.ExitErr.String
	}
	return e
}

// Sink is a destination for events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Config mirrors the [history] section of the daemon configuration.
type Config struct {
	// Sinks are DSNs resolved by the factory package, e.g.
	// "clickhouse://host:9000?table=bot_events" or
	// "opensearch://host:9200/bot-events".
	Sinks []string `mapstructure:"sinks"`
}

// Sinks fans one event out to several destinations.
type Sinks []Sink

// Send delivers e to every sink and returns the first error. Later
// sinks still receive the event after an earlier one failed.
func (ss Sinks) Send(ctx context.Context, e Event) error {
	var firstErr error
	for _, s := range ss {
		if err := s.Send(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
