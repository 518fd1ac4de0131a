// Package notify implements the notification dispatch pipeline:
// rate-limited, batched, retried fan-out of loop events to every
// configured channel. Nothing in here may ever block or fail the
// task loop that feeds it.
package notify

import (
	"context"
	"time"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityProgress
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityProgress:
		return "progress"
	case SeverityWarning:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Event is one logical notification. Immutable once created.
//
// Meta keys used by the loop:
//   - "kind": "start" | "progress" | "terminal" | "digest" | "test"
//   - "run_id": UUID of the loop run
//   - "plan": plan identity key
type Event struct {
	Message   string
	Severity  Severity
	CreatedAt time.Time
	Meta      map[string]string
}

func NewEvent(sev Severity, msg string, meta map[string]string) Event {
	return Event{Message: msg, Severity: sev, CreatedAt: time.Now(), Meta: meta}
}

// Critical events bypass batching and are delivered immediately.
// Terminal loop outcomes count as critical regardless of severity:
// a completion notice must not sit in an email digest for five minutes.
func (e Event) Critical() bool {
	return e.Severity >= SeverityWarning || e.Meta["kind"] == "terminal"
}

func (e Event) Kind() string {
	if k := e.Meta["kind"]; k != "" {
		return k
	}
	return "event"
}

// Render returns the user-facing text for single-event sends.
func (e Event) Render() string {
	return severityPrefix(e.Severity) + e.Message
}

func severityPrefix(s Severity) string {
	switch s {
	case SeverityError:
		return "\U0001F6A8 " // 🚨
	case SeverityWarning:
		return "⚠️ " // ⚠️
	case SeverityProgress:
		return "\U0001F504 " // 🔄
	default:
		return "ℹ️ " // ℹ️
	}
}

// Channel is one delivery destination. Implementations live in
// notify/channel; the dispatcher only sees this interface.
//
// Send classifies its own failures: wrap with Fatal() for errors retrying
// cannot fix (auth, malformed destination); anything else is treated as
// transient and retried.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev Event) error
	// Batching reports whether non-critical events to this channel are
	// accumulated into digests.
	Batching() bool
}

// Delivery is the per-channel outcome published on the event bus after a
// send concludes (journaled out of the dispatch path).
type Delivery struct {
	At       time.Time `json:"at"`
	RunID    string    `json:"run_id,omitempty"`
	Channel  string    `json:"channel"`
	Kind     string    `json:"kind"`
	Severity string    `json:"severity"`
	Outcome  string    `json:"outcome"` // "success" | "failed" | "skipped"
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
}

// EventDelivery is the bus event type carrying a Delivery.
const EventDelivery = "notify.delivery"

// EventDropped is published when a channel queue is full and an event is discarded.
const EventDropped = "notify.dropped"
