package journal

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("journal disabled")

// Config configures the delivery journal.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry records one notification delivery outcome.
// Keep it compact and schema-stable.
type Entry struct {
	At       time.Time `json:"at"`
	RunID    string    `json:"run_id,omitempty"`
	Channel  string    `json:"channel"`
	Kind     string    `json:"kind"`
	Severity string    `json:"severity"`
	Outcome  string    `json:"outcome"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
}
