package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxEvents bounds the journal; older events are pruned. 0 means 10000.
	MaxEvents int
}

const defaultMaxEvents = 10000

func (c Config) maxEvents() int {
	if c.MaxEvents <= 0 {
		return defaultMaxEvents
	}
	return c.MaxEvents
}

// Event is one journaled diagnostic signal.
// Keep it compact and schema-stable.
type Event struct {
	ID   string          `json:"id"`
	At   time.Time       `json:"at"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}
