package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobEvent records one lifecycle transition. Keep it compact and
// schema-stable: this is what an external analytics store replays.
type JobEvent struct {
	At         time.Time `json:"at"`
	JobID      string    `json:"job_id"`
	WorkflowID string    `json:"workflow_id"`
	RobotID    string    `json:"robot_id,omitempty"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Message    string    `json:"message,omitempty"`
}
