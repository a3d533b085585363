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
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an operator action on a job.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Owner    string    `json:"owner"`
	Action   string    `json:"action"`
	JobID    string    `json:"job_id,omitempty"`
	Channel  string    `json:"channel,omitempty"`
	Total    int       `json:"total,omitempty"`
	OK       int       `json:"ok,omitempty"`
	Fail     int       `json:"fail,omitempty"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}

// JobRecord is a persisted job snapshot. Data holds the JSON encoding of
// the snapshot; the other fields are copied out for lookup and pruning.
type JobRecord struct {
	ID         string          `json:"id"`
	Owner      string          `json:"owner"`
	State      string          `json:"state"`
	FinishedAt time.Time       `json:"finished_at"`
	Data       json.RawMessage `json:"data"`
}
