package model

import (
	"errors"
	"time"
)

// RecordStatus enumerates the lifecycle of a durable queue record.
type RecordStatus string

const (
	StatusQueued     RecordStatus = "queued"
	StatusProcessing RecordStatus = "processing"
	StatusDone       RecordStatus = "done"
	StatusFailed     RecordStatus = "failed"
)

var (
	// ErrNotFound is returned when a queue record id does not exist.
	ErrNotFound = errors.New("queue record not found")
	// ErrInvalidTransition is returned when a record is not in the state the
	// requested transition starts from.
	ErrInvalidTransition = errors.New("invalid queue record transition")
	// ErrAlreadyRetried is returned when a failed record was re-submitted before.
	ErrAlreadyRetried = errors.New("queue record already retried")
)

// QueueRecord represents a row in the report_queue table.
type QueueRecord struct {
	ID            int64        `json:"id"`
	Payload       []byte       `json:"payload"`
	Status        RecordStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	LastError     string       `json:"last_error,omitempty"`
	NextAttemptAt *time.Time   `json:"next_attempt_at,omitempty"`
	LeasedBy      string       `json:"leased_by,omitempty"`
	LeasedAt      *time.Time   `json:"leased_at,omitempty"`
	RetryOf       *int64       `json:"retry_of,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// QueueStats holds record counts per status.
type QueueStats struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Done       int64 `json:"done"`
	Failed     int64 `json:"failed"`
}

// Pending is the number of records still waiting for delivery.
func (s QueueStats) Pending() int64 {
	return s.Queued + s.Processing
}
