package task

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

var (
	ErrNotFound      = errors.New("task not found")
	ErrValidation    = errors.New("validation failed")
	ErrInvalidStatus = errors.New("invalid status transition")
)

// Record is the canonical task row handed out by every store backend.
type Record struct {
	ID        int64     `json:"id"`
	Status    Status    `json:"status"`
	LockedBy  string    `json:"locked_by,omitempty"`
	RawValue  *int64    `json:"raw_value,omitempty"`
	Value     *int64    `json:"value,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTask is the input for creating a pending task.
type NewTask struct {
	RawValue *int64 `json:"raw_value,omitempty"`
	Value    *int64 `json:"value,omitempty"`
}

// Payload is what gets delivered to the endpoint.
type Payload struct {
	ID       int64  `json:"id"`
	Value    int64  `json:"value"`
	Checksum string `json:"checksum"`
}

// Record turns a payload back into a record carrying only the derived value.
func (p Payload) Record() Record {
	v := p.Value
	return Record{ID: p.ID, Value: &v}
}

type Event string

const (
	EventFetch   Event = "fetch"
	EventSuccess Event = "success"
	EventFailure Event = "failure"
)

// AuditEntry is one immutable lifecycle event for one task attempt.
type AuditEntry struct {
	TaskID       int64     `json:"task_id"`
	Attempt      int       `json:"attempt_number"`
	Event        Event     `json:"event_type"`
	ResponseCode *int      `json:"response_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func Int64(v int64) *int64 { return &v }

func Int(v int) *int { return &v }
