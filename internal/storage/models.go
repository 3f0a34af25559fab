package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// LastResult is the most recently delivered QR image. There is at most one.
type LastResult struct {
	RequestID   string
	Text        string
	Image       []byte
	ContentType string
	Source      string
	Degraded    bool
	CreatedAt   time.Time
}

// Resolution is one finished run of the fallback chain.
type Resolution struct {
	ID           string // request id
	CreatedAt    time.Time
	Text         string
	Origin       string
	Via          string
	Source       string
	Degraded     bool
	Delivered    bool
	AttemptsJSON string // JSON array stored as text
	WarningsJSON string // JSON array stored as text
	DurationMs   int64
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
