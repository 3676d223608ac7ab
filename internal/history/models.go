package history

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Download statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
	StatusCached = "cached"
)

// Download is one artifact fetch attempt.
type Download struct {
	ID        string
	CreatedAt time.Time
	RepoID    string
	Filename  string
	SizeBytes int64
	Status    string // "ok", "failed", "cached"
	Error     string
	Duration  time.Duration
}

// Run is one completed (or failed) inference invocation.
type Run struct {
	ID              string
	CreatedAt       time.Time
	BatchID         string // empty for ad-hoc runs
	TaskName        string
	ModelPath       string
	Prompt          string
	Status          string // "ok", "failed"
	Error           string
	TokensGenerated int
	Duration        time.Duration
}
