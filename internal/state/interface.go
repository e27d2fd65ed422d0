package state

import (
	"io"
	"time"
)

// RunStore persists run records.
type RunStore interface {
	CreateRun(r *Run) error
	FinishRun(id string, outcome RunOutcome, sessions int, endedAt time.Time) error
	GetRun(id string) (*Run, error)
	ListRuns(limit int) ([]Run, error)
}

// AttemptStore persists session attempts.
type AttemptStore interface {
	RecordAttempt(a *Attempt) error
	ListAttempts(runID string) ([]Attempt, error)
	RecentAttempts(limit int) ([]Attempt, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// HistoryStore is everything the orchestrator and status command need.
type HistoryStore interface {
	io.Closer
	Migrator
	RunStore
	AttemptStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ HistoryStore = (*DB)(nil)
	_ RunStore     = (*DB)(nil)
	_ AttemptStore = (*DB)(nil)
)
