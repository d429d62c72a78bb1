package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/cmimport/pkg/engine"
)

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// EventFilter selects events. Empty fields match everything.
type EventFilter struct {
	RunID    string
	Workflow string
	Level    string
	Limit    int
	Offset   int
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g. "run.started", "ledger.replayed", "migrate.applied"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // run, job or workflow
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.StateManager
	engine.EventPublisher

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Runs
	GetRun(ctx context.Context, id string) (*engine.RunRecord, error)
	ListRuns(ctx context.Context, workflow string, limit, offset int) ([]*engine.RunRecord, error)
	DeleteRun(ctx context.Context, id string) error
	ListIterations(ctx context.Context, runID string) ([]*engine.IterationRecord, error)

	// Import jobs
	GetJob(ctx context.Context, workflow, name string) (*engine.JobRecord, error)
	ListActivity(ctx context.Context, workflow string, since time.Time) ([]*engine.Activity, error)

	// Events
	GetEvents(ctx context.Context, filter EventFilter) ([]*engine.Event, error)

	// Audit
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var _ Store = (*SQLiteStore)(nil)
