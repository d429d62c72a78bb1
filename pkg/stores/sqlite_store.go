package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/cmimport/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var (
	_ engine.StateManager   = (*SQLiteStore)(nil)
	_ engine.EventPublisher = (*SQLiteStore)(nil)
)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// every connection to :memory: opens its own database
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveRun inserts or updates a workflow run.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.RunRecord) error {
	query := `
		INSERT INTO workflow_runs (id, workflow, status, setup_completed, ledger_path, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			setup_completed = excluded.setup_completed,
			ledger_path = excluded.ledger_path,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Workflow,
		string(run.Status),
		run.SetupCompleted,
		run.LedgerPath,
		run.StartedAt,
		run.CompletedAt,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.RunRecord, error) {
	query := `
		SELECT id, workflow, status, setup_completed, ledger_path, started_at, completed_at
		FROM workflow_runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists the runs of a workflow, newest first. An empty workflow
// lists every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, workflow string, limit, offset int) ([]*engine.RunRecord, error) {
	query := `
		SELECT id, workflow, status, setup_completed, ledger_path, started_at, completed_at
		FROM workflow_runs
		WHERE (? = '' OR workflow = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, workflow, workflow, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// DeleteRun deletes a run with its iterations and events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete run events: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM workflow_runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*engine.RunRecord, error) {
	run := &engine.RunRecord{}
	var status string
	err := row.Scan(
		&run.ID,
		&run.Workflow,
		&status,
		&run.SetupCompleted,
		&run.LedgerPath,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = engine.RunStatus(status)
	return run, nil
}

// SaveIteration records the outcome of an iteration.
func (s *SQLiteStore) SaveIteration(ctx context.Context, it *engine.IterationRecord) error {
	query := `
		INSERT INTO iterations (id, run_id, number, phase, job, undo, undo_id, outcome, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			error = excluded.error,
			undo_id = excluded.undo_id,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		it.ID,
		it.RunID,
		it.Number,
		string(it.Phase),
		it.Job,
		it.Undo,
		it.UndoID,
		string(it.Outcome),
		it.Error,
		it.StartedAt,
		it.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save iteration: %w", err)
	}
	return nil
}

// ListIterations lists the iterations of a run in order.
func (s *SQLiteStore) ListIterations(ctx context.Context, runID string) ([]*engine.IterationRecord, error) {
	query := `
		SELECT id, run_id, number, phase, job, undo, undo_id, outcome, error, started_at, completed_at
		FROM iterations
		WHERE run_id = ?
		ORDER BY number ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list iterations: %w", err)
	}
	defer rows.Close()

	iterations := []*engine.IterationRecord{}
	for rows.Next() {
		it := &engine.IterationRecord{}
		var phase, outcome string
		err := rows.Scan(
			&it.ID,
			&it.RunID,
			&it.Number,
			&phase,
			&it.Job,
			&it.Undo,
			&it.UndoID,
			&outcome,
			&it.Error,
			&it.StartedAt,
			&it.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		it.Phase = engine.Phase(phase)
		it.Outcome = engine.IterationOutcome(outcome)
		iterations = append(iterations, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating iterations: %w", err)
	}
	return iterations, nil
}

// SaveJob inserts or updates the state of an import job. Jobs are keyed by
// workflow and name, so the row always holds the latest state.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *engine.JobRecord) error {
	query := `
		INSERT INTO import_jobs (
			workflow, name, run_id, operation, remote_id, state, undo_state, undo_id,
			expected_changes, observed_changes, previous_activation, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow, name) DO UPDATE SET
			run_id = excluded.run_id,
			operation = excluded.operation,
			remote_id = excluded.remote_id,
			state = excluded.state,
			undo_state = excluded.undo_state,
			undo_id = excluded.undo_id,
			expected_changes = excluded.expected_changes,
			observed_changes = excluded.observed_changes,
			previous_activation = excluded.previous_activation,
			updated_at = excluded.updated_at
	`

	updated := job.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		job.Workflow,
		job.Name,
		job.RunID,
		job.Operation,
		job.RemoteID,
		string(job.State),
		string(job.UndoState),
		job.UndoID,
		job.ExpectedChanges,
		job.ObservedChanges,
		job.PreviousActivation,
		updated,
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.Name, err)
	}
	return nil
}

// GetJob retrieves the latest state of an import job.
func (s *SQLiteStore) GetJob(ctx context.Context, workflow, name string) (*engine.JobRecord, error) {
	query := `
		SELECT workflow, name, run_id, operation, remote_id, state, undo_state, undo_id,
			expected_changes, observed_changes, previous_activation, updated_at
		FROM import_jobs
		WHERE workflow = ? AND name = ?
	`

	job := &engine.JobRecord{}
	var state, undoState string
	var observed sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, workflow, name).Scan(
		&job.Workflow,
		&job.Name,
		&job.RunID,
		&job.Operation,
		&job.RemoteID,
		&state,
		&undoState,
		&job.UndoID,
		&job.ExpectedChanges,
		&observed,
		&job.PreviousActivation,
		&job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job not found: %s/%s: %w", workflow, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.State = engine.JobState(state)
	job.UndoState = engine.UndoState(undoState)
	if observed.Valid {
		n := int(observed.Int64)
		job.ObservedChanges = &n
	}
	return job, nil
}

// RecordActivity appends a line to the import activity log.
func (s *SQLiteStore) RecordActivity(ctx context.Context, a *engine.Activity) error {
	query := `
		INSERT INTO import_activity (timestamp, workflow, profile, expected_changes)
		VALUES (?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query, a.Timestamp, a.Workflow, a.Profile, a.ExpectedChanges); err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// ListActivity lists the activity lines of a workflow in submission order.
func (s *SQLiteStore) ListActivity(ctx context.Context, workflow string, since time.Time) ([]*engine.Activity, error) {
	query := `
		SELECT timestamp, workflow, profile, expected_changes
		FROM import_activity
		WHERE workflow = ? AND timestamp >= ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, workflow, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	activity := []*engine.Activity{}
	for rows.Next() {
		a := &engine.Activity{}
		if err := rows.Scan(&a.Timestamp, &a.Workflow, &a.Profile, &a.ExpectedChanges); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		activity = append(activity, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activity: %w", err)
	}
	return activity, nil
}

// Publish implements engine.EventPublisher by appending the event to the log.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	query := `
		INSERT INTO events (id, run_id, workflow, job, type, level, code, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var details *string
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		str := string(data)
		details = &str
	}

	level := event.Level
	if level == "" {
		level = event.Type.Severity()
	}

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.Workflow,
		event.Job,
		string(event.Type),
		level,
		event.Code,
		event.Message,
		details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetEvents retrieves events with optional filters, newest first.
func (s *SQLiteStore) GetEvents(ctx context.Context, filter EventFilter) ([]*engine.Event, error) {
	query := `
		SELECT id, run_id, workflow, job, type, level, code, message, details, timestamp
		FROM events
		WHERE (? = '' OR run_id = ?)
		  AND (? = '' OR workflow = ?)
		  AND (? = '' OR level = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, query,
		filter.RunID, filter.RunID,
		filter.Workflow, filter.Workflow,
		filter.Level, filter.Level,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		event := &engine.Event{}
		var eventType string
		var details sql.NullString
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Workflow,
			&event.Job,
			&eventType,
			&event.Level,
			&event.Code,
			&event.Message,
			&details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = engine.EventType(eventType)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
