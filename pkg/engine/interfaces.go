package engine

import (
	"context"
	"time"
)

// Importer submits change-set files to the remote import service and waits
// for the job to finish.
type Importer interface {
	Import(ctx context.Context, req *ImportRequest) (*ImportResult, error)
}

// HistoryReader reports how many changes the remote system recorded for a job.
// Readers return ErrTotalChangesUnidentified when no count can be derived.
type HistoryReader interface {
	TotalChanges(ctx context.Context, jobID string) (int, error)
}

// Transport is a complete import transport (CLI, NBIv1 or NBIv2).
type Transport interface {
	Importer
	HistoryReader

	// Name returns the transport name for logs and metrics.
	Name() string
}

// UndoService creates and removes undo jobs on the remote system.
type UndoService interface {
	// CreateUndoJob requests an undo job for an import job and waits for it to complete.
	CreateUndoJob(ctx context.Context, importJobID string) (string, error)

	// DownloadUndoFile downloads the undo change-set into dir and returns its path.
	DownloadUndoFile(ctx context.Context, undoID, dir string) (string, error)

	// RemoveUndoFiles removes every local undo file kept in dir.
	RemoveUndoFiles(ctx context.Context, dir string) error

	// RemoveUndoJob removes the undo job from the remote system.
	RemoveUndoJob(ctx context.Context, undoID string) error
}

// CommandRunner executes an ad-hoc command on the remote system and returns its output lines.
type CommandRunner interface {
	Execute(ctx context.Context, command string) ([]string, error)
}

// SessionOpener re-establishes the session used by the forward job.
type SessionOpener interface {
	Reopen(ctx context.Context) error
}

// ChangeSetGate decides whether a change-set may be submitted.
type ChangeSetGate interface {
	Evaluate(ctx context.Context, summary *ChangeSetSummary) error
}

// LedgerStore persists recovery ledgers.
type LedgerStore interface {
	// Write prunes outdated ledgers of the workflow and writes a new one,
	// returning its path.
	Write(ctx context.Context, workflow string, commands []string) (string, error)

	// Latest returns the commands of the newest ledger of the workflow.
	Latest(ctx context.Context, workflow string) ([]string, error)
}

// StateManager persists workflow runs, iterations and import jobs.
type StateManager interface {
	SaveRun(ctx context.Context, run *RunRecord) error
	SaveIteration(ctx context.Context, it *IterationRecord) error
	SaveJob(ctx context.Context, job *JobRecord) error
	RecordActivity(ctx context.Context, activity *Activity) error
}

// EventPublisher publishes workflow events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Sleeper waits for a duration. Implementations return early with the
// context error when ctx is cancelled.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// TimerSleeper sleeps using a timer.
type TimerSleeper struct{}

// Sleep implements Sleeper.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
