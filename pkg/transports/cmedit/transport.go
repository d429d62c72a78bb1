// Package cmedit imports change-sets through the cmedit CLI of the
// scripting host.
//
// A submission uploads the change-set into the remote working directory,
// runs "cmedit import", then polls "cmedit import -st" until the job reaches
// a final status. Change counts are read from "config history". The same
// session serves ad-hoc commands for recovery and undo job removal.
package cmedit

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/cmimport/pkg/engine"
	"github.com/openfroyo/cmimport/pkg/telemetry"
	"github.com/openfroyo/cmimport/pkg/transports/ssh"
)

// Name is the transport name reported in logs and metrics.
const Name = "cli"

const (
	defaultPollInterval = 10 * time.Second
	defaultTimeout      = 90 * time.Minute
)

// Remote is the scripting host session. *ssh.Client implements it.
type Remote interface {
	Run(ctx context.Context, cmd string) (*ssh.ExecResult, error)
	Upload(ctx context.Context, localPath string) (*ssh.FileTransferResult, error)
	Remove(ctx context.Context, remotePath string) error
	Reopen(ctx context.Context) error
}

// Transport is the CLI import transport.
type Transport struct {
	remote       Remote
	sleeper      engine.Sleeper
	clock        engine.Clock
	pollInterval time.Duration
	timeout      time.Duration
	logger       zerolog.Logger
}

var (
	_ engine.Transport     = (*Transport)(nil)
	_ engine.CommandRunner = (*Transport)(nil)
	_ engine.SessionOpener = (*Transport)(nil)
)

// Option configures a Transport.
type Option func(*Transport)

// WithPollInterval sets the delay between status polls.
func WithPollInterval(d time.Duration) Option { return func(t *Transport) { t.pollInterval = d } }

// WithTimeout bounds how long an import job may take.
func WithTimeout(d time.Duration) Option { return func(t *Transport) { t.timeout = d } }

// WithSleeper overrides the sleeper used between status polls.
func WithSleeper(s engine.Sleeper) Option { return func(t *Transport) { t.sleeper = s } }

// WithClock overrides the clock used for the timeout.
func WithClock(c engine.Clock) Option { return func(t *Transport) { t.clock = c } }

// WithLogger overrides the transport logger.
func WithLogger(l zerolog.Logger) Option { return func(t *Transport) { t.logger = l } }

// New creates a CLI transport over the given session.
func New(remote Remote, opts ...Option) *Transport {
	t := &Transport{
		remote:       remote,
		sleeper:      engine.TimerSleeper{},
		clock:        engine.SystemClock{},
		pollInterval: defaultPollInterval,
		timeout:      defaultTimeout,
		logger:       log.With().Str("component", "transport").Str("transport", Name).Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements engine.Transport.
func (t *Transport) Name() string { return Name }

// Reopen implements engine.SessionOpener.
func (t *Transport) Reopen(ctx context.Context) error {
	return t.remote.Reopen(ctx)
}

// Execute implements engine.CommandRunner. Output lines are returned even
// when the command fails.
func (t *Transport) Execute(ctx context.Context, command string) ([]string, error) {
	result, err := t.remote.Run(ctx, command)
	if result == nil {
		return nil, err
	}
	return result.Lines(), err
}

// Import implements engine.Importer.
func (t *Transport) Import(ctx context.Context, req *engine.ImportRequest) (*engine.ImportResult, error) {
	var result *engine.ImportResult
	err := telemetry.RecordTransportOperation(ctx, Name, "import", func(ctx context.Context) error {
		var err error
		result, err = t.importFile(ctx, req)
		return err
	})
	return result, err
}

func (t *Transport) importFile(ctx context.Context, req *engine.ImportRequest) (*engine.ImportResult, error) {
	uploaded, err := t.remote.Upload(ctx, req.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", req.FilePath, err)
	}
	defer func() {
		if rerr := t.remote.Remove(context.WithoutCancel(ctx), uploaded.RemotePath); rerr != nil {
			t.logger.Warn().Err(rerr).Str("file", uploaded.RemotePath).Msg("Failed to remove uploaded change-set")
		}
	}()

	cmd := ImportCommand(req, filepath.Base(req.FilePath))
	lines, err := t.Execute(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("import command failed: %w", err)
	}
	if line := FirstError(lines); line != "" {
		return nil, fmt.Errorf("import rejected: %s", line)
	}

	jobID, err := ParseJobID(lines)
	if err != nil {
		return nil, err
	}
	t.logger.Debug().Str("job", req.JobName).Str("job_id", jobID).Msg("Import job started")

	status, err := t.waitForCompletion(ctx, jobID)
	return &engine.ImportResult{JobID: jobID, Status: status}, err
}

// waitForCompletion polls the job status until it is final or the timeout elapses.
func (t *Transport) waitForCompletion(ctx context.Context, jobID string) (string, error) {
	deadline := t.clock.Now().Add(t.timeout)
	status := ""

	for t.clock.Now().Before(deadline) {
		lines, err := t.Execute(ctx, StatusCommand(jobID))
		if err != nil {
			return status, fmt.Errorf("failed to read status of job %s: %w", jobID, err)
		}

		status = ParseJobStatus(lines, jobID)
		switch status {
		case StatusCompleted, StatusExecuted:
			t.logger.Debug().Str("job_id", jobID).Str("status", status).Msg("Import job finished")
			return status, nil
		case StatusFailed:
			return status, fmt.Errorf("job %s failed: %s", jobID, lastLine(lines))
		}

		if err := t.sleeper.Sleep(ctx, t.pollInterval); err != nil {
			return status, err
		}
	}

	if status == "" {
		status = "no status available"
	}
	return status, engine.NewTimeoutError(jobID, status, t.timeout)
}

// TotalChanges implements engine.HistoryReader.
func (t *Transport) TotalChanges(ctx context.Context, jobID string) (int, error) {
	var total int
	err := telemetry.RecordTransportOperation(ctx, Name, "history", func(ctx context.Context) error {
		lines, err := t.Execute(ctx, HistoryCommand(jobID))
		if err != nil {
			return fmt.Errorf("history command failed for job %s: %w", jobID, err)
		}
		total, err = ParseHistoryCount(lines)
		if err != nil {
			return fmt.Errorf("job %s: %w", jobID, err)
		}
		return nil
	})
	return total, err
}

// RemoveUndoJob runs the undo job removal command.
func (t *Transport) RemoveUndoJob(ctx context.Context, undoID string) error {
	lines, err := t.Execute(ctx, fmt.Sprintf(RemoveUndoJobCmd, undoID))
	if err != nil {
		return err
	}
	if line := FirstError(lines); line != "" {
		return fmt.Errorf("failed to remove undo job %s: %s", undoID, line)
	}
	return nil
}

func lastLine(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
