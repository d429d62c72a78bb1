package engine

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/cmimport/pkg/telemetry"
)

// recreateSuccessMarkers are the response fragments that mark a recreate
// command as applied or unnecessary.
var recreateSuccessMarkers = []string{"already exists", "instance(s) updated", "children"}

// RecoveryConfig configures a RecoveryExecutor.
type RecoveryConfig struct {
	// Workflow is the workflow name used in logs, metrics and escalations.
	Workflow string

	// Pacing is the wait after every command. Defaults to 1s.
	Pacing time.Duration

	// InitialBackoff is the wait after the first unsuccessful pass. Defaults to 60s.
	InitialBackoff time.Duration

	// ManualInterventionThreshold caps backoff doubling. Defaults to 1h.
	ManualInterventionThreshold time.Duration

	// PinnedBackoff is the wait once doubling would pass the threshold. Defaults to 2h.
	PinnedBackoff time.Duration
}

// DefaultRecoveryConfig returns the default recovery pacing.
func DefaultRecoveryConfig(workflow string) RecoveryConfig {
	return RecoveryConfig{
		Workflow:                    workflow,
		Pacing:                      time.Second,
		InitialBackoff:              60 * time.Second,
		ManualInterventionThreshold: time.Hour,
		PinnedBackoff:               2 * time.Hour,
	}
}

// ErrorRecorder records non-fatal workflow errors.
type ErrorRecorder interface {
	RecordError(ctx context.Context, err error)
}

// ReconcileReport summarizes a reconciliation.
type ReconcileReport struct {
	Passes      int
	Resolved    int
	Backoffs    []time.Duration
	Escalations int
}

// RecoveryExecutor replays recreate commands from the recovery ledger.
type RecoveryExecutor struct {
	cfg      RecoveryConfig
	runner   CommandRunner
	sleeper  Sleeper
	recorder ErrorRecorder
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

// NewRecoveryExecutor creates a recovery executor. runner should act as a
// user allowed to create MOs.
func NewRecoveryExecutor(cfg RecoveryConfig, runner CommandRunner, sleeper Sleeper, recorder ErrorRecorder, metrics *telemetry.Metrics) *RecoveryExecutor {
	defaults := DefaultRecoveryConfig(cfg.Workflow)
	if cfg.Pacing <= 0 {
		cfg.Pacing = defaults.Pacing
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.ManualInterventionThreshold <= 0 {
		cfg.ManualInterventionThreshold = defaults.ManualInterventionThreshold
	}
	if cfg.PinnedBackoff <= 0 {
		cfg.PinnedBackoff = defaults.PinnedBackoff
	}
	if sleeper == nil {
		sleeper = TimerSleeper{}
	}
	return &RecoveryExecutor{
		cfg:      cfg,
		runner:   runner,
		sleeper:  sleeper,
		recorder: recorder,
		metrics:  metrics,
		logger:   log.With().Str("component", "recovery").Str("workflow", cfg.Workflow).Logger(),
	}
}

// RecreateAll replays every command once. Individual failures are logged
// and not retried. Only context cancellation is returned.
func (r *RecoveryExecutor) RecreateAll(ctx context.Context, commands []string) error {
	for _, cmd := range commands {
		r.logger.Debug().Str("command", cmd).Msg("Executing recreate command")
		if _, err := r.runner.Execute(ctx, cmd); err != nil {
			r.logger.Debug().Err(err).Str("command", cmd).Msg("Recreate command failed")
		}
		if err := r.sleeper.Sleep(ctx, r.cfg.Pacing); err != nil {
			return err
		}
	}
	return nil
}

// Reconcile replays commands until every one reports a success marker.
// It never gives up: after each unsuccessful pass it waits, doubling the wait
// up to the manual intervention threshold, then pins it and records an
// escalation every pass. It returns early only when ctx is cancelled.
func (r *RecoveryExecutor) Reconcile(ctx context.Context, commands []string) (report *ReconcileReport, err error) {
	ic := telemetry.StartOperation(ctx, "recovery.reconcile",
		telemetry.AttrWorkflow.String(r.cfg.Workflow), attribute.Int("commands", len(commands)))
	ctx = ic.Ctx
	defer func() { ic.End(err) }()

	r.logger.Debug().Int("commands", len(commands)).Msg("Attempting to recreate missing MOs")
	report = &ReconcileReport{}
	pending := append([]string(nil), commands...)
	wait := r.cfg.InitialBackoff

	for len(pending) > 0 {
		report.Passes++
		before := len(pending)
		pending, err = r.executePass(ctx, pending)
		report.Resolved += before - len(pending)
		r.metrics.SetReconcileOutstanding(r.cfg.Workflow, len(pending))
		if err != nil {
			return report, err
		}
		if len(pending) == 0 {
			break
		}

		r.logger.Debug().Int("pass", report.Passes).Int("remaining", len(pending)).
			Dur("wait", wait).Msg("MOs still missing after recreate pass")
		if err = r.sleeper.Sleep(ctx, wait); err != nil {
			return report, err
		}
		report.Backoffs = append(report.Backoffs, wait)

		wait *= 2
		if wait > r.cfg.ManualInterventionThreshold {
			wait = r.cfg.PinnedBackoff
			report.Escalations++
			r.escalate(ctx, len(pending))
		}
	}

	r.logger.Info().Int("passes", report.Passes).Int("resolved", report.Resolved).
		Msg("Recreate of missing MOs completed")
	return report, nil
}

func (r *RecoveryExecutor) executePass(ctx context.Context, commands []string) ([]string, error) {
	var remaining []string
	for i, cmd := range commands {
		output, err := r.runner.Execute(ctx, cmd)
		switch {
		case err != nil:
			r.logger.Debug().Err(err).Str("command", cmd).Msg("Error executing recreate command")
			remaining = append(remaining, cmd)
		case !hasSuccessMarker(output):
			verr := NewValidationError(cmd, output)
			r.logger.Debug().Err(verr).Strs("output", output).Msg("Recreate command not confirmed")
			remaining = append(remaining, cmd)
		}
		if err := r.sleeper.Sleep(ctx, r.cfg.Pacing); err != nil {
			return append(remaining, commands[i+1:]...), err
		}
	}
	return remaining, nil
}

func (r *RecoveryExecutor) escalate(ctx context.Context, remaining int) {
	esc := NewEscalation(r.cfg.Workflow, remaining)
	r.metrics.RecordEscalation(r.cfg.Workflow)
	r.logger.Warn().Int("remaining", remaining).Msg("Manual intervention may be required")
	if r.recorder != nil {
		r.recorder.RecordError(ctx, esc)
	}
}

func hasSuccessMarker(output []string) bool {
	for _, line := range output {
		for _, marker := range recreateSuccessMarkers {
			if strings.Contains(line, marker) {
				return true
			}
		}
	}
	return false
}
