package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/cmimport/pkg/changeset"
	"github.com/openfroyo/cmimport/pkg/telemetry"
)

const (
	sessionRetryPause = 2 * time.Second

	// setupRetryWait spaces setup attempts when the run has no interval.
	setupRetryWait = time.Hour
)

// UndoTime is the configured time from which iterations become undo iterations.
type UndoTime struct {
	// At is the undo time. With Daily only its clock time is used.
	At time.Time

	// Daily makes the undo time recur every day at At's hour and minute.
	Daily bool
}

// Due reports whether the undo time is now or in the past.
func (u *UndoTime) Due(now time.Time) bool {
	if u == nil {
		return false
	}
	at := u.At
	if u.Daily {
		at = time.Date(now.Year(), now.Month(), now.Day(), u.At.Hour(), u.At.Minute(), 0, 0, now.Location())
	}
	return !now.Before(at)
}

// OrchestratorConfig configures a CycleOrchestrator.
type OrchestratorConfig struct {
	// Workflow is the workflow name.
	Workflow string

	// RunID identifies this run. Generated when empty.
	RunID string

	// AttemptRecovery enables the recovery ledger and recovery teardown.
	AttemptRecovery bool

	// UndoTime enables undo iterations. Nil disables them.
	UndoTime *UndoTime

	// Recovery configures reconciliation pacing.
	Recovery RecoveryConfig
}

// OrchestratorOption configures a CycleOrchestrator.
type OrchestratorOption func(*CycleOrchestrator)

// WithSession sets the session re-established before each iteration.
func WithSession(s SessionOpener) OrchestratorOption {
	return func(o *CycleOrchestrator) { o.session = s }
}

// WithLedger sets where the recovery ledger is persisted.
func WithLedger(l LedgerStore) OrchestratorOption {
	return func(o *CycleOrchestrator) { o.ledger = l }
}

// WithRecoveryRunner sets the command runner used for recreate commands.
func WithRecoveryRunner(r CommandRunner) OrchestratorOption {
	return func(o *CycleOrchestrator) { o.recoveryRunner = r }
}

// WithOrchestratorState sets where runs and iterations are persisted.
func WithOrchestratorState(s StateManager) OrchestratorOption {
	return func(o *CycleOrchestrator) { o.state = s }
}

// WithEvents sets the workflow event publisher.
func WithEvents(p EventPublisher) OrchestratorOption {
	return func(o *CycleOrchestrator) { o.events = p }
}

// WithSleeper overrides the sleeper.
func WithSleeper(s Sleeper) OrchestratorOption {
	return func(o *CycleOrchestrator) { o.sleeper = s }
}

// WithClock overrides the clock.
func WithClock(c Clock) OrchestratorOption {
	return func(o *CycleOrchestrator) { o.clock = c }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) OrchestratorOption {
	return func(o *CycleOrchestrator) { o.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l zerolog.Logger) OrchestratorOption {
	return func(o *CycleOrchestrator) { o.logger = l }
}

// CycleOrchestrator alternates two import jobs across iterations and reacts
// to classified failures. Only one orchestrator per workflow may run at a time.
type CycleOrchestrator struct {
	cfg            OrchestratorConfig
	defaults       *ImportJob
	modify         *ImportJob
	tree           *changeset.Tree
	session        SessionOpener
	ledger         LedgerStore
	recoveryRunner CommandRunner
	recovery       *RecoveryExecutor
	state          StateManager
	events         EventPublisher
	sleeper        Sleeper
	clock          Clock
	metrics        *telemetry.Metrics
	logger         zerolog.Logger
	teardown       *Teardown

	// mu protects the fields below
	mu             sync.Mutex
	phase          Phase
	ready          bool
	status         RunStatus
	iteration      int
	undoJobID      string
	ledgerPath     string
	ledgerCommands []string
	recordedErrors []error
	startedAt      time.Time
}

// NewCycleOrchestrator creates an orchestrator for a pair of jobs over the
// same tree. defaults restores default values (or recreates MOs), modify
// applies the modifications (or deletes MOs).
func NewCycleOrchestrator(cfg OrchestratorConfig, defaults, modify *ImportJob, tree *changeset.Tree, opts ...OrchestratorOption) *CycleOrchestrator {
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	o := &CycleOrchestrator{
		cfg:      cfg,
		defaults: defaults,
		modify:   modify,
		tree:     tree,
		sleeper:  TimerSleeper{},
		clock:    SystemClock{},
		logger:   log.With().Str("component", "orchestrator").Str("workflow", cfg.Workflow).Logger(),
		teardown: &Teardown{},
		phase:    PhaseModifications,
		status:   RunStatusPending,
	}
	for _, opt := range opts {
		opt(o)
	}

	rc := cfg.Recovery
	if rc.Workflow == "" {
		rc.Workflow = cfg.Workflow
	}
	if o.recoveryRunner != nil {
		o.recovery = NewRecoveryExecutor(rc, o.recoveryRunner, o.sleeper, o, o.metrics)
	}
	return o
}

// RunID returns the run identifier.
func (o *CycleOrchestrator) RunID() string { return o.cfg.RunID }

// Phase returns the current phase selector.
func (o *CycleOrchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Ready reports whether setup completed.
func (o *CycleOrchestrator) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready
}

// UndoJobID returns the undo job id reported by the last successful iteration.
func (o *CycleOrchestrator) UndoJobID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.undoJobID
}

// LedgerCommands returns the recreate commands recorded at setup.
func (o *CycleOrchestrator) LedgerCommands() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.ledgerCommands...)
}

// Errors returns every recorded workflow error.
func (o *CycleOrchestrator) Errors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.recordedErrors...)
}

// TeardownSteps returns the registered teardown obligations.
func (o *CycleOrchestrator) TeardownSteps() []string { return o.teardown.Names() }

// advancePhase is the only place the phase selector changes.
func (o *CycleOrchestrator) advancePhase() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phase = o.phase.Next()
}

// RecordError records a non-fatal workflow error. It implements ErrorRecorder.
func (o *CycleOrchestrator) RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	o.mu.Lock()
	o.recordedErrors = append(o.recordedErrors, err)
	o.mu.Unlock()

	code := ErrorCode(err)
	o.metrics.RecordWorkflowError(o.cfg.Workflow, code)

	eventType := EventTypeError
	if IsEscalation(err) {
		eventType = EventTypeEscalation
	}
	o.logger.Warn().Err(err).Str("code", code).Msg("Workflow error recorded")
	o.publish(ctx, eventType, "", err.Error(), map[string]interface{}{"code": code})
}

func (o *CycleOrchestrator) publish(ctx context.Context, t EventType, job, message string, details map[string]interface{}) {
	if o.events == nil {
		return
	}
	code, _ := details["code"].(string)
	ev := &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: o.clock.Now(),
		RunID:     o.cfg.RunID,
		Workflow:  o.cfg.Workflow,
		Job:       job,
		Code:      code,
		Message:   message,
		Details:   details,
		Level:     t.Severity(),
	}
	if err := o.events.Publish(ctx, ev); err != nil {
		o.logger.Debug().Err(err).Msg("Failed to publish event")
	}
}

func (o *CycleOrchestrator) saveRun(ctx context.Context, completed bool) {
	if o.state == nil {
		return
	}
	o.mu.Lock()
	rec := &RunRecord{
		ID:             o.cfg.RunID,
		Workflow:       o.cfg.Workflow,
		Status:         o.status,
		SetupCompleted: o.ready,
		LedgerPath:     o.ledgerPath,
		StartedAt:      o.startedAt,
	}
	o.mu.Unlock()
	if completed {
		now := o.clock.Now()
		rec.CompletedAt = &now
	}
	if err := o.state.SaveRun(ctx, rec); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to persist run")
	}
}

// Setup renders both change-sets, records teardown obligations and the
// recovery ledger, and sets MOs to their defaults. Failures are recorded,
// never returned; the result reports whether the run is ready.
func (o *CycleOrchestrator) Setup(ctx context.Context) bool {
	o.mu.Lock()
	first := o.startedAt.IsZero()
	if first {
		o.startedAt = o.clock.Now()
	}
	o.mu.Unlock()

	o.logger.Debug().Bool("retry", !first).Msg("Starting setup")
	if first {
		o.metrics.RecordRunStarted(o.cfg.Workflow)
		o.publish(ctx, EventTypeRunStarted, "", "setup started", nil)
	}
	o.saveRun(ctx, false)

	err := o.setup(ctx)

	o.mu.Lock()
	o.ready = err == nil
	if o.ready {
		o.status = RunStatusRunning
	} else {
		o.status = RunStatusNotReady
	}
	o.mu.Unlock()

	if err != nil {
		o.logger.Error().Err(err).Msg("Error during setup")
		o.RecordError(ctx, err)
		o.publish(ctx, EventTypeSetupFailed, "", err.Error(), nil)
	}
	o.saveRun(ctx, false)
	o.logger.Debug().Bool("ready", err == nil).Msg("Finished setup")
	return err == nil
}

func (o *CycleOrchestrator) setup(ctx context.Context) error {
	if err := o.defaults.Prepare(ctx, o.tree); err != nil {
		return err
	}
	if err := o.modify.Prepare(ctx, o.tree); err != nil {
		return err
	}
	o.teardown.Register("delete "+o.defaults.Name(), o.defaults.Delete)
	o.teardown.Register("delete "+o.modify.Name(), o.modify.Delete)

	if o.cfg.AttemptRecovery {
		if err := o.writeLedger(ctx); err != nil {
			return err
		}
	}

	spec := o.defaults.Spec()
	switch {
	case spec.IsUpdate():
		if o.cfg.AttemptRecovery {
			o.teardown.Register("restore "+o.defaults.Name(), func(ctx context.Context) error {
				_, err := o.defaults.ImportFlow(ctx, false, false)
				return err
			})
		} else {
			o.teardown.Register("restore "+o.defaults.Name(), o.defaults.RestoreDefaults)
		}
		o.setValuesToDefault(ctx)
	case spec.Operation == changeset.OperationCreate && o.cfg.AttemptRecovery:
		o.teardown.Register("recreate all MOs", o.RecreateAllMOs)
	}
	return nil
}

func (o *CycleOrchestrator) writeLedger(ctx context.Context) error {
	commands := changeset.RecreateCommands(o.tree)
	var path string
	if o.ledger != nil {
		var err error
		path, err = o.ledger.Write(ctx, o.cfg.Workflow, commands)
		if err != nil {
			return NewPermanentError("failed to write recovery ledger", err).
				WithCode(ErrCodeInternal).WithResource(o.cfg.Workflow)
		}
	}
	o.mu.Lock()
	o.ledgerCommands = append(o.ledgerCommands, commands...)
	o.ledgerPath = path
	o.mu.Unlock()
	o.logger.Debug().Str("path", path).Int("commands", len(commands)).Msg("Recovery ledger written")
	return nil
}

func (o *CycleOrchestrator) setValuesToDefault(ctx context.Context) {
	o.logger.Debug().Msg("Setting MO values to their default")
	if _, err := o.defaults.ImportFlow(ctx, false, false); err != nil {
		o.RecordError(ctx, err)
		return
	}
	o.logger.Debug().Msg("MO values set to their default")
}

// IsUndoIteration reports whether the next iteration undoes the modifications.
func (o *CycleOrchestrator) IsUndoIteration() bool {
	if o.cfg.UndoTime == nil {
		return false
	}
	return o.modify.PreviousActivation() && o.cfg.UndoTime.Due(o.clock.Now())
}

// selectJob picks the forward job. Undo iterations invert the phase selector.
func (o *CycleOrchestrator) selectJob(undo bool) *ImportJob {
	mods := o.Phase() == PhaseModifications
	if undo {
		mods = !mods
	}
	if mods {
		return o.modify
	}
	return o.defaults
}

// RunIteration runs one iteration. Failures are classified, reacted to and
// recorded; the returned record describes the outcome.
func (o *CycleOrchestrator) RunIteration(ctx context.Context) (rec *IterationRecord) {
	o.mu.Lock()
	o.iteration++
	number := o.iteration
	o.mu.Unlock()

	rec = &IterationRecord{
		ID:        uuid.New().String(),
		RunID:     o.cfg.RunID,
		Number:    number,
		Phase:     o.Phase(),
		StartedAt: o.clock.Now(),
	}
	ic := telemetry.StartOperation(ctx, "orchestrator.iteration",
		telemetry.AttrWorkflow.String(o.cfg.Workflow), attribute.Int("iteration", number))
	ctx = ic.Ctx
	start := time.Now()
	defer func() {
		rec.CompletedAt = o.clock.Now()
		o.metrics.RecordIteration(o.cfg.Workflow, string(rec.Phase), string(rec.Outcome), time.Since(start))
		if o.state != nil {
			if err := o.state.SaveIteration(ctx, rec); err != nil {
				o.logger.Warn().Err(err).Msg("Failed to persist iteration")
			}
		}
		var err error
		if rec.Outcome != OutcomeSucceeded {
			err = fmt.Errorf("%s: %s", rec.Outcome, rec.Error)
		}
		ic.End(err)
	}()

	if o.session != nil {
		if err := o.session.Reopen(ctx); err != nil {
			o.RecordError(ctx, NewTransientError("failed to re-establish session", err).
				WithCode(ErrCodeSession).WithResource(o.cfg.Workflow))
			// Avoid the next scheduled attempt landing in the same second.
			_ = o.sleeper.Sleep(ctx, sessionRetryPause)
			rec.Outcome = OutcomeSessionFailed
			rec.Error = err.Error()
			return rec
		}
	}

	undo := o.IsUndoIteration()
	job := o.selectJob(undo)
	rec.Job = job.Name()
	rec.Undo = undo

	o.logger.Info().Str("job", job.Name()).Str("phase", string(rec.Phase)).Bool("undo", undo).Msg("Starting iteration")
	o.publish(ctx, EventTypeIterationStarted, job.Name(), "iteration started",
		map[string]interface{}{"phase": string(rec.Phase), "undo": undo})

	undoID, err := job.ImportFlow(ctx, true, undo)
	if err == nil {
		o.mu.Lock()
		o.undoJobID = undoID
		o.mu.Unlock()
		o.advancePhase()
		rec.UndoID = undoID
		rec.Outcome = OutcomeSucceeded
		o.publish(ctx, EventTypeIterationCompleted, job.Name(), "iteration completed",
			map[string]interface{}{"next_phase": string(o.Phase())})
		return rec
	}

	rec.Error = err.Error()
	rec.Outcome = o.handleFailure(ctx, err, job, undo)
	return rec
}

// handleFailure records err and runs the compensating actions for its class.
func (o *CycleOrchestrator) handleFailure(ctx context.Context, err error, job *ImportJob, undo bool) IterationOutcome {
	o.RecordError(ctx, err)

	switch {
	case IsUndoPreparationError(err):
		o.cleanupUndoFiles(ctx, job)
		o.cleanupUndoJob(ctx, job)
		return OutcomeUndoPreparation

	case IsImportError(err):
		if undo {
			o.cleanupUndoFiles(ctx, job)
			o.cleanupUndoJob(ctx, job)
		}
		if job.Spec().IsUpdate() {
			o.advancePhase()
		} else {
			o.ReconcileMissingMOs(ctx)
			if o.Phase() != PhaseModifications {
				o.advancePhase()
			}
		}
		return OutcomeImportFailed

	case IsHistoryMismatch(err):
		o.advancePhase()
		if undo {
			o.cleanupUndoFiles(ctx, job)
			o.cleanupUndoJob(ctx, job)
		}
		return OutcomeHistoryMismatch

	default:
		return OutcomeUnclassified
	}
}

func (o *CycleOrchestrator) cleanupUndoFiles(ctx context.Context, job *ImportJob) {
	if err := job.CleanupUndoArtifacts(ctx); err != nil {
		o.RecordError(ctx, err)
	}
}

func (o *CycleOrchestrator) cleanupUndoJob(ctx context.Context, job *ImportJob) {
	if err := job.CleanupUndoJob(ctx); err != nil {
		o.RecordError(ctx, err)
	}
}

// ReconcileMissingMOs replays the recovery ledger until every MO exists.
func (o *CycleOrchestrator) ReconcileMissingMOs(ctx context.Context) {
	commands := o.LedgerCommands()
	if o.recovery == nil || len(commands) == 0 {
		o.logger.Debug().Msg("No recovery ledger, skipping MO reconciliation")
		return
	}
	report, err := o.recovery.Reconcile(ctx, commands)
	if err != nil {
		o.RecordError(ctx, err)
		return
	}
	o.publish(ctx, EventTypeReconcilePass, "", "missing MOs recreated",
		map[string]interface{}{"passes": report.Passes, "resolved": report.Resolved})
}

// RecreateAllMOs replays every ledger command once.
func (o *CycleOrchestrator) RecreateAllMOs(ctx context.Context) error {
	if o.recovery == nil {
		return nil
	}
	return o.recovery.RecreateAll(ctx, o.LedgerCommands())
}

// Teardown runs every registered obligation, last registered first.
func (o *CycleOrchestrator) Teardown(ctx context.Context) error {
	err := o.teardown.Run(ctx, o)

	o.mu.Lock()
	if err != nil {
		o.status = RunStatusFailed
	} else {
		o.status = RunStatusCompleted
	}
	status, started := o.status, o.startedAt
	o.mu.Unlock()

	o.metrics.RecordRunCompleted(o.cfg.Workflow, string(status), o.clock.Now().Sub(started))
	o.saveRun(ctx, true)
	o.publish(ctx, EventTypeRunCompleted, "", "teardown completed", nil)
	return err
}

// Run sets up, runs iterations spaced by interval until the iteration count
// is reached (0 runs until ctx is done), then tears down. A failed setup is
// retried until it succeeds; no iteration runs before that. Teardown runs
// even after cancellation.
func (o *CycleOrchestrator) Run(ctx context.Context, iterations int, interval time.Duration) (err error) {
	ctx = telemetry.WithWorkflowContext(ctx, o.cfg.Workflow, o.cfg.RunID)
	defer func() { telemetry.EndWorkflowContext(ctx, err) }()

	for !o.Setup(ctx) {
		wait := interval
		if wait <= 0 {
			wait = setupRetryWait
		}
		o.logger.Debug().Dur("wait", wait).Msg("Retrying setup")
		if o.sleeper.Sleep(ctx, wait) != nil {
			break
		}
	}

	for i := 0; o.Ready() && (iterations == 0 || i < iterations); i++ {
		if ctx.Err() != nil {
			break
		}
		o.RunIteration(ctx)
		if iterations != 0 && i == iterations-1 {
			break
		}
		if err := o.sleeper.Sleep(ctx, interval); err != nil {
			break
		}
	}

	return o.Teardown(context.WithoutCancel(ctx))
}
