package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/cmimport/pkg/changeset"
	"github.com/openfroyo/cmimport/pkg/telemetry"
)

// Job lifecycle events.
const (
	eventPrepare = "prepare"
	eventRearm   = "rearm"
	eventSubmit  = "submit"
	eventVerify  = "verify"
	eventFail    = "fail"

	eventUndoRequest = "undo_request"
	eventUndoFile    = "undo_file"
	eventUndoSubmit  = "undo_submit"
	eventUndoClean   = "undo_clean"
	eventUndoReset   = "undo_reset"
)

const (
	restoreAttempts = 2
	restoreWait     = 60 * time.Second
)

// fastHistoryPrefixes lists job names whose history is queried after the short delay.
var fastHistoryPrefixes = []string{"cmimport_31", "cmimport_32", "cmimport_33"}

// JobSpec is the static configuration of an ImportJob.
type JobSpec struct {
	// Name is the import job name, e.g. "cmimport_01_modify".
	Name string

	// Workflow is the owning workflow name, e.g. "cmimport_01".
	Workflow string

	// FilePath is where the change-set file is rendered.
	FilePath string

	// Format is the change-set format.
	Format changeset.Format

	// Operation is the operation the change-set applies.
	Operation changeset.Operation

	// Values are the attribute overrides for set change-sets.
	Values changeset.Overrides

	// ConfigName is the target configuration. Defaults to "Live".
	ConfigName string

	// Flow is the activation flow.
	Flow Flow

	// ExecutionPolicy is the import error handling policy.
	ExecutionPolicy []string

	// ExpectedChanges is the history count expected after one activation.
	ExpectedChanges int

	// UndoDir is the directory undo change-sets are downloaded into.
	UndoDir string
}

// IsUpdate reports whether the job applies attribute overrides.
func (s JobSpec) IsUpdate() bool { return s.Operation == changeset.OperationSet }

// JobOption configures an ImportJob.
type JobOption func(*ImportJob)

// WithUndoService sets the service used to prepare and remove undo jobs.
func WithUndoService(u UndoService) JobOption { return func(j *ImportJob) { j.undo = u } }

// WithJobSleeper overrides the sleeper used for history and retry delays.
func WithJobSleeper(s Sleeper) JobOption { return func(j *ImportJob) { j.sleeper = s } }

// WithJobClock overrides the clock used for activity timestamps.
func WithJobClock(c Clock) JobOption { return func(j *ImportJob) { j.clock = c } }

// WithGate sets the gate evaluated before every submission.
func WithGate(g ChangeSetGate) JobOption { return func(j *ImportJob) { j.gate = g } }

// WithStateManager sets where job state and activity lines are persisted.
func WithStateManager(s StateManager) JobOption { return func(j *ImportJob) { j.state = s } }

// WithJobLogger overrides the job logger.
func WithJobLogger(l zerolog.Logger) JobOption { return func(j *ImportJob) { j.logger = l } }

// WithJobMetrics sets the metrics collector.
func WithJobMetrics(m *telemetry.Metrics) JobOption { return func(j *ImportJob) { j.metrics = m } }

// WithRunID tags persisted job records with a workflow run id.
func WithRunID(id string) JobOption { return func(j *ImportJob) { j.runID = id } }

// ImportJob owns one change-set file and its activations on the remote system.
type ImportJob struct {
	spec      JobSpec
	transport Transport
	undo      UndoService
	sleeper   Sleeper
	clock     Clock
	gate      ChangeSetGate
	state     StateManager
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
	runID     string

	// mu protects the fields below
	mu                 sync.Mutex
	lifecycle          *fsm.FSM
	undoLifecycle      *fsm.FSM
	tree               *changeset.Tree
	jobID              string
	undoID             string
	undoFile           string
	previousActivation bool
	skipHistoryCheck   bool
	observed           *int
}

// NewImportJob creates an import job in the new state.
func NewImportJob(spec JobSpec, transport Transport, opts ...JobOption) *ImportJob {
	if spec.ConfigName == "" {
		spec.ConfigName = "Live"
	}
	if spec.Flow == "" {
		spec.Flow = FlowLive
	}

	j := &ImportJob{
		spec:      spec,
		transport: transport,
		sleeper:   TimerSleeper{},
		clock:     SystemClock{},
		logger:    log.With().Str("component", "import_job").Str("job", spec.Name).Logger(),
	}
	for _, opt := range opts {
		opt(j)
	}

	j.lifecycle = fsm.NewFSM(
		string(JobStateNew),
		fsm.Events{
			{Name: eventPrepare, Src: []string{
				string(JobStateNew), string(JobStateFileReady), string(JobStateSubmitted),
				string(JobStateVerified), string(JobStateFailed),
			}, Dst: string(JobStateFileReady)},
			{Name: eventRearm, Src: []string{string(JobStateSubmitted), string(JobStateVerified), string(JobStateFailed)}, Dst: string(JobStateFileReady)},
			{Name: eventSubmit, Src: []string{string(JobStateFileReady)}, Dst: string(JobStateSubmitted)},
			{Name: eventVerify, Src: []string{string(JobStateSubmitted)}, Dst: string(JobStateVerified)},
			{Name: eventFail, Src: []string{string(JobStateFileReady), string(JobStateSubmitted)}, Dst: string(JobStateFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				j.logger.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("Job state changed")
			},
		},
	)

	j.undoLifecycle = fsm.NewFSM(
		string(UndoStateIdle),
		fsm.Events{
			{Name: eventUndoRequest, Src: []string{string(UndoStateIdle)}, Dst: string(UndoStateRequested)},
			{Name: eventUndoFile, Src: []string{string(UndoStateRequested)}, Dst: string(UndoStateFileReady)},
			{Name: eventUndoSubmit, Src: []string{string(UndoStateFileReady)}, Dst: string(UndoStateSubmitted)},
			{Name: eventUndoClean, Src: []string{
				string(UndoStateRequested), string(UndoStateFileReady), string(UndoStateSubmitted),
			}, Dst: string(UndoStateCleaned)},
			{Name: eventUndoReset, Src: []string{
				string(UndoStateRequested), string(UndoStateFileReady), string(UndoStateSubmitted), string(UndoStateCleaned),
			}, Dst: string(UndoStateIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				j.logger.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("Undo state changed")
			},
		},
	)

	return j
}

// Spec returns the job's static configuration.
func (j *ImportJob) Spec() JobSpec { return j.spec }

// Name returns the job name.
func (j *ImportJob) Name() string { return j.spec.Name }

// State returns the current lifecycle state.
func (j *ImportJob) State() JobState { return JobState(j.lifecycle.Current()) }

// UndoState returns the current undo branch state.
func (j *ImportJob) UndoState() UndoState { return UndoState(j.undoLifecycle.Current()) }

// JobID returns the remote id of the last submission, or "".
func (j *ImportJob) JobID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.jobID
}

// UndoID returns the remote id of the last undo job, or "".
func (j *ImportJob) UndoID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.undoID
}

// PreviousActivation reports whether an activation with a history check has happened.
func (j *ImportJob) PreviousActivation() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.previousActivation
}

// fire sends an event unless the machine is already in the event's
// destination. Transitions record work that already happened, so they are
// not subject to cancellation.
func fire(ctx context.Context, m *fsm.FSM, event string) error {
	err := m.Event(context.WithoutCancel(ctx), event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

// Prepare renders the change-set file for the tree.
func (j *ImportJob) Prepare(ctx context.Context, tree *changeset.Tree) error {
	strategy, err := changeset.NewStrategy(j.spec.Operation, j.spec.Values)
	if err != nil {
		return NewBuildError("invalid change-set strategy", err).WithResource(j.spec.Name).WithOperation("prepare")
	}
	builder := &changeset.Builder{Format: j.spec.Format, Strategy: strategy, Now: j.clock.Now}
	if err := builder.WriteFile(j.spec.FilePath, tree); err != nil {
		return NewBuildError("failed to render change-set", err).WithResource(j.spec.Name).WithOperation("prepare")
	}

	j.mu.Lock()
	j.tree = tree
	j.mu.Unlock()

	if err := fire(ctx, j.lifecycle, eventPrepare); err != nil {
		return NewPermanentError("invalid job transition", err).WithCode(ErrCodeInternal).WithResource(j.spec.Name)
	}
	j.logger.Debug().Str("file", j.spec.FilePath).Str("format", string(j.spec.Format)).Msg("Change-set file created")
	j.persist(ctx)
	return nil
}

// Submit imports the job's own change-set file.
func (j *ImportJob) Submit(ctx context.Context) error {
	return j.submit(ctx, j.spec.FilePath, j.spec.Format, filepath.Base(j.spec.FilePath), false)
}

func (j *ImportJob) submit(ctx context.Context, path string, format changeset.Format, fileName string, undo bool) (err error) {
	ic := telemetry.StartOperation(ctx, "import_job.submit",
		telemetry.AttrJob.String(j.spec.Name),
		telemetry.AttrTransport.String(j.transport.Name()),
		attribute.Bool("undo", undo))
	ctx = ic.Ctx
	defer func() { ic.End(err) }()
	start := time.Now()

	if j.State() != JobStateFileReady {
		if ferr := fire(ctx, j.lifecycle, eventRearm); ferr != nil {
			return NewPermanentError("job is not ready for submission", ferr).
				WithCode(ErrCodeInternal).WithResource(j.spec.Name).WithOperation("submit")
		}
	}

	if j.gate != nil {
		if gerr := j.gate.Evaluate(ctx, j.summary(undo)); gerr != nil {
			_ = fire(ctx, j.lifecycle, eventFail)
			j.metrics.RecordImport(j.spec.Workflow, j.transport.Name(), "denied", time.Since(start))
			return RewriteImportError(j.spec.Name, gerr)
		}
	}

	j.recordActivity(ctx)
	j.logger.Debug().Str("config", j.spec.ConfigName).Str("transport", j.transport.Name()).
		Str("file", path).Msg("Importing change-set")

	result, ierr := j.transport.Import(ctx, &ImportRequest{
		JobName:         j.spec.Name,
		Workflow:        j.spec.Workflow,
		FilePath:        path,
		FileName:        fileName,
		FileFormat:      format,
		ConfigName:      j.spec.ConfigName,
		Flow:            j.spec.Flow,
		ExecutionPolicy: j.spec.ExecutionPolicy,
	})
	if ierr != nil {
		_ = fire(ctx, j.lifecycle, eventFail)
		j.metrics.RecordImport(j.spec.Workflow, j.transport.Name(), "failed", time.Since(start))
		j.logger.Debug().Err(ierr).Str("config", j.spec.ConfigName).Msg("Import failed")
		j.persist(ctx)
		return RewriteImportError(j.spec.Name, ierr)
	}

	j.mu.Lock()
	j.jobID = result.JobID
	j.skipHistoryCheck = result.SkipHistoryCheck
	j.observed = nil
	j.mu.Unlock()

	if ferr := fire(ctx, j.lifecycle, eventSubmit); ferr != nil {
		return NewPermanentError("invalid job transition", ferr).WithCode(ErrCodeInternal).WithResource(j.spec.Name)
	}
	j.metrics.RecordImport(j.spec.Workflow, j.transport.Name(), "succeeded", time.Since(start))
	j.logger.Info().Str("job_id", result.JobID).Str("status", result.Status).
		Bool("skip_history_check", result.SkipHistoryCheck).Msg("Import job finished")
	j.persist(ctx)
	return nil
}

func (j *ImportJob) summary(undo bool) *ChangeSetSummary {
	j.mu.Lock()
	tree := j.tree
	j.mu.Unlock()

	s := &ChangeSetSummary{
		Workflow:  j.spec.Workflow,
		Job:       j.spec.Name,
		Operation: j.spec.Operation,
		Format:    j.spec.Format,
		Undo:      undo,
	}
	if tree != nil {
		for _, mo := range tree.ManagedObjects() {
			s.FDNs = append(s.FDNs, mo.FDN)
		}
		s.NodeCount = tree.NodeCount()
	}
	return s
}

func (j *ImportJob) recordActivity(ctx context.Context) {
	if j.state == nil {
		return
	}
	a := &Activity{
		Timestamp:       j.clock.Now(),
		Workflow:        j.spec.Workflow,
		Profile:         ProfileName(j.spec.Name),
		ExpectedChanges: j.spec.ExpectedChanges,
	}
	if err := j.state.RecordActivity(ctx, a); err != nil {
		j.logger.Warn().Err(err).Msg("Failed to record import activity")
	}
}

// HistoryDelay returns the wait before the history count may be queried.
func (j *ImportJob) HistoryDelay() time.Duration {
	for _, p := range fastHistoryPrefixes {
		if strings.HasPrefix(j.spec.Name, p) {
			return 2 * time.Second
		}
	}
	return 5 * time.Second
}

// VerifyHistoryCount compares the remote history count of the last
// submission with expected. Any failure is reported as a HistoryMismatch.
func (j *ImportJob) VerifyHistoryCount(ctx context.Context, expected int) (err error) {
	ic := telemetry.StartOperation(ctx, "import_job.verify_history",
		telemetry.AttrJob.String(j.spec.Name), attribute.Int("expected", expected))
	ctx = ic.Ctx
	defer func() { ic.End(err) }()

	jobID := j.JobID()
	defer func() {
		if err != nil {
			_ = fire(ctx, j.lifecycle, eventFail)
		}
		j.persist(ctx)
	}()

	observed, rerr := j.transport.TotalChanges(ctx, jobID)
	if rerr != nil {
		j.metrics.RecordHistoryCheck(j.spec.Workflow, "error")
		return NewHistoryCheckError(expected, rerr).WithResource(j.spec.Name).WithDetail("job_id", jobID)
	}

	j.mu.Lock()
	j.observed = &observed
	j.mu.Unlock()

	if observed != expected {
		j.metrics.RecordHistoryCheck(j.spec.Workflow, "mismatch")
		return NewHistoryMismatch(expected, observed).WithResource(j.spec.Name).WithDetail("job_id", jobID)
	}

	if ferr := fire(ctx, j.lifecycle, eventVerify); ferr != nil {
		return NewPermanentError("invalid job transition", ferr).WithCode(ErrCodeInternal).WithResource(j.spec.Name)
	}
	j.metrics.RecordHistoryCheck(j.spec.Workflow, "match")
	j.logger.Debug().Int("changes", observed).Msg("History check successful")
	return nil
}

// PrepareUndo asks the remote system for an undo change-set of the last
// activation. Every failure is wrapped as an UndoPreparationError.
func (j *ImportJob) PrepareUndo(ctx context.Context) (*UndoArtifact, error) {
	if !j.PreviousActivation() {
		return nil, NewUndoPreparationError(errors.New("no previous activation to undo"))
	}
	if j.undo == nil {
		return nil, NewUndoPreparationError(errors.New("no undo service configured"))
	}
	if j.UndoState() != UndoStateIdle {
		if err := fire(ctx, j.undoLifecycle, eventUndoReset); err != nil {
			return nil, NewUndoPreparationError(err)
		}
	}

	j.mu.Lock()
	j.undoID = ""
	j.mu.Unlock()

	undoID, err := j.undo.CreateUndoJob(ctx, j.JobID())
	if err != nil {
		j.metrics.RecordUndo(j.spec.Workflow, "failed")
		return nil, NewUndoPreparationError(err).WithResource(j.spec.Name)
	}
	j.mu.Lock()
	j.undoID = undoID
	j.mu.Unlock()
	if err := fire(ctx, j.undoLifecycle, eventUndoRequest); err != nil {
		return nil, NewUndoPreparationError(err)
	}

	path, err := j.undo.DownloadUndoFile(ctx, undoID, j.spec.UndoDir)
	if err != nil {
		j.metrics.RecordUndo(j.spec.Workflow, "failed")
		return nil, NewUndoPreparationError(err).WithResource(j.spec.Name).WithDetail("undo_id", undoID)
	}
	j.mu.Lock()
	j.undoFile = path
	j.mu.Unlock()
	if err := fire(ctx, j.undoLifecycle, eventUndoFile); err != nil {
		return nil, NewUndoPreparationError(err)
	}

	j.metrics.RecordUndo(j.spec.Workflow, "prepared")
	j.logger.Info().Str("undo_id", undoID).Str("file", path).Msg("Undo change-set prepared")
	j.persist(ctx)
	return &UndoArtifact{UndoID: undoID, FilePath: path}, nil
}

// CleanupUndoArtifacts removes the local undo files. Safe to call repeatedly.
func (j *ImportJob) CleanupUndoArtifacts(ctx context.Context) error {
	if j.undo == nil {
		return nil
	}
	if err := j.undo.RemoveUndoFiles(ctx, j.spec.UndoDir); err != nil {
		return NewTransientError("failed to remove undo files", err).
			WithCode(ErrCodeUndoCleanup).WithResource(j.spec.Name).WithDetail("dir", j.spec.UndoDir)
	}
	j.mu.Lock()
	j.undoFile = ""
	j.mu.Unlock()
	j.logger.Debug().Str("dir", j.spec.UndoDir).Msg("Removed undo files")
	return nil
}

// CleanupUndoJob removes the remote undo job. Safe to call repeatedly.
func (j *ImportJob) CleanupUndoJob(ctx context.Context) error {
	undoID := j.UndoID()
	if j.undo == nil || undoID == "" {
		return nil
	}
	if err := j.undo.RemoveUndoJob(ctx, undoID); err != nil {
		return NewTransientError("failed to remove undo job", err).
			WithCode(ErrCodeUndoCleanup).WithResource(j.spec.Name).WithDetail("undo_id", undoID)
	}
	switch j.UndoState() {
	case UndoStateRequested, UndoStateFileReady, UndoStateSubmitted:
		_ = fire(ctx, j.undoLifecycle, eventUndoClean)
	}
	j.logger.Debug().Str("undo_id", undoID).Msg("Removed undo job")
	j.persist(ctx)
	return nil
}

// ImportFlow runs one activation: optional undo preparation, submission,
// optional history verification and undo cleanup. It returns the undo job id.
func (j *ImportJob) ImportFlow(ctx context.Context, historyCheck, undo bool) (undoID string, err error) {
	ic := telemetry.StartOperation(ctx, "import_job.import_flow",
		telemetry.AttrJob.String(j.spec.Name),
		attribute.Bool("history_check", historyCheck),
		attribute.Bool("undo", undo))
	ctx = ic.Ctx
	defer func() { ic.End(err) }()

	if !historyCheck {
		j.logger.Debug().Msg("Import flow without history check")
	}

	path, format, fileName := j.spec.FilePath, j.spec.Format, filepath.Base(j.spec.FilePath)
	undoPrepared := false
	if undo && j.PreviousActivation() {
		j.logger.Debug().Msg("Undo iteration")
		artifact, perr := j.PrepareUndo(ctx)
		if perr != nil {
			return "", perr
		}
		path = artifact.FilePath
		format = changeset.FormatDynamic
		fileName = strings.ReplaceAll(artifact.FilePath, "/", "_")
		undoPrepared = true
	}

	if err := j.submit(ctx, path, format, fileName, undoPrepared); err != nil {
		return "", err
	}
	if undoPrepared {
		_ = fire(ctx, j.undoLifecycle, eventUndoSubmit)
	}

	j.mu.Lock()
	skip := j.skipHistoryCheck
	j.mu.Unlock()

	if historyCheck && !skip {
		j.mu.Lock()
		j.previousActivation = true
		j.mu.Unlock()

		if err := j.sleeper.Sleep(ctx, j.HistoryDelay()); err != nil {
			return "", err
		}
		if err := j.VerifyHistoryCount(ctx, j.spec.ExpectedChanges); err != nil {
			return "", err
		}
	}

	if undoPrepared {
		if err := j.CleanupUndoArtifacts(ctx); err != nil {
			return "", err
		}
		if err := j.CleanupUndoJob(ctx); err != nil {
			return "", err
		}
	}

	j.logger.Debug().Msg("Import flow completed")
	return j.UndoID(), nil
}

// RestoreDefaults resubmits the job's own file, retrying once after a wait.
func (j *ImportJob) RestoreDefaults(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= restoreAttempts; attempt++ {
		if err = j.Submit(ctx); err == nil {
			return nil
		}
		j.logger.Debug().Err(err).Int("attempt", attempt).Msg("Failed to restore default configuration")
		if attempt < restoreAttempts {
			if serr := j.sleeper.Sleep(ctx, restoreWait); serr != nil {
				return serr
			}
		}
	}
	return err
}

// Delete removes the local change-set file.
func (j *ImportJob) Delete(_ context.Context) error {
	if err := os.Remove(j.spec.FilePath); err != nil {
		j.logger.Debug().Err(err).Str("file", j.spec.FilePath).Msg("Error removing change-set file")
		return fmt.Errorf("failed to remove change-set %s: %w", j.spec.FilePath, err)
	}
	j.logger.Debug().Str("file", j.spec.FilePath).Msg("Removed change-set file")
	return nil
}

// Record returns the persisted view of the job.
func (j *ImportJob) Record() *JobRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return &JobRecord{
		Name:               j.spec.Name,
		Workflow:           j.spec.Workflow,
		RunID:              j.runID,
		Operation:          string(j.spec.Operation),
		RemoteID:           j.jobID,
		State:              JobState(j.lifecycle.Current()),
		UndoState:          UndoState(j.undoLifecycle.Current()),
		UndoID:             j.undoID,
		ExpectedChanges:    j.spec.ExpectedChanges,
		ObservedChanges:    j.observed,
		PreviousActivation: j.previousActivation,
		UpdatedAt:          j.clock.Now(),
	}
}

func (j *ImportJob) persist(ctx context.Context) {
	if j.state == nil {
		return
	}
	if err := j.state.SaveJob(ctx, j.Record()); err != nil {
		j.logger.Warn().Err(err).Msg("Failed to persist job state")
	}
}
