package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a workflow run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but setup has not finished.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates setup succeeded and iterations are being executed.
	RunStatusRunning RunStatus = "running"

	// RunStatusNotReady indicates setup failed. Iterations are still attempted.
	RunStatusNotReady RunStatus = "not_ready"

	// RunStatusCompleted indicates teardown finished.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed indicates teardown reported errors.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusNotReady,
		RunStatusCompleted, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// JobState is the lifecycle state of an ImportJob.
type JobState string

const (
	// JobStateNew indicates no change-set file exists yet.
	JobStateNew JobState = "new"

	// JobStateFileReady indicates the change-set file has been rendered.
	JobStateFileReady JobState = "file_ready"

	// JobStateSubmitted indicates the remote system accepted and ran the job.
	JobStateSubmitted JobState = "submitted"

	// JobStateVerified indicates the history count matched the expected count.
	JobStateVerified JobState = "verified"

	// JobStateFailed indicates submission or verification failed.
	JobStateFailed JobState = "failed"
)

// IsTerminal returns true if the job state ends an activation.
func (s JobState) IsTerminal() bool {
	return s == JobStateVerified || s == JobStateFailed
}

// Validate checks if the job state is valid.
func (s JobState) Validate() error {
	switch s {
	case JobStateNew, JobStateFileReady, JobStateSubmitted, JobStateVerified, JobStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid job state: %s", s)
	}
}

// UndoState is the state of the undo branch of an ImportJob.
type UndoState string

const (
	// UndoStateIdle indicates no undo is in progress.
	UndoStateIdle UndoState = "idle"

	// UndoStateRequested indicates an undo job was requested from the remote system.
	UndoStateRequested UndoState = "undo_requested"

	// UndoStateFileReady indicates the undo change-set was downloaded.
	UndoStateFileReady UndoState = "undo_file_ready"

	// UndoStateSubmitted indicates the undo change-set was imported.
	UndoStateSubmitted UndoState = "undo_submitted"

	// UndoStateCleaned indicates undo files and the remote undo job were removed.
	UndoStateCleaned UndoState = "undo_cleaned"
)

// Validate checks if the undo state is valid.
func (s UndoState) Validate() error {
	switch s {
	case UndoStateIdle, UndoStateRequested, UndoStateFileReady, UndoStateSubmitted, UndoStateCleaned:
		return nil
	default:
		return fmt.Errorf("invalid undo state: %s", s)
	}
}

// Phase selects which job runs forward in a non-undo iteration.
type Phase string

const (
	// PhaseModifications runs the job that applies the modified values.
	PhaseModifications Phase = "MODIFICATIONS"

	// PhaseDefaults runs the job that restores the default values.
	PhaseDefaults Phase = "DEFAULTS"
)

// Next returns the other phase.
func (p Phase) Next() Phase {
	if p == PhaseModifications {
		return PhaseDefaults
	}
	return PhaseModifications
}

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	switch p {
	case PhaseModifications, PhaseDefaults:
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", p)
	}
}

// Interface is the transport used to reach the import service.
type Interface string

const (
	// InterfaceCLI submits through cmedit over a scripting session.
	InterfaceCLI Interface = "CLI"

	// InterfaceNBIv1 submits through the first bulk import REST API.
	InterfaceNBIv1 Interface = "NBIv1"

	// InterfaceNBIv2 submits through the bulk-configuration REST API.
	InterfaceNBIv2 Interface = "NBIv2"
)

// Validate checks if the interface is valid.
func (i Interface) Validate() error {
	switch i {
	case InterfaceCLI, InterfaceNBIv1, InterfaceNBIv2:
		return nil
	default:
		return fmt.Errorf("invalid interface: %s", i)
	}
}

// Flow is the activation flow of an import.
type Flow string

const (
	// FlowLive imports straight into the Live configuration.
	FlowLive Flow = "live"

	// FlowNonLive imports into a non-live configuration without activation.
	FlowNonLive Flow = "non_live_config1"
)

// Validate checks if the flow is valid.
func (f Flow) Validate() error {
	switch f {
	case FlowLive, FlowNonLive:
		return nil
	default:
		return fmt.Errorf("invalid flow: %s", f)
	}
}

// IterationOutcome records how an iteration ended.
type IterationOutcome string

const (
	OutcomeSucceeded       IterationOutcome = "succeeded"
	OutcomeSessionFailed   IterationOutcome = "session_failed"
	OutcomeUndoPreparation IterationOutcome = "undo_preparation_failed"
	OutcomeImportFailed    IterationOutcome = "import_failed"
	OutcomeHistoryMismatch IterationOutcome = "history_mismatch"
	OutcomeUnclassified    IterationOutcome = "unclassified_error"
)

// EventType represents the type of event in a workflow timeline.
type EventType string

const (
	// EventTypeRunStarted indicates setup has begun.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeSetupFailed indicates setup failed and the run is not ready.
	EventTypeSetupFailed EventType = "setup_failed"

	// EventTypeIterationStarted indicates an iteration has started.
	EventTypeIterationStarted EventType = "iteration_started"

	// EventTypeIterationCompleted indicates an iteration completed and the phase advanced.
	EventTypeIterationCompleted EventType = "iteration_completed"

	// EventTypeImportSubmitted indicates an import job was run by the remote system.
	EventTypeImportSubmitted EventType = "import_submitted"

	// EventTypeUndoPrepared indicates an undo change-set is ready.
	EventTypeUndoPrepared EventType = "undo_prepared"

	// EventTypeReconcilePass indicates a reconciliation pass finished.
	EventTypeReconcilePass EventType = "reconcile_pass"

	// EventTypeEscalation indicates manual intervention may be required.
	EventTypeEscalation EventType = "escalation"

	// EventTypeRunCompleted indicates teardown has finished.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeError indicates a recorded, non-fatal workflow error.
	EventTypeError EventType = "error"

	// EventTypeWarning indicates a warning was raised.
	EventTypeWarning EventType = "warning"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeSetupFailed, EventTypeError:
		return "error"
	case EventTypeWarning, EventTypeEscalation:
		return "warning"
	default:
		return "info"
	}
}
