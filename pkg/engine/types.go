package engine

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/openfroyo/cmimport/pkg/changeset"
)

// ImportRequest describes one submission of a change-set file.
type ImportRequest struct {
	// JobName is the import job name, e.g. "cmimport_01_modify". Transports
	// use it to tune polling.
	JobName string `json:"job_name"`

	// Workflow is the owning workflow name, e.g. "cmimport_01".
	Workflow string `json:"workflow"`

	// FilePath is the local path of the change-set.
	FilePath string `json:"file_path"`

	// FileName is the name the remote system stores the file under.
	FileName string `json:"file_name"`

	// FileFormat is the change-set format.
	FileFormat changeset.Format `json:"file_format"`

	// ConfigName is the target configuration. Defaults to "Live".
	ConfigName string `json:"config_name"`

	// Flow is the activation flow.
	Flow Flow `json:"flow"`

	// ExecutionPolicy is the error handling policy. When empty the remote
	// default applies.
	ExecutionPolicy []string `json:"execution_policy,omitempty"`
}

// ImportResult is what a transport reports after running an import job.
type ImportResult struct {
	// JobID is the remote import job id.
	JobID string `json:"job_id"`

	// SkipHistoryCheck is set when validation found nothing to execute.
	SkipHistoryCheck bool `json:"skip_history_check"`

	// Status is the final remote status, e.g. "COMPLETED" or "EXECUTED".
	Status string `json:"status"`
}

// UndoArtifact is an inverse change-set prepared by the remote system.
type UndoArtifact struct {
	UndoID   string `json:"undo_id"`
	FilePath string `json:"file_path"`
}

// ChangeSetSummary is the view of a change-set evaluated by a ChangeSetGate.
type ChangeSetSummary struct {
	Workflow  string              `json:"workflow"`
	Job       string              `json:"job"`
	Operation changeset.Operation `json:"operation"`
	Format    changeset.Format    `json:"format"`
	FDNs      []string            `json:"fdns"`
	NodeCount int                 `json:"node_count"`
	Undo      bool                `json:"undo"`
}

// Event represents an entry in a workflow run timeline.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the workflow run this event belongs to.
	RunID string `json:"run_id"`

	// Workflow is the workflow name.
	Workflow string `json:"workflow"`

	// Job is the import job name, if applicable.
	Job string `json:"job,omitempty"`

	// Code is the error code for error events.
	Code string `json:"code,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// RunRecord is the persisted state of a workflow run.
type RunRecord struct {
	ID             string     `json:"id"`
	Workflow       string     `json:"workflow"`
	Status         RunStatus  `json:"status"`
	SetupCompleted bool       `json:"setup_completed"`
	LedgerPath     string     `json:"ledger_path,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// IterationRecord is the persisted outcome of one orchestrator iteration.
type IterationRecord struct {
	ID          string           `json:"id"`
	RunID       string           `json:"run_id"`
	Number      int              `json:"number"`
	Phase       Phase            `json:"phase"`
	Job         string           `json:"job"`
	Undo        bool             `json:"undo"`
	UndoID      string           `json:"undo_id,omitempty"`
	Outcome     IterationOutcome `json:"outcome"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

// JobRecord is the persisted state of an ImportJob.
type JobRecord struct {
	Name               string    `json:"name"`
	Workflow           string    `json:"workflow"`
	RunID              string    `json:"run_id,omitempty"`
	Operation          string    `json:"operation"`
	RemoteID           string    `json:"remote_id,omitempty"`
	State              JobState  `json:"state"`
	UndoState          UndoState `json:"undo_state"`
	UndoID             string    `json:"undo_id,omitempty"`
	ExpectedChanges    int       `json:"expected_changes"`
	ObservedChanges    *int      `json:"observed_changes,omitempty"`
	PreviousActivation bool      `json:"previous_activation"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Activity is the per-submission line kept for instrumentation tooling.
type Activity struct {
	Timestamp       time.Time `json:"timestamp"`
	Workflow        string    `json:"workflow"`
	Profile         string    `json:"profile"`
	ExpectedChanges int       `json:"expected_changes"`
}

const activityTimeLayout = "2006-01-02 15:04:05"

// Line renders the activity as "<timestamp> <PROFILE> <expected>".
func (a *Activity) Line() string {
	return fmt.Sprintf("%s %s %d", a.Timestamp.Format(activityTimeLayout), a.Profile, a.ExpectedChanges)
}

var jobSuffix = regexp.MustCompile(`_[a-zA-Z]*$`)

// ProfileName derives the upper-case profile name from a job name by
// dropping a trailing alphabetic suffix: "cmimport_01_modify" -> "CMIMPORT_01".
func ProfileName(jobName string) string {
	return strings.ToUpper(jobSuffix.ReplaceAllString(jobName, ""))
}
