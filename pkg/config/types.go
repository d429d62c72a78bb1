package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/cmimport/pkg/changeset"
	"github.com/openfroyo/cmimport/pkg/engine"
)

// Operation kinds a workflow cycles through.
const (
	// OperationUpdate alternates modified and default attribute values.
	OperationUpdate = "update"

	// OperationCreateDelete alternates deleting and recreating MOs.
	OperationCreateDelete = "create_delete"
)

// DefaultExecutionPolicy is the error handling applied to NBIv2 workflows
// that do not configure one.
const DefaultExecutionPolicy = "stop-on-error"

// Workflow is a workflow definition decoded from CUE.
type Workflow struct {
	// Name is the workflow name, e.g. "cmimport_01".
	Name string `json:"name" validate:"required,max=64"`

	// FileType is the change-set format (3GPP, dynamic).
	FileType changeset.Format `json:"file_type" validate:"required,oneof=3GPP dynamic"`

	// Operation is the cycle kind (update, create_delete).
	Operation string `json:"operation" validate:"required,oneof=update create_delete"`

	// Interface is the transport used to reach the import service (CLI, NBIv1, NBIv2).
	Interface engine.Interface `json:"interface" validate:"required,oneof=CLI NBIv1 NBIv2"`

	// Flow is the activation flow (live, non_live_config1).
	Flow engine.Flow `json:"flow" validate:"required,oneof=live non_live_config1"`

	// ConfigName is the target configuration.
	ConfigName string `json:"config_name" validate:"required"`

	// ErrorHandling lists the import execution policies.
	ErrorHandling []string `json:"error_handling,omitempty" validate:"omitempty,dive,required"`

	// MOValues maps an MO type to the changes expected per node.
	MOValues map[string]int `json:"mo_values" validate:"required,min=1,dive,gte=0"`

	// ModifyValues maps an MO type to the attribute overrides applied by the
	// modifications job of update workflows.
	ModifyValues map[string]interface{} `json:"modify_values,omitempty"`

	// DefaultValues maps an MO type to the attribute overrides applied by the
	// defaults job of update workflows.
	DefaultValues map[string]interface{} `json:"default_values,omitempty"`

	// ValuesScript is a Starlark script, inline or a path to a .star file,
	// producing modify_values and default_values.
	ValuesScript string `json:"values_script,omitempty"`

	// UndoTime enables undo iterations from this time on, RFC3339 or daily HH:MM.
	UndoTime string `json:"undo_time,omitempty" validate:"omitempty,undotime"`

	// AttemptRecovery enables the recovery ledger.
	AttemptRecovery bool `json:"attempt_recovery"`

	// ManualInterventionThreshold caps the reconciliation backoff doubling.
	ManualInterventionThreshold string `json:"manual_intervention_threshold" validate:"required,duration"`

	// Timeout bounds how long an import job may run.
	Timeout string `json:"timeout" validate:"required,duration"`

	// RecoveryDir is the base directory of recovery ledgers.
	RecoveryDir string `json:"recovery_dir" validate:"required"`

	// UndoDir is the base directory undo change-sets are downloaded into.
	UndoDir string `json:"undo_dir" validate:"required"`

	// FileDir is where change-set files are rendered.
	FileDir string `json:"file_dir" validate:"required"`

	// Topology is the path of the YAML topology snapshot.
	Topology string `json:"topology" validate:"required"`
}

// IsUpdate reports whether the workflow alternates attribute values.
func (w *Workflow) IsUpdate() bool { return w.Operation == OperationUpdate }

// TimeoutDuration returns the import job timeout.
func (w *Workflow) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(w.Timeout)
	return d
}

// Schedule parses the undo time. It returns nil when no undo time is set.
func (w *Workflow) Schedule() (*engine.UndoTime, error) {
	return ParseUndoTime(w.UndoTime)
}

// ParseUndoTime parses an RFC3339 timestamp or a daily HH:MM clock time.
func ParseUndoTime(s string) (*engine.UndoTime, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &engine.UndoTime{At: t}, nil
	}
	if t, err := time.Parse("15:04", s); err == nil {
		return &engine.UndoTime{At: t, Daily: true}, nil
	}
	return nil, fmt.Errorf("invalid undo time %q: expected RFC3339 or HH:MM", s)
}

// RecoveryConfig returns the reconciliation pacing of the workflow.
func (w *Workflow) RecoveryConfig() engine.RecoveryConfig {
	rc := engine.DefaultRecoveryConfig(w.Name)
	if d, err := time.ParseDuration(w.ManualInterventionThreshold); err == nil && d > 0 {
		rc.ManualInterventionThreshold = d
	}
	return rc
}

// OrchestratorConfig returns the orchestrator configuration for one run.
func (w *Workflow) OrchestratorConfig(runID string) (engine.OrchestratorConfig, error) {
	undo, err := w.Schedule()
	if err != nil {
		return engine.OrchestratorConfig{}, err
	}
	return engine.OrchestratorConfig{
		Workflow:        w.Name,
		RunID:           runID,
		AttemptRecovery: w.AttemptRecovery,
		UndoTime:        undo,
		Recovery:        w.RecoveryConfig(),
	}, nil
}

// JobSpecs returns the specs of the modifications and defaults jobs for a
// topology with the given number of nodes.
//
// Update workflows produce <name>_modify (rendered to <name>.<ext>) and
// <name>_default (rendered to <name>_default.<ext>). Create/delete workflows
// produce <name>_delete and <name>_create.
func (w *Workflow) JobSpecs(nodes int) (modify, defaults engine.JobSpec, err error) {
	expected := changeset.TotalExpectedChanges(w.MOValues, nodes)
	ext := w.FileType.Extension()

	base := engine.JobSpec{
		Workflow:        w.Name,
		Format:          w.FileType,
		ConfigName:      w.ConfigName,
		Flow:            w.Flow,
		ExecutionPolicy: w.ErrorHandling,
		ExpectedChanges: expected,
		UndoDir:         filepath.Join(w.UndoDir, w.Name),
	}
	modify, defaults = base, base

	if w.IsUpdate() {
		modifyValues, err := changeset.NormalizeOverrides(w.ModifyValues)
		if err != nil {
			return modify, defaults, fmt.Errorf("modify_values: %w", err)
		}
		defaultValues, err := changeset.NormalizeOverrides(w.DefaultValues)
		if err != nil {
			return modify, defaults, fmt.Errorf("default_values: %w", err)
		}

		modify.Name = w.Name + "_modify"
		modify.Operation = changeset.OperationSet
		modify.Values = modifyValues
		modify.FilePath = filepath.Join(w.FileDir, w.Name+ext)

		defaults.Name = w.Name + "_default"
		defaults.Operation = changeset.OperationSet
		defaults.Values = defaultValues
		defaults.FilePath = filepath.Join(w.FileDir, w.Name+"_default"+ext)
		return modify, defaults, nil
	}

	modify.Name = w.Name + "_delete"
	modify.Operation = changeset.OperationDelete
	modify.FilePath = filepath.Join(w.FileDir, w.Name+"_delete"+ext)

	defaults.Name = w.Name + "_create"
	defaults.Operation = changeset.OperationCreate
	defaults.FilePath = filepath.Join(w.FileDir, w.Name+"_create"+ext)
	return modify, defaults, nil
}

// finalize applies defaults that depend on other fields and resolves
// relative paths against dir.
func (w *Workflow) finalize(dir string) {
	if w.Interface == engine.InterfaceNBIv2 && len(w.ErrorHandling) == 0 {
		w.ErrorHandling = []string{DefaultExecutionPolicy}
	}
	if dir == "" {
		return
	}
	for _, p := range []*string{&w.Topology, &w.FileDir, &w.UndoDir, &w.RecoveryDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	if strings.HasSuffix(w.ValuesScript, ".star") && !filepath.IsAbs(w.ValuesScript) {
		w.ValuesScript = filepath.Join(dir, w.ValuesScript)
	}
}

// ParsedConfig is the result of parsing workflow definitions.
type ParsedConfig struct {
	// Workflows are the workflows defined in the sources.
	Workflows []Workflow `json:"workflows"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// Workflow returns the workflow with the given name.
func (pc *ParsedConfig) Workflow(name string) (*Workflow, bool) {
	for i := range pc.Workflows {
		if pc.Workflows[i].Name == name {
			return &pc.Workflows[i], true
		}
	}
	return nil, false
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "workflow.mo_values").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path + ": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the script's public globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
