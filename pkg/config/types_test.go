package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/cmimport/pkg/changeset"
	"github.com/openfroyo/cmimport/pkg/engine"
)

func TestWorkflow_JobSpecsUpdate(t *testing.T) {
	wf := validWorkflow()
	wf.MOValues = map[string]int{"EUtranCellRelation": 4, "UtranCellRelation": 1}

	modify, defaults, err := wf.JobSpecs(10)
	if err != nil {
		t.Fatalf("failed to build job specs: %v", err)
	}

	if modify.Name != "cmimport_01_modify" || defaults.Name != "cmimport_01_default" {
		t.Errorf("unexpected job names %s, %s", modify.Name, defaults.Name)
	}
	if modify.FilePath != filepath.Join("/tmp/files", "cmimport_01.xml") {
		t.Errorf("unexpected modify file %s", modify.FilePath)
	}
	if defaults.FilePath != filepath.Join("/tmp/files", "cmimport_01_default.xml") {
		t.Errorf("unexpected defaults file %s", defaults.FilePath)
	}
	if modify.Operation != changeset.OperationSet || defaults.Operation != changeset.OperationSet {
		t.Errorf("expected set operations, got %s, %s", modify.Operation, defaults.Operation)
	}
	if modify.ExpectedChanges != 50 || defaults.ExpectedChanges != 50 {
		t.Errorf("expected 50 changes, got %d, %d", modify.ExpectedChanges, defaults.ExpectedChanges)
	}
	if got := modify.Values["EUtranCellRelation"]; len(got) != 1 || got[0].Value != "false" {
		t.Errorf("unexpected modify values %v", modify.Values)
	}
	if got := defaults.Values["EUtranCellRelation"]; len(got) != 1 || got[0].Value != "true" {
		t.Errorf("unexpected default values %v", defaults.Values)
	}
	if modify.UndoDir != filepath.Join("/tmp/undo", "cmimport_01") {
		t.Errorf("unexpected undo dir %s", modify.UndoDir)
	}
	if modify.Workflow != "cmimport_01" || modify.ConfigName != "Live" || len(modify.ExecutionPolicy) != 1 {
		t.Errorf("unexpected shared settings %+v", modify)
	}
	if !modify.IsUpdate() {
		t.Error("expected update job")
	}
}

func TestWorkflow_JobSpecsCreateDelete(t *testing.T) {
	wf := validWorkflow()
	wf.Name = "cmimport_23"
	wf.Operation = OperationCreateDelete
	wf.FileType = changeset.FormatDynamic
	wf.ModifyValues, wf.DefaultValues = nil, nil

	modify, defaults, err := wf.JobSpecs(2)
	if err != nil {
		t.Fatalf("failed to build job specs: %v", err)
	}
	if modify.Name != "cmimport_23_delete" || modify.Operation != changeset.OperationDelete {
		t.Errorf("unexpected modifications job %s/%s", modify.Name, modify.Operation)
	}
	if defaults.Name != "cmimport_23_create" || defaults.Operation != changeset.OperationCreate {
		t.Errorf("unexpected defaults job %s/%s", defaults.Name, defaults.Operation)
	}
	if filepath.Base(modify.FilePath) != "cmimport_23_delete.txt" || filepath.Base(defaults.FilePath) != "cmimport_23_create.txt" {
		t.Errorf("unexpected files %s, %s", modify.FilePath, defaults.FilePath)
	}
	if modify.Values != nil {
		t.Error("expected no overrides for create/delete jobs")
	}
}

func TestWorkflow_JobSpecsInvalidOverride(t *testing.T) {
	wf := validWorkflow()
	wf.ModifyValues = map[string]interface{}{"EUtranCellRelation": 42}

	if _, _, err := wf.JobSpecs(1); err == nil {
		t.Error("expected error for malformed override")
	}
}

func TestParseUndoTime(t *testing.T) {
	tests := []struct {
		in      string
		want    *engine.UndoTime
		wantErr bool
	}{
		{in: ""},
		{in: "2026-03-14T21:30:00Z", want: &engine.UndoTime{At: time.Date(2026, 3, 14, 21, 30, 0, 0, time.UTC)}},
		{in: "21:30", want: &engine.UndoTime{At: time.Date(0, 1, 1, 21, 30, 0, 0, time.UTC), Daily: true}},
		{in: "25:00", wantErr: true},
		{in: "tonight", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUndoTime(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseUndoTime() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.want == nil {
				if got != nil {
					t.Errorf("expected nil, got %+v", got)
				}
				return
			}
			if got == nil || !got.At.Equal(tt.want.At) || got.Daily != tt.want.Daily {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestWorkflow_OrchestratorConfig(t *testing.T) {
	wf := validWorkflow()
	wf.ManualInterventionThreshold = "30m"

	cfg, err := wf.OrchestratorConfig("run-001")
	if err != nil {
		t.Fatalf("failed to build orchestrator config: %v", err)
	}
	if cfg.Workflow != "cmimport_01" || cfg.RunID != "run-001" || !cfg.AttemptRecovery {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.UndoTime == nil || !cfg.UndoTime.Daily {
		t.Errorf("expected daily undo time, got %+v", cfg.UndoTime)
	}
	if cfg.Recovery.ManualInterventionThreshold != 30*time.Minute || cfg.Recovery.InitialBackoff != time.Minute {
		t.Errorf("unexpected recovery config %+v", cfg.Recovery)
	}
	if wf.TimeoutDuration() != 90*time.Minute {
		t.Errorf("expected 90m timeout, got %v", wf.TimeoutDuration())
	}

	wf.UndoTime = "whenever"
	if _, err := wf.OrchestratorConfig(""); err == nil {
		t.Error("expected error for invalid undo time")
	}
}
