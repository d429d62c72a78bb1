package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/cmimport/pkg/engine"
)

const updateWorkflow = `
workflow: {
	name:      "cmimport_01"
	file_type: "3GPP"
	mo_values: {EUtranCellRelation: 4}
	modify_values: {EUtranCellRelation: ["isRemoveAllowed", "false"]}
	default_values: {EUtranCellRelation: ["isRemoveAllowed", "true"]}
	topology: "nodes.yaml"
}
`

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		errCount  int
		checkFunc func(*testing.T, *ParsedConfig)
	}{
		{
			name:    "update workflow with schema defaults",
			content: updateWorkflow,
			checkFunc: func(t *testing.T, pc *ParsedConfig) {
				if len(pc.Workflows) != 1 {
					t.Fatalf("expected 1 workflow, got %d", len(pc.Workflows))
				}
				wf := pc.Workflows[0]
				if wf.Name != "cmimport_01" || wf.Operation != OperationUpdate {
					t.Errorf("unexpected workflow %s/%s", wf.Name, wf.Operation)
				}
				if wf.ConfigName != "Live" || wf.Interface != engine.InterfaceCLI || wf.Flow != engine.FlowLive {
					t.Errorf("expected Live/CLI/live defaults, got %s/%s/%s", wf.ConfigName, wf.Interface, wf.Flow)
				}
				if !wf.AttemptRecovery {
					t.Error("expected attempt_recovery to default to true")
				}
				if wf.Timeout != "90m" || wf.ManualInterventionThreshold != "1h" {
					t.Errorf("unexpected durations %s/%s", wf.Timeout, wf.ManualInterventionThreshold)
				}
				if wf.FileDir != "/home/enmutils/cmimport" {
					t.Errorf("unexpected file_dir %s", wf.FileDir)
				}
				if len(wf.ErrorHandling) != 0 {
					t.Errorf("expected no error handling for CLI, got %v", wf.ErrorHandling)
				}
				if wf.MOValues["EUtranCellRelation"] != 4 {
					t.Errorf("unexpected mo_values %v", wf.MOValues)
				}
			},
		},
		{
			name: "NBIv2 defaults to stop-on-error",
			content: `
workflow: {
	name:      "cmimport_05"
	file_type: "dynamic"
	operation: "create_delete"
	interface: "NBIv2"
	mo_values: {group: 1}
	topology:  "/var/tmp/nodes.yaml"
}
`,
			checkFunc: func(t *testing.T, pc *ParsedConfig) {
				wf := pc.Workflows[0]
				if len(wf.ErrorHandling) != 1 || wf.ErrorHandling[0] != DefaultExecutionPolicy {
					t.Errorf("expected [%s], got %v", DefaultExecutionPolicy, wf.ErrorHandling)
				}
			},
		},
		{
			name: "workflows keyed by name",
			content: `
_base: {
	file_type: "dynamic"
	operation: "create_delete"
	mo_values: {group: 1}
	topology:  "nodes.yaml"
}
workflows: {
	cmimport_23: _base
	cmimport_08: _base & {interface: "NBIv1"}
}
`,
			checkFunc: func(t *testing.T, pc *ParsedConfig) {
				if len(pc.Workflows) != 2 {
					t.Fatalf("expected 2 workflows, got %d", len(pc.Workflows))
				}
				if pc.Workflows[0].Name != "cmimport_08" || pc.Workflows[1].Name != "cmimport_23" {
					t.Errorf("expected workflows sorted by name, got %s, %s", pc.Workflows[0].Name, pc.Workflows[1].Name)
				}
				wf, ok := pc.Workflow("cmimport_08")
				if !ok || wf.Interface != engine.InterfaceNBIv1 {
					t.Errorf("expected cmimport_08 over NBIv1, got %+v", wf)
				}
			},
		},
		{
			name: "invalid CUE syntax",
			content: `
workflow: {
	name: "cmimport_01"
	invalid syntax here
}
`,
			wantErr: true,
		},
		{
			name: "missing topology",
			content: `
workflow: {
	name:      "cmimport_01"
	file_type: "dynamic"
	operation: "create_delete"
	mo_values: {group: 1}
}
`,
			wantErr:  true,
			errCount: 1,
		},
		{
			name: "unknown file type",
			content: `
workflow: {
	name:      "cmimport_01"
	file_type: "csv"
	operation: "create_delete"
	mo_values: {group: 1}
	topology:  "nodes.yaml"
}
`,
			wantErr: true,
		},
		{
			name: "field not in schema",
			content: `
workflow: {
	name:      "cmimport_01"
	file_type: "dynamic"
	operation: "create_delete"
	mo_values: {group: 1}
	topology:  "nodes.yaml"
	retries:   3
}
`,
			wantErr: true,
		},
		{
			name: "update without override values",
			content: `
workflow: {
	name:      "cmimport_01"
	file_type: "3GPP"
	mo_values: {EUtranCellRelation: 4}
	topology:  "nodes.yaml"
}
`,
			wantErr:  true,
			errCount: 1,
		},
		{
			name: "invalid undo time",
			content: `
workflow: {
	name:      "cmimport_01"
	file_type: "dynamic"
	operation: "create_delete"
	mo_values: {group: 1}
	topology:  "nodes.yaml"
	undo_time: "half past nine"
}
`,
			wantErr:  true,
			errCount: 1,
		},
		{
			name: "invalid timeout",
			content: `
workflow: {
	name:      "cmimport_01"
	file_type: "dynamic"
	operation: "create_delete"
	mo_values: {group: 1}
	topology:  "nodes.yaml"
	timeout:   "soon"
}
`,
			wantErr:  true,
			errCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, err := parser.ParseInline(ctx, tt.content)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if tt.wantErr {
				if len(pc.Errors) == 0 {
					t.Errorf("expected validation errors, got none")
				}
				if tt.errCount > 0 && len(pc.Errors) != tt.errCount {
					t.Errorf("expected %d errors, got %d: %v", tt.errCount, len(pc.Errors), pc.Errors)
				}
				return
			}
			if len(pc.Errors) > 0 {
				t.Fatalf("unexpected validation errors: %v", pc.Errors)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, pc)
			}
		})
	}
}

func TestCUEParser_ParseFile(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "cmimport_01.cue")
	content := updateWorkflow[:len(updateWorkflow)-3] + `
	file_dir: "files"
	undo_dir: "/tmp/undo"
}
`
	if err := os.WriteFile(testFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	pc, err := parser.Parse(ctx, []string{testFile})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pc.Errors) > 0 {
		t.Fatalf("unexpected validation errors: %v", pc.Errors)
	}
	if len(pc.SourceFiles) != 1 || pc.SourceFiles[0] != testFile {
		t.Errorf("unexpected source files %v", pc.SourceFiles)
	}

	wf := pc.Workflows[0]
	if wf.Topology != filepath.Join(tmpDir, "nodes.yaml") {
		t.Errorf("expected topology resolved against the source dir, got %s", wf.Topology)
	}
	if wf.FileDir != filepath.Join(tmpDir, "files") {
		t.Errorf("expected file_dir resolved against the source dir, got %s", wf.FileDir)
	}
	if wf.UndoDir != "/tmp/undo" {
		t.Errorf("expected absolute undo_dir kept, got %s", wf.UndoDir)
	}
}

func TestCUEParser_ParseErrorLocation(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	testFile := filepath.Join(t.TempDir(), "broken.cue")
	if err := os.WriteFile(testFile, []byte("workflow: {\n\tname: \"x\"\n\tname: \"y\"\n}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	pc, err := parser.Parse(ctx, []string{testFile})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pc.Errors) == 0 {
		t.Fatal("expected a conflict error")
	}
	if pc.Errors[0].File == "" || pc.Errors[0].Line == 0 {
		t.Errorf("expected error location, got %+v", pc.Errors[0])
	}
}

func TestCUEParser_ParseMissingSource(t *testing.T) {
	parser := NewCUEParser()
	if _, err := parser.Parse(context.Background(), nil); err == nil {
		t.Error("expected error for no sources")
	}
	if _, err := parser.Parse(context.Background(), []string{"/nonexistent/workflow.cue"}); err == nil {
		t.Error("expected error for missing source")
	}
}

func TestCUEParser_LoadWorkflow(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()
	tmpDir := t.TempDir()

	single := filepath.Join(tmpDir, "single.cue")
	if err := os.WriteFile(single, []byte(updateWorkflow), 0644); err != nil {
		t.Fatal(err)
	}
	wf, err := parser.LoadWorkflow(ctx, []string{single}, "")
	if err != nil {
		t.Fatalf("failed to load workflow: %v", err)
	}
	if wf.Name != "cmimport_01" {
		t.Errorf("expected cmimport_01, got %s", wf.Name)
	}
	if _, err := parser.LoadWorkflow(ctx, []string{single}, "cmimport_99"); err == nil {
		t.Error("expected error for unknown workflow")
	}

	many := filepath.Join(tmpDir, "many.cue")
	content := `
workflows: [string]: {
	file_type: "dynamic"
	operation: "create_delete"
	mo_values: {group: 1}
	topology:  "nodes.yaml"
}
workflows: cmimport_23: {}
workflows: cmimport_24: {}
`
	if err := os.WriteFile(many, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := parser.LoadWorkflow(ctx, []string{many}, ""); err == nil || !strings.Contains(err.Error(), "several workflows") {
		t.Errorf("expected ambiguity error, got %v", err)
	}
	wf, err = parser.LoadWorkflow(ctx, []string{many}, "cmimport_24")
	if err != nil {
		t.Fatalf("failed to load named workflow: %v", err)
	}
	if wf.Name != "cmimport_24" {
		t.Errorf("expected cmimport_24, got %s", wf.Name)
	}

	broken := filepath.Join(tmpDir, "broken.cue")
	if err := os.WriteFile(broken, []byte(`workflow: {name: "cmimport_01"}`), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = parser.LoadWorkflow(ctx, []string{broken}, "")
	var defErr *DefinitionError
	if !errors.As(err, &defErr) || len(defErr.Errors) == 0 {
		t.Errorf("expected DefinitionError, got %v", err)
	}
}

func TestCUEParser_ResolveValues(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	wf := &Workflow{
		Name:      "cmimport_02",
		Operation: OperationUpdate,
		MOValues:  map[string]int{"EUtranCellFDD": 2},
		ValuesScript: `
modify_values = {"EUtranCellFDD": pair("userLabel", workflow + "_" + str(nodes))}
default_values = {"EUtranCellFDD": pair("userLabel", "default")}
`,
	}
	if err := parser.ResolveValues(ctx, wf, 3); err != nil {
		t.Fatalf("failed to resolve values: %v", err)
	}
	got, ok := wf.ModifyValues["EUtranCellFDD"].([]interface{})
	if !ok || len(got) != 2 || got[1] != "cmimport_02_3" {
		t.Errorf("unexpected modify values %v", wf.ModifyValues)
	}

	missing := &Workflow{Name: "cmimport_03", Operation: OperationUpdate, ValuesScript: `modify_values = {"A": pair("b", 1)}`}
	if err := parser.ResolveValues(ctx, missing, 1); err == nil {
		t.Error("expected error when default_values is missing")
	}

	createDelete := &Workflow{Name: "cmimport_23", Operation: OperationCreateDelete}
	if err := parser.ResolveValues(ctx, createDelete, 1); err != nil {
		t.Errorf("create/delete workflows need no values: %v", err)
	}
}

func TestCUEParser_Validate(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	wf := &Workflow{
		Name:                        "cmimport_23",
		FileType:                    "dynamic",
		Operation:                   OperationCreateDelete,
		Interface:                   engine.InterfaceCLI,
		Flow:                        engine.FlowLive,
		ConfigName:                  "Live",
		MOValues:                    map[string]int{"group": 1},
		AttemptRecovery:             true,
		ManualInterventionThreshold: "1h",
		Timeout:                     "90m",
		RecoveryDir:                 "/tmp/recovery",
		UndoDir:                     "/tmp/undo",
		FileDir:                     "/tmp/files",
		Topology:                    "/tmp/nodes.yaml",
	}
	if err := parser.Validate(ctx, wf); err != nil {
		t.Fatalf("expected valid workflow, got %v", err)
	}

	wf.Interface = "SOAP"
	if err := parser.Validate(ctx, wf); err == nil {
		t.Error("expected error for unknown interface")
	}
}
