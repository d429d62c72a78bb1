package engine

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/cmimport/pkg/changeset"
)

func newTestJob(t *testing.T, spec JobSpec, transport Transport, opts ...JobOption) (*ImportJob, *mockSleeper) {
	t.Helper()
	sleeper := &mockSleeper{}
	opts = append([]JobOption{WithJobSleeper(sleeper)}, opts...)
	return NewImportJob(spec, transport, opts...), sleeper
}

func TestImportJob_PrepareAndSubmit(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	transport := newMockTransport(1)
	job, _ := newTestJob(t, setSpec(dir, "cmimport_01_modify", "true"), transport)

	if job.State() != JobStateNew {
		t.Fatalf("Expected state %s, got %s", JobStateNew, job.State())
	}
	if err := job.Prepare(ctx, testTree("LTE01")); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if job.State() != JobStateFileReady {
		t.Errorf("Expected state %s after prepare, got %s", JobStateFileReady, job.State())
	}
	data, err := os.ReadFile(job.Spec().FilePath)
	if err != nil {
		t.Fatalf("Change-set file not written: %v", err)
	}
	if !strings.Contains(string(data), `modifier="update"`) {
		t.Errorf("Expected update modifier in change-set, got:\n%s", data)
	}

	if err := job.Submit(ctx); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if job.State() != JobStateSubmitted {
		t.Errorf("Expected state %s, got %s", JobStateSubmitted, job.State())
	}
	if job.JobID() != "101" {
		t.Errorf("Expected job id 101, got %q", job.JobID())
	}

	reqs := transport.Requests()
	if len(reqs) != 1 {
		t.Fatalf("Expected 1 import request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.FileName != "cmimport_01_modify.xml" || req.ConfigName != "Live" || req.FileFormat != changeset.Format3GPP {
		t.Errorf("Unexpected import request: %+v", req)
	}
}

func TestImportJob_PrepareBuildError(t *testing.T) {
	spec := setSpec(t.TempDir(), "cmimport_01_modify", "true")
	spec.Values = changeset.Overrides{"EUtranCellFDD": {{Name: "userLabel", Value: "x"}}}
	job, _ := newTestJob(t, spec, newMockTransport(1))

	err := job.Prepare(context.Background(), testTree("LTE01"))
	if !IsBuildError(err) {
		t.Fatalf("Expected BuildError, got %v", err)
	}
	if !errors.Is(err, changeset.ErrNoOverride) {
		t.Errorf("Expected ErrNoOverride in chain, got %v", err)
	}
	if job.State() != JobStateNew {
		t.Errorf("Expected state %s, got %s", JobStateNew, job.State())
	}
	if _, serr := os.Stat(spec.FilePath); !os.IsNotExist(serr) {
		t.Errorf("Expected no change-set file after failed build")
	}
}

func TestImportJob_SubmitRewritesMalformedResponse(t *testing.T) {
	ctx := context.Background()
	transport := newMockTransport(1)
	transport.failNext(errors.New("java.lang.IndexOutOfBoundsException: Index: 0, Size: 0"))
	job, _ := newTestJob(t, setSpec(t.TempDir(), "cmimport_01_modify", "true"), transport)
	if err := job.Prepare(ctx, testTree("LTE01")); err != nil {
		t.Fatal(err)
	}

	err := job.Submit(ctx)
	if !IsImportError(err) {
		t.Fatalf("Expected ImportError, got %v", err)
	}
	if !strings.Contains(err.Error(), "impexp service logs") {
		t.Errorf("Expected guidance in error, got %v", err)
	}
	if job.State() != JobStateFailed {
		t.Errorf("Expected state %s, got %s", JobStateFailed, job.State())
	}

	// A failed job can be submitted again
	if err := job.Submit(ctx); err != nil {
		t.Fatalf("Resubmit failed: %v", err)
	}
	if job.State() != JobStateSubmitted {
		t.Errorf("Expected state %s, got %s", JobStateSubmitted, job.State())
	}
}

type denyGate struct{ summaries []*ChangeSetSummary }

func (g *denyGate) Evaluate(_ context.Context, s *ChangeSetSummary) error {
	g.summaries = append(g.summaries, s)
	return NewPermanentError("change-set denied", nil).WithCode(ErrCodePolicyDenied)
}

func TestImportJob_GateDenial(t *testing.T) {
	ctx := context.Background()
	transport := newMockTransport(1)
	gate := &denyGate{}
	job, _ := newTestJob(t, setSpec(t.TempDir(), "cmimport_01_modify", "true"), transport, WithGate(gate))
	if err := job.Prepare(ctx, testTree("LTE01", "LTE02")); err != nil {
		t.Fatal(err)
	}

	err := job.Submit(ctx)
	if !IsImportError(err) {
		t.Fatalf("Expected ImportError, got %v", err)
	}
	if len(transport.Requests()) != 0 {
		t.Errorf("Expected no import after denial")
	}
	if len(gate.summaries) != 1 || gate.summaries[0].NodeCount != 2 || len(gate.summaries[0].FDNs) != 2 {
		t.Errorf("Unexpected gate summary: %+v", gate.summaries)
	}
}

func TestImportJob_VerifyHistoryCount(t *testing.T) {
	tests := []struct {
		name         string
		observed     int
		historyErr   error
		wantMismatch bool
		wantState    JobState
	}{
		{name: "match", observed: 4, wantState: JobStateVerified},
		{name: "fewer changes", observed: 3, wantMismatch: true, wantState: JobStateFailed},
		{name: "more changes", observed: 5, wantMismatch: true, wantState: JobStateFailed},
		{name: "unidentified", historyErr: ErrTotalChangesUnidentified, wantMismatch: true, wantState: JobStateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			transport := newMockTransport(tt.observed)
			transport.historyErr = tt.historyErr
			job, _ := newTestJob(t, setSpec(t.TempDir(), "cmimport_01_modify", "true"), transport)
			if err := job.Prepare(ctx, testTree("LTE01")); err != nil {
				t.Fatal(err)
			}
			if err := job.Submit(ctx); err != nil {
				t.Fatal(err)
			}

			err := job.VerifyHistoryCount(ctx, 4)
			if got := IsHistoryMismatch(err); got != tt.wantMismatch {
				t.Errorf("IsHistoryMismatch = %v, want %v (err=%v)", got, tt.wantMismatch, err)
			}
			if tt.historyErr != nil && !errors.Is(err, tt.historyErr) {
				t.Errorf("Expected %v in chain, got %v", tt.historyErr, err)
			}
			if job.State() != tt.wantState {
				t.Errorf("Expected state %s, got %s", tt.wantState, job.State())
			}
		})
	}
}

func TestImportJob_ImportFlowHistoryCheck(t *testing.T) {
	ctx := context.Background()
	transport := newMockTransport(1)
	job, sleeper := newTestJob(t, setSpec(t.TempDir(), "cmimport_01_modify", "true"), transport)
	if err := job.Prepare(ctx, testTree("LTE01")); err != nil {
		t.Fatal(err)
	}

	if _, err := job.ImportFlow(ctx, false, false); err != nil {
		t.Fatalf("ImportFlow failed: %v", err)
	}
	if job.PreviousActivation() || transport.HistoryCalls() != 0 {
		t.Errorf("Expected no history check without the flag")
	}

	if _, err := job.ImportFlow(ctx, true, false); err != nil {
		t.Fatalf("ImportFlow failed: %v", err)
	}
	if !job.PreviousActivation() {
		t.Errorf("Expected previous activation after history check")
	}
	if transport.HistoryCalls() != 1 {
		t.Errorf("Expected 1 history call, got %d", transport.HistoryCalls())
	}
	if waits := sleeper.Waits(); len(waits) != 1 || waits[0] != 5*time.Second {
		t.Errorf("Expected a single 5s history delay, got %v", waits)
	}
}

func TestImportJob_ImportFlowSkipsHistoryCheck(t *testing.T) {
	ctx := context.Background()
	transport := newMockTransport(0)
	transport.skip = true
	job, _ := newTestJob(t, setSpec(t.TempDir(), "cmimport_34_modify", "true"), transport)
	if err := job.Prepare(ctx, testTree("LTE01")); err != nil {
		t.Fatal(err)
	}

	if _, err := job.ImportFlow(ctx, true, false); err != nil {
		t.Fatalf("ImportFlow failed: %v", err)
	}
	if transport.HistoryCalls() != 0 {
		t.Errorf("Expected history check to be skipped")
	}
	if job.PreviousActivation() {
		t.Errorf("Expected no previous activation when history check is skipped")
	}
}

func TestImportJob_ImportFlowUndo(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	transport := newMockTransport(1)
	undo := &mockUndo{}
	job, _ := newTestJob(t, setSpec(dir, "cmimport_01_modify", "true"), transport, WithUndoService(undo))
	if err := job.Prepare(ctx, testTree("LTE01")); err != nil {
		t.Fatal(err)
	}

	// Without a previous activation there is nothing to undo
	if _, err := job.PrepareUndo(ctx); !IsUndoPreparationError(err) {
		t.Fatalf("Expected UndoPreparationError, got %v", err)
	}

	if _, err := job.ImportFlow(ctx, true, false); err != nil {
		t.Fatal(err)
	}
	forwardID := job.JobID()

	undoID, err := job.ImportFlow(ctx, true, true)
	if err != nil {
		t.Fatalf("Undo flow failed: %v", err)
	}
	if undoID != "77" {
		t.Errorf("Expected undo id 77, got %q", undoID)
	}
	if len(undo.created) != 1 || undo.created[0] != forwardID {
		t.Errorf("Expected undo job for %s, got %v", forwardID, undo.created)
	}

	reqs := transport.Requests()
	last := reqs[len(reqs)-1]
	if last.FileFormat != changeset.FormatDynamic {
		t.Errorf("Expected dynamic undo format, got %s", last.FileFormat)
	}
	if strings.Contains(last.FileName, "/") || !strings.HasSuffix(last.FileName, "_77.txt") {
		t.Errorf("Unexpected undo file name %q", last.FileName)
	}
	if len(undo.removedDirs) != 1 || undo.removedDirs[0] != dir+"/undo" {
		t.Errorf("Expected undo dir removal, got %v", undo.removedDirs)
	}
	if len(undo.removedJobs) != 1 || undo.removedJobs[0] != "77" {
		t.Errorf("Expected undo job removal, got %v", undo.removedJobs)
	}
	if job.UndoState() != UndoStateCleaned {
		t.Errorf("Expected undo state %s, got %s", UndoStateCleaned, job.UndoState())
	}
}

func TestImportJob_PrepareUndoFailureClearsStaleID(t *testing.T) {
	ctx := context.Background()
	transport := newMockTransport(1)
	undo := &mockUndo{}
	job, _ := newTestJob(t, setSpec(t.TempDir(), "cmimport_01_modify", "true"), transport, WithUndoService(undo))
	if err := job.Prepare(ctx, testTree("LTE01")); err != nil {
		t.Fatal(err)
	}
	if _, err := job.ImportFlow(ctx, true, false); err != nil {
		t.Fatal(err)
	}
	if _, err := job.PrepareUndo(ctx); err != nil {
		t.Fatal(err)
	}

	undo.createErr = errors.New("undo job failed")
	_, err := job.PrepareUndo(ctx)
	if !IsUndoPreparationError(err) {
		t.Fatalf("Expected UndoPreparationError, got %v", err)
	}
	if job.UndoID() != "" {
		t.Errorf("Expected undo id to be cleared, got %q", job.UndoID())
	}
	if err := job.CleanupUndoJob(ctx); err != nil {
		t.Fatal(err)
	}
	if len(undo.removedJobs) != 0 {
		t.Errorf("Expected no undo job removal, got %v", undo.removedJobs)
	}
}

func TestImportJob_RestoreDefaultsRetries(t *testing.T) {
	ctx := context.Background()
	transport := newMockTransport(1)
	transport.failNext(errors.New("connection reset"))
	job, sleeper := newTestJob(t, setSpec(t.TempDir(), "cmimport_01_default", "false"), transport)
	if err := job.Prepare(ctx, testTree("LTE01")); err != nil {
		t.Fatal(err)
	}

	if err := job.RestoreDefaults(ctx); err != nil {
		t.Fatalf("RestoreDefaults failed: %v", err)
	}
	if len(transport.Requests()) != 2 {
		t.Errorf("Expected 2 attempts, got %d", len(transport.Requests()))
	}
	if waits := sleeper.Waits(); len(waits) != 1 || waits[0] != time.Minute {
		t.Errorf("Expected a single 60s wait, got %v", waits)
	}

	transport.failNext(errors.New("down"), errors.New("still down"))
	if err := job.RestoreDefaults(ctx); !IsImportError(err) {
		t.Errorf("Expected ImportError after exhausting attempts, got %v", err)
	}
}

func TestImportJob_HistoryDelay(t *testing.T) {
	tests := map[string]time.Duration{
		"cmimport_31_modify":  2 * time.Second,
		"cmimport_33_default": 2 * time.Second,
		"cmimport_01_modify":  5 * time.Second,
		"cmimport_13_create":  5 * time.Second,
	}
	for name, want := range tests {
		job := NewImportJob(JobSpec{Name: name}, newMockTransport(0))
		if got := job.HistoryDelay(); got != want {
			t.Errorf("%s: HistoryDelay = %v, want %v", name, got, want)
		}
	}
}

func TestImportJob_RecordsActivityAndState(t *testing.T) {
	ctx := context.Background()
	state := &mockState{}
	clock := fixedClock{now: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)}
	job, _ := newTestJob(t, setSpec(t.TempDir(), "cmimport_01_modify", "true"), newMockTransport(1),
		WithStateManager(state), WithJobClock(clock), WithRunID("run-1"))
	if err := job.Prepare(ctx, testTree("LTE01")); err != nil {
		t.Fatal(err)
	}
	if _, err := job.ImportFlow(ctx, true, false); err != nil {
		t.Fatal(err)
	}

	if len(state.activity) != 1 || state.activity[0] != "2026-03-14 09:26:53 CMIMPORT_01 1" {
		t.Errorf("Unexpected activity lines: %v", state.activity)
	}
	last := state.jobs[len(state.jobs)-1]
	if last.State != JobStateVerified || last.RunID != "run-1" || last.ObservedChanges == nil || *last.ObservedChanges != 1 {
		t.Errorf("Unexpected job record: %+v", last)
	}
}

func TestImportJob_Delete(t *testing.T) {
	ctx := context.Background()
	job, _ := newTestJob(t, setSpec(t.TempDir(), "cmimport_01_modify", "true"), newMockTransport(1))
	if err := job.Prepare(ctx, testTree("LTE01")); err != nil {
		t.Fatal(err)
	}
	if err := job.Delete(ctx); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := job.Delete(ctx); err == nil {
		t.Errorf("Expected error deleting a missing file")
	}
}
