package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/cmimport/pkg/changeset"
)

// Mock transport for testing
type mockTransport struct {
	mu         sync.Mutex
	importErrs []error
	skip       bool
	changes    int
	historyErr error
	nextID     int
	requests   []ImportRequest
	history    []string
}

func newMockTransport(changes int) *mockTransport {
	return &mockTransport{changes: changes, nextID: 100}
}

func (m *mockTransport) Name() string { return "mock" }

func (m *mockTransport) Import(_ context.Context, req *ImportRequest) (*ImportResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, *req)
	if len(m.importErrs) > 0 {
		err := m.importErrs[0]
		m.importErrs = m.importErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	m.nextID++
	return &ImportResult{JobID: fmt.Sprint(m.nextID), SkipHistoryCheck: m.skip, Status: "EXECUTED"}, nil
}

func (m *mockTransport) TotalChanges(_ context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, jobID)
	if m.historyErr != nil {
		return 0, m.historyErr
	}
	return m.changes, nil
}

func (m *mockTransport) failNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.importErrs = append(m.importErrs, errs...)
}

func (m *mockTransport) Requests() []ImportRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ImportRequest(nil), m.requests...)
}

func (m *mockTransport) HistoryCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// Mock undo service for testing
type mockUndo struct {
	mu             sync.Mutex
	createErr      error
	downloadErr    error
	removeFilesErr error
	removeJobErr   error
	created        []string
	removedJobs    []string
	removedDirs    []string
}

func (m *mockUndo) CreateUndoJob(_ context.Context, importJobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, importJobID)
	if m.createErr != nil {
		return "", m.createErr
	}
	return "77", nil
}

func (m *mockUndo) DownloadUndoFile(_ context.Context, undoID, dir string) (string, error) {
	if m.downloadErr != nil {
		return "", m.downloadErr
	}
	return dir + "/undo_2026-03-14T09-26-53_" + undoID + ".txt", nil
}

func (m *mockUndo) RemoveUndoFiles(_ context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removedDirs = append(m.removedDirs, dir)
	return m.removeFilesErr
}

func (m *mockUndo) RemoveUndoJob(_ context.Context, undoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removedJobs = append(m.removedJobs, undoID)
	return m.removeJobErr
}

// Mock sleeper that records waits instead of sleeping
type mockSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (m *mockSleeper) Sleep(ctx context.Context, d time.Duration) error {
	m.mu.Lock()
	m.waits = append(m.waits, d)
	m.mu.Unlock()
	return ctx.Err()
}

func (m *mockSleeper) Waits() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.waits...)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// Mock command runner. Each command fails until it has been run succeedAfter times.
type mockRunner struct {
	mu           sync.Mutex
	succeedAfter map[string]int
	calls        map[string]int
	order        []string
}

func newMockRunner() *mockRunner {
	return &mockRunner{succeedAfter: make(map[string]int), calls: make(map[string]int)}
}

func (m *mockRunner) Execute(_ context.Context, command string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[command]++
	m.order = append(m.order, command)
	if m.calls[command] >= m.succeedAfter[command] {
		return []string{"1 instance(s) updated"}, nil
	}
	return []string{"Error 1017 : The parent MO does not exist"}, nil
}

func (m *mockRunner) Calls(command string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[command]
}

type mockSession struct {
	mu   sync.Mutex
	errs []error
}

func (m *mockSession) Reopen(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) == 0 {
		return nil
	}
	err := m.errs[0]
	m.errs = m.errs[1:]
	return err
}

type mockLedger struct {
	mu     sync.Mutex
	ledger map[string][]string

	// failWrites fails that many writes before the first success; a
	// negative value fails every write.
	failWrites int
	writes     int
}

func (m *mockLedger) Write(_ context.Context, workflow string, commands []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failWrites != 0 {
		if m.failWrites > 0 {
			m.failWrites--
		}
		return "", errors.New("no space left on device")
	}
	if m.ledger == nil {
		m.ledger = make(map[string][]string)
	}
	m.ledger[workflow] = commands
	return "/ledger/" + workflow, nil
}

func (m *mockLedger) Latest(_ context.Context, workflow string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.ledger[workflow]; ok {
		return c, nil
	}
	return nil, errors.New("no ledger")
}

// Mock event publisher for testing
type mockEventPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockEventPublisher) Publish(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockEventPublisher) Types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]EventType, 0, len(m.events))
	for _, e := range m.events {
		types = append(types, e.Type)
	}
	return types
}

// Mock state manager for testing
type mockState struct {
	mu         sync.Mutex
	runs       []RunRecord
	iterations []IterationRecord
	jobs       []JobRecord
	activity   []string
}

func (m *mockState) SaveRun(_ context.Context, run *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, *run)
	return nil
}

func (m *mockState) SaveIteration(_ context.Context, it *IterationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterations = append(m.iterations, *it)
	return nil
}

func (m *mockState) SaveJob(_ context.Context, job *JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, *job)
	return nil
}

func (m *mockState) RecordActivity(_ context.Context, a *Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity = append(m.activity, a.Line())
	return nil
}

type recordedErrors struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordedErrors) RecordError(_ context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordedErrors) Codes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	codes := make([]string, 0, len(r.errs))
	for _, err := range r.errs {
		codes = append(codes, ErrorCode(err))
	}
	return codes
}

func testRelation(node, id string) *changeset.ManagedObject {
	return &changeset.ManagedObject{
		FDN: "SubNetwork=NETSimW,MeContext=" + node +
			",ManagedElement=1,ENodeBFunction=1,EUtranCellFDD=" + node + "-1,EUtranFreqRelation=1,EUtranCellRelation=" + id,
		Type: "EUtranCellRelation",
		ID:   id,
		Attributes: changeset.Attributes{
			{Name: "isRemoveAllowed", Value: "false"},
		},
	}
}

func testTree(nodes ...string) *changeset.Tree {
	var ns []*changeset.Node
	for _, name := range nodes {
		ns = append(ns, &changeset.Node{
			Name:         name,
			SubNetwork:   "SubNetwork=NETSimW",
			SubNetworkID: "NETSimW",
			MOs: []*changeset.Branch{{
				Type: "ManagedElement", ID: "1",
				Children: []*changeset.Branch{{
					Type: "ENodeBFunction", ID: "1",
					Children: []*changeset.Branch{{
						Type: "EUtranCellFDD", ID: name + "-1",
						Children: []*changeset.Branch{{
							Type:    "EUtranFreqRelation",
							ID:      "1",
							Objects: []*changeset.ManagedObject{testRelation(name, "CELL_A")},
						}},
					}},
				}},
			}},
		})
	}
	return changeset.NewTree(ns)
}

func setSpec(dir, name, value string) JobSpec {
	return JobSpec{
		Name:      name,
		Workflow:  "cmimport_01",
		FilePath:  dir + "/" + name + ".xml",
		Format:    changeset.Format3GPP,
		Operation: changeset.OperationSet,
		Values: changeset.Overrides{
			"EUtranCellRelation": {{Name: "isRemoveAllowed", Value: value}},
		},
		ExpectedChanges: 1,
		UndoDir:         dir + "/undo",
	}
}

func objectSpec(dir, name string, op changeset.Operation) JobSpec {
	return JobSpec{
		Name:            name,
		Workflow:        "cmimport_08",
		FilePath:        dir + "/" + name + ".txt",
		Format:          changeset.FormatDynamic,
		Operation:       op,
		ExpectedChanges: 1,
		UndoDir:         dir + "/undo",
	}
}
