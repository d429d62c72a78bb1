package cmedit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/cmimport/pkg/changeset"
	"github.com/openfroyo/cmimport/pkg/engine"
	"github.com/openfroyo/cmimport/pkg/transports/ssh"
)

// mockRemote answers commands from queues keyed by command prefix.
type mockRemote struct {
	mu        sync.Mutex
	replies   map[string][]string
	failures  map[string]error
	commands  []string
	uploaded  []string
	removed   []string
	reopens   int
	uploadErr error
}

func newMockRemote() *mockRemote {
	return &mockRemote{replies: map[string][]string{}, failures: map[string]error{}}
}

// on queues a stdout reply for the next command starting with prefix.
func (m *mockRemote) on(prefix string, stdout ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[prefix] = append(m.replies[prefix], strings.Join(stdout, "\n"))
}

func (m *mockRemote) Run(_ context.Context, cmd string) (*ssh.ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, cmd)

	for prefix, err := range m.failures {
		if strings.HasPrefix(cmd, prefix) {
			return &ssh.ExecResult{Command: cmd, ExitCode: 1}, err
		}
	}

	// longest prefix wins so "cmedit import -st" beats "cmedit import"
	best := ""
	for prefix := range m.replies {
		if strings.HasPrefix(cmd, prefix) && len(prefix) > len(best) && len(m.replies[prefix]) > 0 {
			best = prefix
		}
	}
	if best == "" {
		return &ssh.ExecResult{Command: cmd}, nil
	}
	out := m.replies[best][0]
	if len(m.replies[best]) > 1 {
		m.replies[best] = m.replies[best][1:]
	}
	return &ssh.ExecResult{Command: cmd, Stdout: out}, nil
}

func (m *mockRemote) Upload(_ context.Context, localPath string) (*ssh.FileTransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return nil, m.uploadErr
	}
	m.uploaded = append(m.uploaded, localPath)
	return &ssh.FileTransferResult{LocalPath: localPath, RemotePath: "/tmp/cmimport/" + localPath[strings.LastIndex(localPath, "/")+1:]}, nil
}

func (m *mockRemote) Remove(_ context.Context, remotePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, remotePath)
	return nil
}

func (m *mockRemote) Reopen(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reopens++
	return nil
}

func (m *mockRemote) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// steppingClock advances by every sleep it observes.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func newTestTransport(remote *mockRemote) (*Transport, *steppingClock) {
	clock := &steppingClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	return New(remote,
		WithPollInterval(10*time.Second),
		WithTimeout(time.Minute),
		WithSleeper(clock),
		WithClock(clock),
	), clock
}

func testRequest() *engine.ImportRequest {
	return &engine.ImportRequest{
		JobName:    "cmimport_01_modify",
		Workflow:   "cmimport_01",
		FilePath:   "/var/tmp/cmimport/cmimport_01.xml",
		FileName:   "cmimport_01.xml",
		FileFormat: changeset.Format3GPP,
		ConfigName: "Live",
		Flow:       engine.FlowLive,
	}
}

func TestTransportImport(t *testing.T) {
	remote := newMockRemote()
	remote.on("cmedit import -f", "Import job 4242 started")
	remote.on("cmedit import -st", "4242 EXECUTING")
	remote.on("cmedit import -st", "4242 COMPLETED")
	tr, clock := newTestTransport(remote)
	start := clock.Now()

	result, err := tr.Import(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if result.JobID != "4242" || result.Status != StatusCompleted {
		t.Errorf("unexpected result %+v", result)
	}

	want := []string{
		"cmedit import -f file:cmimport_01.xml --filetype 3GPP -t Live",
		"cmedit import -st -j 4242",
		"cmedit import -st -j 4242",
	}
	if got := remote.Commands(); !equal(got, want) {
		t.Errorf("commands = %q, want %q", got, want)
	}
	if elapsed := clock.Now().Sub(start); elapsed != 10*time.Second {
		t.Errorf("expected one poll interval, got %s", elapsed)
	}
	if len(remote.removed) != 1 || remote.removed[0] != "/tmp/cmimport/cmimport_01.xml" {
		t.Errorf("expected uploaded change-set to be removed, got %q", remote.removed)
	}
}

func TestTransportImportFailures(t *testing.T) {
	t.Run("upload failure", func(t *testing.T) {
		remote := newMockRemote()
		remote.uploadErr = errors.New("sftp: permission denied")
		tr, _ := newTestTransport(remote)

		if _, err := tr.Import(context.Background(), testRequest()); err == nil {
			t.Fatal("expected upload error")
		}
		if len(remote.Commands()) != 0 {
			t.Errorf("no command should run after a failed upload")
		}
	})

	t.Run("rejected import", func(t *testing.T) {
		remote := newMockRemote()
		remote.on("cmedit import -f", "Error 8023 : Import file not found")
		tr, _ := newTestTransport(remote)

		_, err := tr.Import(context.Background(), testRequest())
		if err == nil || !strings.Contains(err.Error(), "Error 8023") {
			t.Fatalf("expected rejection error, got %v", err)
		}
	})

	t.Run("no job id", func(t *testing.T) {
		remote := newMockRemote()
		remote.on("cmedit import -f", "Import accepted")
		tr, _ := newTestTransport(remote)

		if _, err := tr.Import(context.Background(), testRequest()); err == nil {
			t.Fatal("expected missing job id error")
		}
	})

	t.Run("job failed", func(t *testing.T) {
		remote := newMockRemote()
		remote.on("cmedit import -f", "job ID 7")
		remote.on("cmedit import -st", "7 FAILED Size: 0")
		tr, _ := newTestTransport(remote)

		result, err := tr.Import(context.Background(), testRequest())
		if err == nil || !strings.Contains(err.Error(), "Size: 0") {
			t.Fatalf("expected failure with status line, got %v", err)
		}
		if result == nil || result.JobID != "7" {
			t.Errorf("expected job id to be reported, got %+v", result)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		remote := newMockRemote()
		remote.on("cmedit import -f", "job ID 7")
		remote.on("cmedit import -st", "7 EXECUTING")
		tr, _ := newTestTransport(remote)

		_, err := tr.Import(context.Background(), testRequest())
		if engine.ErrorCode(err) != engine.ErrCodeTimeout {
			t.Fatalf("expected TIMEOUT error, got %v", err)
		}
		// one minute at ten second intervals
		if polls := len(remote.Commands()) - 1; polls != 6 {
			t.Errorf("expected 6 status polls, got %d", polls)
		}
	})

	t.Run("cancelled while polling", func(t *testing.T) {
		remote := newMockRemote()
		remote.on("cmedit import -f", "job ID 7")
		remote.on("cmedit import -st", "7 EXECUTING")
		tr, _ := newTestTransport(remote)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := tr.Import(ctx, testRequest()); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

func TestTransportTotalChanges(t *testing.T) {
	remote := newMockRemote()
	remote.on("config history", "LTE01 EUtranCellFDD=1 update", "4 change(s)")
	tr, _ := newTestTransport(remote)

	n, err := tr.TotalChanges(context.Background(), "4242")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 changes, got %d", n)
	}

	remote.replies["config history"] = []string{"no history"}
	if _, err := tr.TotalChanges(context.Background(), "4242"); !errors.Is(err, engine.ErrTotalChangesUnidentified) {
		t.Errorf("expected ErrTotalChangesUnidentified, got %v", err)
	}
}

func TestTransportExecuteAndSession(t *testing.T) {
	remote := newMockRemote()
	remote.on("cmedit create", "1 instance(s) updated")
	remote.failures["cmedit delete"] = errors.New("exec: command exited with code 1")
	tr, _ := newTestTransport(remote)
	ctx := context.Background()

	lines, err := tr.Execute(ctx, "cmedit create NetworkElement=LTE01,EUtranCellFDD=1 userLabel=\"cell\"")
	if err != nil || len(lines) != 1 || lines[0] != "1 instance(s) updated" {
		t.Errorf("unexpected execute result %q, %v", lines, err)
	}
	if _, err := tr.Execute(ctx, "cmedit delete NetworkElement=LTE01"); err == nil {
		t.Error("expected command failure to propagate")
	}

	if err := tr.Reopen(ctx); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if remote.reopens != 1 {
		t.Errorf("expected 1 reopen, got %d", remote.reopens)
	}
}

func TestTransportRemoveUndoJob(t *testing.T) {
	remote := newMockRemote()
	tr, _ := newTestTransport(remote)

	if err := tr.RemoveUndoJob(context.Background(), "77"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := remote.Commands(); len(got) != 1 || got[0] != "config undo --remove --job 77" {
		t.Errorf("unexpected commands %q", got)
	}

	remote.on("config undo", "Error 5002 : Job not found")
	if err := tr.RemoveUndoJob(context.Background(), "78"); err == nil {
		t.Error("expected error line to fail removal")
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
