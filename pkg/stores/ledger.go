package stores

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/cmimport/pkg/engine"
)

const (
	// DefaultLedgerRetention is how long recovery ledgers are kept: two months.
	DefaultLedgerRetention = 5184000 * time.Second

	ledgerTimeLayout = "2006_01_02-15.04.05"
)

// LedgerFile describes one persisted recovery ledger.
type LedgerFile struct {
	Path      string    `json:"path"`
	Workflow  string    `json:"workflow"`
	WrittenAt time.Time `json:"written_at"`
	ModTime   time.Time `json:"mod_time"`
	Size      int64     `json:"size"`
}

// FileLedger stores recovery ledgers as plain files under
// <base>/<workflow>/<workflow>_<timestamp>, one recreate command per line.
type FileLedger struct {
	base      string
	retention time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

var _ engine.LedgerStore = (*FileLedger)(nil)

// LedgerOption configures a FileLedger.
type LedgerOption func(*FileLedger)

// WithRetention overrides how long ledgers are kept.
func WithRetention(d time.Duration) LedgerOption {
	return func(l *FileLedger) { l.retention = d }
}

// WithNow overrides the clock used for file names and pruning.
func WithNow(now func() time.Time) LedgerOption {
	return func(l *FileLedger) { l.now = now }
}

// NewFileLedger creates a ledger store rooted at base.
func NewFileLedger(base string, opts ...LedgerOption) *FileLedger {
	l := &FileLedger{
		base:      base,
		retention: DefaultLedgerRetention,
		now:       time.Now,
		logger:    log.With().Str("component", "ledger").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the directory holding the ledgers of a workflow.
func (l *FileLedger) Dir(workflow string) string {
	return filepath.Join(l.base, workflow)
}

// Write implements engine.LedgerStore. Outdated ledgers are pruned before the
// new one is written.
func (l *FileLedger) Write(_ context.Context, workflow string, commands []string) (string, error) {
	if workflow == "" {
		return "", fmt.Errorf("workflow name is required")
	}
	dir := l.Dir(workflow)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create ledger directory: %w", err)
	}
	if _, err := l.Prune(workflow); err != nil {
		return "", err
	}

	path := filepath.Join(dir, workflow+"_"+l.now().Format(ledgerTimeLayout))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open ledger: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, cmd := range commands {
		if _, err := w.WriteString(cmd + "\n"); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to write ledger: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close ledger: %w", err)
	}

	l.logger.Debug().Str("workflow", workflow).Str("path", path).Int("commands", len(commands)).Msg("Recovery ledger written")
	return path, nil
}

// Latest implements engine.LedgerStore.
func (l *FileLedger) Latest(_ context.Context, workflow string) ([]string, error) {
	files, err := l.List(workflow)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no recovery ledger for %s: %w", workflow, ErrNotFound)
	}
	return ReadLedger(files[len(files)-1].Path)
}

// List returns the ledgers of a workflow, oldest first.
func (l *FileLedger) List(workflow string) ([]LedgerFile, error) {
	entries, err := os.ReadDir(l.Dir(workflow))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list ledgers: %w", err)
	}

	prefix := workflow + "_"
	files := []LedgerFile{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		f := LedgerFile{
			Path:     filepath.Join(l.Dir(workflow), e.Name()),
			Workflow: workflow,
			ModTime:  info.ModTime(),
			Size:     info.Size(),
		}
		if ts, err := time.ParseInLocation(ledgerTimeLayout, strings.TrimPrefix(e.Name(), prefix), time.Local); err == nil {
			f.WrittenAt = ts
		} else {
			f.WrittenAt = info.ModTime()
		}
		files = append(files, f)
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].WrittenAt.Equal(files[j].WrittenAt) {
			return files[i].Path < files[j].Path
		}
		return files[i].WrittenAt.Before(files[j].WrittenAt)
	})
	return files, nil
}

// Prune removes the ledgers of a workflow not modified within the retention
// window and returns how many were removed. Only files whose name contains
// the workflow name are considered.
func (l *FileLedger) Prune(workflow string) (int, error) {
	dir := l.Dir(workflow)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list ledgers: %w", err)
	}

	cutoff := l.now().Add(-l.retention)
	needle := strings.ToLower(workflow)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(strings.ToLower(e.Name()), needle) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove outdated ledger %s: %w", path, err)
		}
		removed++
		l.logger.Debug().Str("path", path).Dur("retention", l.retention).Msg("Outdated recovery ledger removed")
	}
	return removed, nil
}

// ReadLedger reads the commands of a ledger file, skipping blank lines.
func ReadLedger(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	var commands []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			commands = append(commands, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return commands, nil
}
