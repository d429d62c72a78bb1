package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego and .json files.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]*Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]*Policy),
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
// Directories are walked recursively.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Debug().Int("total", len(all)).Int("sources", len(paths)).Msg("Policies loaded from paths")
	return all, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)

	policies := make([]Policy, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := l.loadFromFile(ctx, f)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", f).Msg("Skipping policy file")
			continue
		}
		policies = append(policies, *p)
	}
	return policies, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok {
		return cached, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var p *Policy
	switch {
	case strings.HasSuffix(path, ".rego"):
		p = parseRego(path, data)
	case strings.HasSuffix(path, ".json"):
		if p, err = parseJSON(data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	p.Source = path
	p.LoadedAt = time.Now()

	l.mu.Lock()
	l.cache[path] = p
	l.mu.Unlock()

	return p, nil
}

// parseRego names the policy after its file and takes the description and
// severity from the leading comment block. A comment line of the form
// "severity: error" sets the severity.
func parseRego(path string, data []byte) *Policy {
	p := &Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     string(data),
		Severity: SeverityWarning,
		Enabled:  true,
	}

	var desc []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(desc) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			if strings.HasPrefix(trimmed, "package ") {
				continue
			}
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if sev, ok := strings.CutPrefix(comment, "severity:"); ok {
			p.Severity = Severity(strings.TrimSpace(sev))
			continue
		}
		if comment != "" {
			desc = append(desc, comment)
		}
	}
	p.Description = strings.Join(desc, " ")
	return p
}

func parseJSON(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("JSON policy has no name")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	return &p, nil
}

// Watch reloads policies from paths when a policy file is written, created,
// removed or renamed, and passes them to reloadFn. It returns once the
// watcher is running; events are processed until ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if !info.IsDir() {
			// Editors replace files, so watch the parent.
			path = filepath.Dir(path)
		}
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(p)
			}
			return nil
		})
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("Watching policy paths")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	defer watcher.Close()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&relevant == 0 || !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			l.Forget(event.Name)
			timer.Reset(reloadDelay)

		case <-timer.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = reloadFn(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
				continue
			}
			l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Forget drops a file from the cache so the next load rereads it.
func (l *Loader) Forget(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

// ClearCache clears the policy cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*Policy)
	l.mu.Unlock()
}
