package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// TeardownFunc is an obligation run when a workflow run ends.
type TeardownFunc func(ctx context.Context) error

type teardownStep struct {
	name string
	fn   TeardownFunc
}

// Teardown collects teardown obligations and runs them in reverse
// registration order.
type Teardown struct {
	mu    sync.Mutex
	steps []teardownStep
}

// Register adds an obligation. Registering a name again replaces the
// earlier obligation in place.
func (t *Teardown) Register(name string, fn TeardownFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.steps {
		if t.steps[i].name == name {
			t.steps[i].fn = fn
			return
		}
	}
	t.steps = append(t.steps, teardownStep{name: name, fn: fn})
}

// Names returns the registered obligation names in registration order.
func (t *Teardown) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, len(t.steps))
	for i, s := range t.steps {
		names[i] = s.name
	}
	return names
}

// Run executes every obligation, last registered first. A failing step does
// not stop the others; each failure is passed to recorder and all failures
// are returned joined. The registry is empty afterwards.
func (t *Teardown) Run(ctx context.Context, recorder ErrorRecorder) error {
	t.mu.Lock()
	steps := t.steps
	t.steps = nil
	t.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if err := step.fn(ctx); err != nil {
			err = fmt.Errorf("teardown %s: %w", step.name, err)
			if recorder != nil {
				recorder.RecordError(ctx, err)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
