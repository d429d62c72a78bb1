package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a workflow event delivered to bus subscribers.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type, e.g. "iteration_completed".
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated workflow run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Workflow is the workflow name.
	Workflow string `json:"workflow,omitempty"`

	// Job is the import job name, if applicable.
	Job string `json:"job,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventBus fans events out to subscribers, optionally through a buffer
// drained by a background goroutine. Subscribers of one bus see events in
// publication order.
type EventBus struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventBus creates a new event bus with the given configuration.
func NewEventBus(cfg EventsConfig) (*EventBus, error) {
	if !cfg.Enabled {
		return &EventBus{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	eb := &EventBus{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		eb.wg.Add(1)
		go eb.processEvents()
	}

	return eb, nil
}

// Publish publishes an event to all subscribers.
func (eb *EventBus) Publish(event Event) error {
	if !eb.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	eb.mu.RLock()
	for _, filter := range eb.filters {
		if !filter(event) {
			eb.mu.RUnlock()
			return nil
		}
	}
	eb.mu.RUnlock()

	if eb.config.EnableAsync {
		select {
		case <-eb.ctx.Done():
			return fmt.Errorf("event bus stopped")
		default:
		}
		select {
		case eb.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	eb.deliverEvent(event)
	return nil
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (eb *EventBus) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers = append(eb.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (eb *EventBus) AddFilter(filter EventFilter) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.filters = append(eb.filters, filter)
}

// processEvents drains the buffer until shutdown, then delivers what is left.
func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for {
		select {
		case event := <-eb.buffer:
			eb.deliverEvent(event)
		case <-eb.ctx.Done():
			for {
				select {
				case event := <-eb.buffer:
					eb.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (eb *EventBus) deliverEvent(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, entry := range eb.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the bus after delivering buffered events.
func (eb *EventBus) Shutdown(ctx context.Context) error {
	if eb == nil || !eb.config.Enabled {
		return nil
	}

	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByWorkflow creates a filter that only allows events for one workflow.
func FilterByWorkflow(workflow string) EventFilter {
	return func(event Event) bool {
		return event.Workflow == workflow
	}
}
