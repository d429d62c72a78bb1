package commands

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/openfroyo/cmimport/pkg/engine"
	"github.com/openfroyo/cmimport/pkg/telemetry"
)

// eventFanout persists workflow events and forwards them to the telemetry
// event bus.
type eventFanout struct {
	store engine.EventPublisher
	bus   *telemetry.EventBus
}

var _ engine.EventPublisher = (*eventFanout)(nil)

// Publish implements engine.EventPublisher. A bus failure never hides a
// store failure.
func (f *eventFanout) Publish(ctx context.Context, event *engine.Event) error {
	var errs []error
	if f.store != nil {
		if err := f.store.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	if f.bus != nil {
		if err := f.bus.Publish(toTelemetryEvent(event)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func toTelemetryEvent(e *engine.Event) telemetry.Event {
	data := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		data[k] = v
	}
	if e.Code != "" {
		data["code"] = e.Code
	}
	return telemetry.Event{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Type:      string(e.Type),
		Source:    "orchestrator",
		RunID:     e.RunID,
		Workflow:  e.Workflow,
		Job:       e.Job,
		Message:   e.Message,
		Level:     e.Level,
		Data:      data,
	}
}

// jsonEventWriter prints bus events as JSON lines.
func jsonEventWriter(w io.Writer) telemetry.EventSubscriber {
	enc := json.NewEncoder(w)
	return func(event telemetry.Event) {
		_ = enc.Encode(event)
	}
}
