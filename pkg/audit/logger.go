package audit

import (
	"context"

	"github.com/reelapps/authsync/pkg/observability"
)

// Logger is an audit sink
type Logger interface {
	Log(ctx context.Context, event *Event) error
	Close() error
}

// NopLogger discards every event
type NopLogger struct{}

func (NopLogger) Log(context.Context, *Event) error { return nil }
func (NopLogger) Close() error                      { return nil }

// Recorder writes events to a sink on behalf of request handlers. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	sink   Logger
	logger *observability.Logger
}

// NewRecorder creates a recorder. Sink errors are logged, never returned.
func NewRecorder(sink Logger, logger *observability.Logger) *Recorder {
	if sink == nil {
		sink = NopLogger{}
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Recorder{sink: sink, logger: logger.WithField("component", "audit")}
}

// Record writes event to the sink
func (r *Recorder) Record(ctx context.Context, event *Event) {
	if r == nil || event == nil {
		return
	}
	if err := r.sink.Log(ctx, event); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"event_type": event.EventType,
			"event_id":   event.ID,
		}).Error("Failed to write audit event")
	}
}

// Close closes the sink
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.sink.Close()
}
