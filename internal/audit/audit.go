package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"banking-gateway/internal/models"
	"banking-gateway/internal/util"
)

// Event is a single security event.
type Event = models.SecurityEvent

// Emitter accepts events from the request path. Implementations must not block.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// Sink receives batches of events from the dispatcher.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []Event) error
}

// NoOpEmitter drops events.
type NoOpEmitter struct{}

func (NoOpEmitter) Emit(context.Context, Event) {}

// NewEvent stamps an event with the current UTC time.
func NewEvent(eventType, subject string, details map[string]string) Event {
	return Event{
		EventTime: time.Now().UTC(),
		EventType: eventType,
		Subject:   subject,
		Details:   details,
	}
}

// LogSink writes events to the service log. It is used when no external sink
// is reachable so events are never silently lost in development.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Write(_ context.Context, events []Event) error {
	for _, e := range events {
		util.Info("Security event",
			zap.String("event_type", e.EventType),
			zap.String("subject", e.Subject),
			zap.String("ip_address", e.IPAddress),
			zap.String("path", e.Path),
			zap.Any("details", e.Details),
			zap.Time("event_time", e.EventTime))
	}
	return nil
}
