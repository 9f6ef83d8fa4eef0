// Package events implements a transactional outbox and its relay to Kafka.
//
// Domain services append events through Outbox in the same transaction as
// the state change they describe. The Relay later claims unpublished rows,
// writes them to the broker and marks them published, so an event is never
// lost when the broker is down and never emitted for a rolled-back change.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Event is the envelope written to the outbox. The broker topic is derived
// from Type.
type Event struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	Type          string
	Payload       json.RawMessage
	OccurredAt    time.Time
	Traceparent   string
	Tracestate    string
}

// Record is an Event as stored, with its outbox sequence number.
type Record struct {
	Seq int64
	Event
}

// NewEvent encodes payload and captures the trace context of ctx so the
// relay can continue the trace when it publishes.
func NewEvent(ctx context.Context, aggregateType, aggregateID, eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return Event{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Type:          eventType,
		Payload:       raw,
		OccurredAt:    time.Now().UTC(),
		Traceparent:   carrier.Get("traceparent"),
		Tracestate:    carrier.Get("tracestate"),
	}, nil
}

// TraceContext restores the trace context captured by NewEvent.
func (e Event) TraceContext(ctx context.Context) context.Context {
	if e.Traceparent == "" && e.Tracestate == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{
		"traceparent": e.Traceparent,
		"tracestate":  e.Tracestate,
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// Outbox accepts events for later delivery.
type Outbox interface {
	Append(ctx context.Context, evts ...Event) error
}

// PublishFunc delivers a claimed batch. Returning an error leaves the whole
// batch unpublished for the next poll.
type PublishFunc func(ctx context.Context, records []Record) error

// BatchSource hands out batches of unpublished records.
type BatchSource interface {
	ProcessBatch(ctx context.Context, limit int, publish PublishFunc) (int, error)
}

// Discard is an Outbox that drops everything.
type Discard struct{}

func (Discard) Append(context.Context, ...Event) error { return nil }
