package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/clinicflow/clinicflow/internal/platform/metrics"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type RelayConfig struct {
	TopicPrefix string
	PollEvery   time.Duration
	BatchSize   int
}

// Relay moves outbox records to Kafka.
type Relay struct {
	source  BatchSource
	writer  MessageWriter
	logger  zerolog.Logger
	metrics *metrics.SchedulingMetrics
	cfg     RelayConfig
}

func NewRelay(source BatchSource, writer MessageWriter, logger zerolog.Logger, m *metrics.SchedulingMetrics, cfg RelayConfig) *Relay {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Relay{source: source, writer: writer, logger: logger, metrics: m, cfg: cfg}
}

// Topic maps an event type to its topic name.
func (r *Relay) Topic(eventType string) string {
	if r.cfg.TopicPrefix == "" {
		return eventType
	}
	return r.cfg.TopicPrefix + "." + eventType
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another poll so a backlog drains without waiting for the ticker.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info().Dur("poll_every", r.cfg.PollEvery).Int("batch_size", r.cfg.BatchSize).Msg("outbox relay started")
	ticker := time.NewTicker(r.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopped")
			return
		case <-ticker.C:
			for {
				n, err := r.RelayOnce(ctx)
				if err != nil {
					if ctx.Err() == nil {
						r.logger.Error().Err(err).Msg("outbox publish failed")
					}
					break
				}
				if n < r.cfg.BatchSize {
					break
				}
			}
		}
	}
}

// RelayOnce publishes a single batch and returns how many records it held.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	n, err := r.source.ProcessBatch(ctx, r.cfg.BatchSize, func(ctx context.Context, records []Record) error {
		msgs := make([]kafka.Message, 0, len(records))
		for _, rec := range records {
			msg := kafka.Message{
				Topic: r.Topic(rec.Type),
				Key:   []byte(rec.AggregateID),
				Value: rec.Payload,
				Time:  rec.OccurredAt,
				Headers: []kafka.Header{
					{Key: "event_id", Value: []byte(rec.ID.String())},
					{Key: "event_type", Value: []byte(rec.Type)},
					{Key: "aggregate_type", Value: []byte(rec.AggregateType)},
				},
			}
			msg.Headers = InjectTraceHeaders(rec.TraceContext(ctx), msg.Headers)
			msgs = append(msgs, msg)
		}
		if err := r.writer.WriteMessages(ctx, msgs...); err != nil {
			for _, rec := range records {
				r.metrics.ObserveRelayed(rec.Type, false)
			}
			return err
		}
		for _, rec := range records {
			r.metrics.ObserveRelayed(rec.Type, true)
		}
		return nil
	})
	r.metrics.SetOutboxBatch(n)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Debug().Int("count", n).Msg("outbox batch published")
	}
	return n, nil
}
