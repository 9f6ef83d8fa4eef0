package events

import (
	"context"
	"fmt"

	"github.com/clinicflow/clinicflow/internal/platform/db"
)

// PGOutbox stores events in the outbox_events table. Append joins the
// transaction bound to ctx by db.RunInTx.
type PGOutbox struct {
	pool db.Pool
}

func NewPGOutbox(pool db.Pool) *PGOutbox {
	return &PGOutbox{pool: pool}
}

func (o *PGOutbox) Append(ctx context.Context, evts ...Event) error {
	q := db.Conn(ctx, o.pool)
	for _, e := range evts {
		_, err := q.Exec(ctx, `
			INSERT INTO outbox_events (event_id, aggregate_type, aggregate_id, event_type, payload, occurred_at, traceparent, tracestate)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.AggregateType, e.AggregateID, e.Type, []byte(e.Payload), e.OccurredAt, e.Traceparent, e.Tracestate)
		if err != nil {
			return fmt.Errorf("append %s: %w", e.Type, err)
		}
	}
	return nil
}

// ProcessBatch claims up to limit unpublished rows with SKIP LOCKED, so
// several relays can run side by side, and marks them published once
// publish succeeds.
func (o *PGOutbox) ProcessBatch(ctx context.Context, limit int, publish PublishFunc) (int, error) {
	var n int
	err := db.RunInTx(ctx, o.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, o.pool)
		records, err := fetchUnpublished(ctx, q, limit)
		if err != nil {
			return err
		}
		n = len(records)
		if n == 0 {
			return nil
		}
		if err := publish(ctx, records); err != nil {
			return err
		}
		seqs := make([]int64, 0, n)
		for _, r := range records {
			seqs = append(seqs, r.Seq)
		}
		_, err = q.Exec(ctx, `UPDATE outbox_events SET published_at = now() WHERE id = ANY($1)`, seqs)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func fetchUnpublished(ctx context.Context, q db.Querier, limit int) ([]Record, error) {
	rows, err := q.Query(ctx, `
		SELECT id, event_id, aggregate_type, aggregate_id, event_type, payload, occurred_at, traceparent, tracestate
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unpublished: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var payload []byte
		if err := rows.Scan(&r.Seq, &r.ID, &r.AggregateType, &r.AggregateID, &r.Type, &payload, &r.OccurredAt, &r.Traceparent, &r.Tracestate); err != nil {
			return nil, err
		}
		r.Payload = payload
		records = append(records, r)
	}
	return records, rows.Err()
}
