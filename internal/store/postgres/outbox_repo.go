package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/uptrace/bun"

	"appointly/backend/internal/outbox"
)

type outboxRow struct {
	bun.BaseModel `bun:"table:outbox_events"`

	ID            int64           `bun:"id,pk,autoincrement"`
	EventID       string          `bun:"event_id,type:uuid"`
	AggregateType string          `bun:"aggregate_type,notnull"`
	AggregateID   string          `bun:"aggregate_id,notnull"`
	EventType     string          `bun:"event_type,notnull"`
	Payload       json.RawMessage `bun:"payload,type:jsonb,notnull"`
	Traceparent   string          `bun:"traceparent,notnull"`
	Tracestate    string          `bun:"tracestate,notnull"`
	CreatedAt     time.Time       `bun:"created_at"`
	PublishedAt   *time.Time      `bun:"published_at"`
}

type OutboxRepo struct {
	db *bun.DB
}

func NewOutboxRepo(db *bun.DB) *OutboxRepo {
	return &OutboxRepo{db: db}
}

// RelayBatch locks up to limit unpublished rows, hands them to publish and marks
// them published in the same transaction. Concurrent relays skip locked rows.
func (r *OutboxRepo) RelayBatch(ctx context.Context, limit int, publish func(ctx context.Context, records []outbox.Record) error) (int, error) {
	var n int
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var rows []outboxRow
		err := tx.NewSelect().
			Model(&rows).
			Where("published_at IS NULL").
			OrderExpr("id ASC").
			Limit(limit).
			For("UPDATE SKIP LOCKED").
			Scan(ctx)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		records := make([]outbox.Record, 0, len(rows))
		ids := make([]int64, 0, len(rows))
		for _, row := range rows {
			records = append(records, outbox.Record{
				ID:            row.ID,
				EventID:       row.EventID,
				AggregateType: row.AggregateType,
				AggregateID:   row.AggregateID,
				EventType:     row.EventType,
				Payload:       row.Payload,
				Traceparent:   row.Traceparent,
				Tracestate:    row.Tracestate,
				CreatedAt:     row.CreatedAt,
			})
			ids = append(ids, row.ID)
		}
		if err := publish(ctx, records); err != nil {
			return err
		}

		_, err = tx.NewUpdate().
			Model((*outboxRow)(nil)).
			Set("published_at = ?", time.Now().UTC()).
			Where("id IN (?)", bun.In(ids)).
			Exec(ctx)
		if err != nil {
			return err
		}
		n = len(rows)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
