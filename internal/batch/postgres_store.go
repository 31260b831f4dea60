package batch

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mbd888/corridor/internal/storex"
)

// PostgresStore flushes each buffered slice as a single multi-row INSERT
// inside one transaction, generalizing the teacher's per-request
// BatchDebit/BatchDeposit shape into a per-buffer write.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed batch store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables the Batch Writer drains into.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS order_events (
			id          VARCHAR(40) PRIMARY KEY,
			order_id    VARCHAR(40) NOT NULL,
			event_type  VARCHAR(64) NOT NULL,
			actor_type  VARCHAR(16) NOT NULL,
			actor_id    VARCHAR(64) NOT NULL,
			metadata    JSONB,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id, created_at);

		CREATE TABLE IF NOT EXISTS notification_outbox (
			id              VARCHAR(40) PRIMARY KEY,
			recipient_type  VARCHAR(16) NOT NULL,
			recipient_id    VARCHAR(64) NOT NULL,
			event_type      VARCHAR(64) NOT NULL,
			payload         JSONB NOT NULL,
			status          VARCHAR(16) NOT NULL DEFAULT 'pending',
			attempts        INT NOT NULL DEFAULT 0,
			last_error      TEXT,
			last_attempt_at TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			sent_at         TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_outbox_pending ON notification_outbox(status, created_at) WHERE status IN ('pending', 'failed');

		CREATE TABLE IF NOT EXISTS reputation_events (
			id           VARCHAR(40) PRIMARY KEY,
			entity_id    VARCHAR(64) NOT NULL,
			entity_type  VARCHAR(16) NOT NULL,
			event_type   VARCHAR(64) NOT NULL,
			score_change INT NOT NULL,
			reason       VARCHAR(255),
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_reputation_entity ON reputation_events(entity_id, created_at);
	`)
	return err
}

func (p *PostgresStore) FlushOrderEvents(ctx context.Context, rows []OrderEvent) error {
	if len(rows) == 0 {
		return nil
	}
	return storex.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		var sb strings.Builder
		sb.WriteString(`INSERT INTO order_events (id, order_id, event_type, actor_type, actor_id, metadata, created_at) VALUES `)
		args := make([]any, 0, len(rows)*7)
		for i, r := range rows {
			if i > 0 {
				sb.WriteString(",")
			}
			base := i * 7
			fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5, base+6, base+7)
			args = append(args, r.ID, r.OrderID, r.EventType, r.ActorType, r.ActorID, r.Metadata, r.CreatedAt)
		}
		_, err := tx.ExecContext(ctx, sb.String(), args...)
		return err
	})
}

func (p *PostgresStore) FlushOutboxRows(ctx context.Context, rows []OutboxRow) error {
	if len(rows) == 0 {
		return nil
	}
	return storex.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		var sb strings.Builder
		sb.WriteString(`INSERT INTO notification_outbox (id, recipient_type, recipient_id, event_type, payload, status, created_at) VALUES `)
		args := make([]any, 0, len(rows)*7)
		for i, r := range rows {
			if i > 0 {
				sb.WriteString(",")
			}
			base := i * 7
			fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,'pending',$%d)", base+1, base+2, base+3, base+4, base+5, base+6)
			args = append(args, r.ID, r.RecipientType, r.RecipientID, r.EventType, r.Payload, r.CreatedAt)
		}
		_, err := tx.ExecContext(ctx, sb.String(), args...)
		return err
	})
}

func (p *PostgresStore) FlushReputationEvents(ctx context.Context, rows []ReputationEvent) error {
	if len(rows) == 0 {
		return nil
	}
	return storex.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		var sb strings.Builder
		sb.WriteString(`INSERT INTO reputation_events (id, entity_id, entity_type, event_type, score_change, reason, created_at) VALUES `)
		args := make([]any, 0, len(rows)*7)
		for i, r := range rows {
			if i > 0 {
				sb.WriteString(",")
			}
			base := i * 7
			fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5, base+6, base+7)
			args = append(args, r.ID, r.EntityID, r.EntityType, r.EventType, r.ScoreChange, r.Reason, r.CreatedAt)
		}
		_, err := tx.ExecContext(ctx, sb.String(), args...)
		return err
	})
}
