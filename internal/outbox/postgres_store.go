package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/corridor/internal/storex"
)

// PostgresStore claims and updates rows in the notification_outbox table
// created by internal/batch's migration.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed outbox store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) ClaimBatch(ctx context.Context, now time.Time, retryWindow time.Duration, batchSize, maxAttempts int) ([]*Row, error) {
	var claimed []*Row
	err := storex.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM notification_outbox
			WHERE status IN ('pending', 'failed')
			  AND attempts < $1
			  AND (last_attempt_at IS NULL OR last_attempt_at < $2)
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED`,
			maxAttempts, now.Add(-retryWindow), batchSize)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE notification_outbox SET status = 'processing', last_attempt_at = $1
			WHERE id = ANY($2::varchar[])`, now, pq.Array(ids)); err != nil {
			return err
		}

		claimRows, err := tx.QueryContext(ctx, `
			SELECT id, recipient_type, recipient_id, event_type, payload::text, status,
			       attempts, COALESCE(last_error, ''), last_attempt_at, created_at, sent_at
			FROM notification_outbox WHERE id = ANY($1::varchar[])`, pq.Array(ids))
		if err != nil {
			return err
		}
		defer claimRows.Close()
		for claimRows.Next() {
			r := &Row{}
			if err := claimRows.Scan(&r.ID, &r.RecipientType, &r.RecipientID, &r.EventType, &r.Payload,
				&r.Status, &r.Attempts, &r.LastError, &r.LastAttemptAt, &r.CreatedAt, &r.SentAt); err != nil {
				return err
			}
			claimed = append(claimed, r)
		}
		return claimRows.Err()
	})
	return claimed, err
}

func (p *PostgresStore) MarkSent(ctx context.Context, id string, now time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE notification_outbox SET status = 'sent', sent_at = $2 WHERE id = $1`, id, now)
	return err
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id string, now time.Time, errMsg string, maxAttempts int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET attempts = attempts + 1,
		    last_error = $2,
		    status = CASE WHEN attempts + 1 >= $3 THEN 'failed' ELSE 'pending' END
		WHERE id = $1`, id, errMsg, maxAttempts)
	return err
}

func (p *PostgresStore) DeleteSentOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM notification_outbox WHERE status = 'sent' AND sent_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
