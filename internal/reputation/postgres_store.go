package reputation

import (
	"context"
	"database/sql"
)

// PostgresStore reads the reputation_events table internal/batch writes.
// It does not migrate the table: internal/batch's PostgresStore owns that
// schema since it's the sole writer.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed reputation read store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) History(ctx context.Context, entityID string, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, entity_id, entity_type, event_type, score_change, reason, created_at
		FROM reputation_events
		WHERE entity_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.EntityID, &e.EntityType, &e.EventType, &e.ScoreChange, &reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		events = append(events, e)
	}
	return events, rows.Err()
}

func (p *PostgresStore) Sum(ctx context.Context, entityID string) (int, error) {
	var total sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT SUM(score_change) FROM reputation_events WHERE entity_id = $1
	`, entityID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return int(total.Int64), nil
}
