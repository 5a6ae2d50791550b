package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("audit: job not found")
	ErrForbidden = errors.New("audit: forbidden")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// List returns the job's timeline entries in commit order, provided the
// caller is the job's client or provider.
func (r *Repository) List(ctx context.Context, callerID string, jobID int64) ([]Entry, error) {
	var clientID, providerID string
	err := r.pool.QueryRow(ctx, `SELECT client_id::text, provider_id::text FROM jobs WHERE id = $1`, jobID).
		Scan(&clientID, &providerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("audit: load job parties: %w", err)
	}
	if callerID != clientID && callerID != providerID {
		return nil, ErrForbidden
	}

	const query = `
		SELECT id, job_id, seq, type, actor_id::text, payload, ts
		FROM timeline_events
		WHERE job_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("audit: list entries: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 8)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Seq, &e.Type, &e.ActorID, &e.Payload, &e.TS); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate entries: %w", err)
	}
	return out, nil
}
