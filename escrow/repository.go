package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrJobNotFound is returned when no job row exists for the identifier.
var ErrJobNotFound = errors.New("escrow: job not found")

// InsertJobParams enumerates the fixed fields of a new job row.
type InsertJobParams struct {
	ClientID       string
	ProviderID     string
	TotalPayment   int64
	InitialPayment int64
}

const jobColumns = `id, client_id::text, provider_id::text, total_payment, initial_payment,
       initial_paid, completed, final_paid, created_at, updated_at`

// PGRepository implements job storage backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// InsertJob stores a new job with all flags false and returns the allocated
// identifier. Identifiers are assigned by a monotonic sequence and never
// reused.
func (r *PGRepository) InsertJob(ctx context.Context, tx pgx.Tx, params InsertJobParams) (Job, error) {
	const insertSQL = `
		INSERT INTO jobs (client_id, provider_id, total_payment, initial_payment)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + jobColumns

	job, err := scanJob(tx.QueryRow(ctx, insertSQL,
		params.ClientID,
		params.ProviderID,
		params.TotalPayment,
		params.InitialPayment,
	))
	if err != nil {
		return Job{}, fmt.Errorf("escrow: insert job: %w", err)
	}
	return job, nil
}

// GetJobForUpdate loads the job row under an exclusive lock. Callers hold the
// lock for precondition check, transfer and flag update so concurrent
// operations on one job observe a total order.
func (r *PGRepository) GetJobForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE`

	job, err := scanJob(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrJobNotFound
		}
		return Job{}, fmt.Errorf("escrow: lock job: %w", err)
	}
	return job, nil
}

// UpdateFlags persists the job's three lifecycle flags.
func (r *PGRepository) UpdateFlags(ctx context.Context, tx pgx.Tx, id int64, initialPaid, completed, finalPaid bool) error {
	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET initial_paid = $2,
		    completed = $3,
		    final_paid = $4,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
	`, id, initialPaid, completed, finalPaid)
	if err != nil {
		return fmt.Errorf("escrow: update flags: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// AppendEvent inserts the next timeline event for the job. The sequence
// number is derived while the caller holds the job's row lock, so per-job
// event order matches operation commit order.
func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, jobID int64, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal event payload: %w", err)
	}

	var actor any
	if actorID != "" {
		actor = actorID
	}

	const insertSQL = `
		INSERT INTO timeline_events (job_id, seq, type, actor_id, payload)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3::uuid, $4::jsonb
		FROM timeline_events
		WHERE job_id = $1
	`
	if _, err := tx.Exec(ctx, insertSQL, jobID, eventType, actor, body); err != nil {
		return fmt.Errorf("escrow: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutbox mirrors a notification for external consumers.
func (r *PGRepository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}

// GetJob fetches a job without locking it.
func (r *PGRepository) GetJob(ctx context.Context, id int64) (Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrJobNotFound
		}
		return Job{}, fmt.Errorf("escrow: get job: %w", err)
	}
	return job, nil
}

// ListForParty returns every job in which the user is the client or the
// provider, newest first.
func (r *PGRepository) ListForParty(ctx context.Context, userID string) ([]Job, error) {
	const query = `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE client_id = $1 OR provider_id = $1
		ORDER BY id DESC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]Job, 0, 8)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (Job, error) {
	var job Job
	err := row.Scan(
		&job.ID,
		&job.ClientID,
		&job.ProviderID,
		&job.TotalPayment,
		&job.InitialPayment,
		&job.InitialPaid,
		&job.Completed,
		&job.FinalPaid,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return Job{}, err
	}
	return job, nil
}
