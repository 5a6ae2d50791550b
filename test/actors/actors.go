package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/escrow"
)

// expected returns true for errors an actor provokes on purpose under
// contention: guarded transitions losing the race, empty wallets, callers
// probing jobs they are not party to.
func expected(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrJobNotFound),
		errors.Is(err, escrow.ErrUnauthorized),
		errors.Is(err, escrow.ErrAlreadyReleased),
		errors.Is(err, escrow.ErrAlreadyCompleted),
		errors.Is(err, escrow.ErrNotCompleted),
		errors.Is(err, escrow.ErrTransferFailed):
		return true
	}
	// chaos kills backends mid-transaction; treat connection loss and the
	// resulting serialization aborts as noise
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57P01", "40001", "40P01", "25P02":
			return true
		}
	}
	if strings.Contains(err.Error(), "conn closed") || strings.Contains(err.Error(), "unexpected EOF") {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// Client creates jobs against a fixed provider and hammers the client-side
// transitions (release initial, release final, refund) on its own jobs.
func Client(ctx context.Context, svc *escrow.Service, clientID, providerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		switch rand.Intn(4) {
		case 0:
			total := int64(100 + rand.Intn(900))
			initial := rand.Int63n(total + 1)
			_, err := svc.CreateJob(ctx, escrow.CreateJobParams{
				CallerID:       clientID,
				ProviderID:     providerID,
				TotalPayment:   total,
				InitialPayment: initial,
				DepositedValue: initial,
			})
			if !expected(err) {
				return fmt.Errorf("client create: %w", err)
			}
		case 1:
			if id, ok := pickJob(ctx, svc, clientID); ok {
				if _, err := svc.ReleaseInitialPayment(ctx, clientID, id); !expected(err) {
					return fmt.Errorf("client release initial %d: %w", id, err)
				}
			}
		case 2:
			if id, ok := pickJob(ctx, svc, clientID); ok {
				if _, err := svc.ReleaseFinalPayment(ctx, clientID, id); !expected(err) {
					return fmt.Errorf("client release final %d: %w", id, err)
				}
			}
		default:
			if id, ok := pickJob(ctx, svc, clientID); ok {
				if _, err := svc.RequestRefund(ctx, clientID, id); !expected(err) {
					return fmt.Errorf("client refund %d: %w", id, err)
				}
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Provider marks random jobs it serves as complete, racing the client's
// refunds for the completion flag.
func Provider(ctx context.Context, svc *escrow.Service, providerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if id, ok := pickJob(ctx, svc, providerID); ok {
			if _, err := svc.MarkJobComplete(ctx, providerID, id); !expected(err) {
				return fmt.Errorf("provider complete %d: %w", id, err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Auditor reads jobs and timelines it has no business seeing, expecting the
// party checks to hold under load.
func Auditor(ctx context.Context, svc *escrow.Service, outsiderID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		_, err := svc.GetJob(ctx, outsiderID, int64(1+rand.Intn(100)))
		if !expected(err) {
			return fmt.Errorf("auditor get: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, with a simulated random failure bumping attempts.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

func pickJob(ctx context.Context, svc *escrow.Service, partyID string) (int64, bool) {
	jobs, err := svc.ListJobs(ctx, partyID)
	if err != nil || len(jobs) == 0 {
		return 0, false
	}
	return jobs[rand.Intn(len(jobs))].ID, true
}
