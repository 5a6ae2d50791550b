package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrInvalidAmount signals inconsistent creation arguments.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrUnauthorized signals the caller is not the required party.
	ErrUnauthorized = errors.New("escrow: caller is not the required party")
	// ErrAlreadyReleased signals the tranche was already paid out.
	ErrAlreadyReleased = errors.New("escrow: payment already released")
	// ErrAlreadyCompleted signals the job was already marked complete.
	ErrAlreadyCompleted = errors.New("escrow: job already completed")
	// ErrNotCompleted signals the final release requires completion first.
	ErrNotCompleted = errors.New("escrow: job not completed")
	// ErrTransferFailed signals the underlying value movement did not succeed.
	// The operation leaves all state unchanged; callers may re-invoke.
	ErrTransferFailed = errors.New("escrow: value transfer failed")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// JobStore defines the data access required by the ledger.
type JobStore interface {
	InsertJob(ctx context.Context, tx pgx.Tx, params InsertJobParams) (Job, error)
	GetJobForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Job, error)
	UpdateFlags(ctx context.Context, tx pgx.Tx, id int64, initialPaid, completed, finalPaid bool) error
	AppendEvent(ctx context.Context, tx pgx.Tx, jobID int64, eventType, actorID string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	GetJob(ctx context.Context, id int64) (Job, error)
	ListForParty(ctx context.Context, userID string) ([]Job, error)
}

// ValueTransfer moves funds between a party and the ledger's escrow custody
// inside the caller's transaction. Implementations must be atomic: on error
// neither side changes.
type ValueTransfer interface {
	ToCustody(ctx context.Context, tx pgx.Tx, userID string, amount int64) error
	FromCustody(ctx context.Context, tx pgx.Tx, userID string, amount int64) error
}

// Service is the escrow ledger: guarded mutators over job records. Every
// operation runs as one transaction holding the job's row lock across
// precondition check, value transfer and flag update, with the transfer
// ordered before the flag flip so a released flag always means funds moved.
type Service struct {
	pool     TxBeginner
	repo     JobStore
	transfer ValueTransfer
}

// NewService wires the ledger with its storage and transfer collaborators.
func NewService(pool TxBeginner, repo JobStore, transfer ValueTransfer) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		transfer: transfer,
	}
}

// CreateJobParams carries the createJob arguments. DepositedValue must equal
// InitialPayment; the deposit is escrowed atomically with the job row.
type CreateJobParams struct {
	CallerID       string
	ProviderID     string
	TotalPayment   int64
	InitialPayment int64
	DepositedValue int64
}

// CreateJob allocates the next job identifier, escrows the initial deposit
// and stores the new job with all flags false. The caller becomes the job's
// client. On any failure the caller is not charged.
func (s *Service) CreateJob(ctx context.Context, params CreateJobParams) (Job, error) {
	if params.CallerID == "" {
		return Job{}, fmt.Errorf("escrow: missing caller id")
	}
	if params.ProviderID == "" {
		return Job{}, fmt.Errorf("escrow: missing provider id")
	}
	if params.TotalPayment < 0 || params.InitialPayment < 0 || params.InitialPayment > params.TotalPayment {
		return Job{}, ErrInvalidAmount
	}
	if params.DepositedValue != params.InitialPayment {
		return Job{}, ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.transfer.ToCustody(ctx, tx, params.CallerID, params.DepositedValue); err != nil {
		return Job{}, fmt.Errorf("%w: deposit: %w", ErrTransferFailed, err)
	}

	job, err := s.repo.InsertJob(ctx, tx, InsertJobParams{
		ClientID:       params.CallerID,
		ProviderID:     params.ProviderID,
		TotalPayment:   params.TotalPayment,
		InitialPayment: params.InitialPayment,
	})
	if err != nil {
		return Job{}, err
	}

	payload := map[string]any{
		"client_id":     job.ClientID,
		"provider_id":   job.ProviderID,
		"total_payment": job.TotalPayment,
	}
	if err := s.repo.AppendEvent(ctx, tx, job.ID, EventJobCreated, params.CallerID, payload); err != nil {
		return Job{}, err
	}
	payload["job_id"] = job.ID
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicJobCreated, payload); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return job, nil
}

// ReleaseInitialPayment transfers the initial tranche from escrow custody to
// the provider. Only the job's client may release, and only once.
func (s *Service) ReleaseInitialPayment(ctx context.Context, callerID string, jobID int64) (Job, error) {
	return s.mutate(ctx, callerID, jobID, func(tx pgx.Tx, job *Job) (string, string, error) {
		if RoleOf(callerID, *job) != PartyClient {
			return "", "", ErrUnauthorized
		}
		if job.InitialPaid {
			return "", "", ErrAlreadyReleased
		}
		if err := s.transfer.FromCustody(ctx, tx, job.ProviderID, job.InitialPayment); err != nil {
			return "", "", fmt.Errorf("%w: initial release: %w", ErrTransferFailed, err)
		}
		job.InitialPaid = true
		return EventInitialPaymentReleased, TopicInitialReleased, nil
	})
}

// MarkJobComplete records that the provider finished the work. Pure state
// transition; no value moves. Completion is terminal and permanently
// forecloses refunds.
func (s *Service) MarkJobComplete(ctx context.Context, callerID string, jobID int64) (Job, error) {
	return s.mutate(ctx, callerID, jobID, func(tx pgx.Tx, job *Job) (string, string, error) {
		if RoleOf(callerID, *job) != PartyProvider {
			return "", "", ErrUnauthorized
		}
		if job.Completed {
			return "", "", ErrAlreadyCompleted
		}
		job.Completed = true
		return EventJobCompleted, TopicJobCompleted, nil
	})
}

// ReleaseFinalPayment settles the final tranche to the provider after the
// work is marked complete. The tranche is collected from the client and
// forwarded through custody in the same transaction, so the provider is paid
// exactly once and only if the client can cover it.
func (s *Service) ReleaseFinalPayment(ctx context.Context, callerID string, jobID int64) (Job, error) {
	return s.mutate(ctx, callerID, jobID, func(tx pgx.Tx, job *Job) (string, string, error) {
		if RoleOf(callerID, *job) != PartyClient {
			return "", "", ErrUnauthorized
		}
		if !job.Completed {
			return "", "", ErrNotCompleted
		}
		if job.FinalPaid {
			return "", "", ErrAlreadyReleased
		}
		amount := job.FinalPayment()
		if err := s.transfer.ToCustody(ctx, tx, job.ClientID, amount); err != nil {
			return "", "", fmt.Errorf("%w: final collect: %w", ErrTransferFailed, err)
		}
		if err := s.transfer.FromCustody(ctx, tx, job.ProviderID, amount); err != nil {
			return "", "", fmt.Errorf("%w: final release: %w", ErrTransferFailed, err)
		}
		job.FinalPaid = true
		return EventFinalPaymentReleased, TopicFinalReleased, nil
	})
}

// RequestRefund returns the escrowed initial deposit to the client and
// clears the initial-paid flag. Forbidden once the job is complete. The
// refund pays out of custody, so a deposit the ledger no longer holds (a
// repeated refund, or a refund after the initial release) fails with
// ErrTransferFailed and changes nothing.
func (s *Service) RequestRefund(ctx context.Context, callerID string, jobID int64) (Job, error) {
	return s.mutate(ctx, callerID, jobID, func(tx pgx.Tx, job *Job) (string, string, error) {
		if RoleOf(callerID, *job) != PartyClient {
			return "", "", ErrUnauthorized
		}
		if job.Completed {
			return "", "", ErrAlreadyCompleted
		}
		if err := s.transfer.FromCustody(ctx, tx, job.ClientID, job.InitialPayment); err != nil {
			return "", "", fmt.Errorf("%w: refund: %w", ErrTransferFailed, err)
		}
		job.InitialPaid = false
		return EventRefundIssued, TopicRefundIssued, nil
	})
}

// GetJob returns the job if the caller is one of its parties.
func (s *Service) GetJob(ctx context.Context, callerID string, jobID int64) (Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if RoleOf(callerID, job) == PartyNone {
		return Job{}, ErrUnauthorized
	}
	return job, nil
}

// ListJobs returns every job in which the caller participates.
func (s *Service) ListJobs(ctx context.Context, callerID string) ([]Job, error) {
	return s.repo.ListForParty(ctx, callerID)
}

// mutate runs one guarded transition: lock the job row, let apply check
// preconditions and move value, persist the flags, append the notification
// and commit. Any error aborts the whole transaction.
func (s *Service) mutate(ctx context.Context, callerID string, jobID int64, apply func(tx pgx.Tx, job *Job) (eventType, topic string, err error)) (Job, error) {
	if callerID == "" {
		return Job{}, fmt.Errorf("escrow: missing caller id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.repo.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return Job{}, err
	}

	eventType, topic, err := apply(tx, &job)
	if err != nil {
		return Job{}, err
	}

	if err := s.repo.UpdateFlags(ctx, tx, job.ID, job.InitialPaid, job.Completed, job.FinalPaid); err != nil {
		return Job{}, err
	}

	if err := s.repo.AppendEvent(ctx, tx, job.ID, eventType, callerID, map[string]any{"job_id": job.ID}); err != nil {
		return Job{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, topic, map[string]any{"job_id": job.ID}); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("escrow: commit transition: %w", err)
	}
	return job, nil
}
