package wallet

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Service exposes account management plus the custody transfer paths the
// escrow ledger moves value through.
type Service struct {
	repo  *Repository
	idGen func() string
}

// NewService builds a Service using the provided repository.
func NewService(repo *Repository) *Service {
	return &Service{
		repo:  repo,
		idGen: func() string { return uuid.NewString() },
	}
}

// WithIDGenerator overrides account id generation, primarily for tests.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// OpenForUser creates the user's account with an opening balance.
func (s *Service) OpenForUser(ctx context.Context, userID string, openingBalance int64) (Account, error) {
	return s.repo.Create(ctx, s.idGen(), userID, openingBalance)
}

// GetForUser returns the account owned by the given user.
func (s *Service) GetForUser(ctx context.Context, userID string) (Account, error) {
	return s.repo.GetByUser(ctx, userID)
}

// Custody returns the ledger's custody account.
func (s *Service) Custody(ctx context.Context) (Account, error) {
	return s.repo.GetByID(ctx, CustodyAccountID)
}

// ToCustody moves amount from the user's account into escrow custody within
// the caller's transaction.
func (s *Service) ToCustody(ctx context.Context, tx pgx.Tx, userID string, amount int64) error {
	acctID, err := s.repo.AccountIDForUser(ctx, tx, userID)
	if err != nil {
		return err
	}
	return s.repo.Transfer(ctx, tx, acctID, CustodyAccountID, amount)
}

// FromCustody releases amount from escrow custody to the user's account
// within the caller's transaction.
func (s *Service) FromCustody(ctx context.Context, tx pgx.Tx, userID string, amount int64) error {
	acctID, err := s.repo.AccountIDForUser(ctx, tx, userID)
	if err != nil {
		return err
	}
	return s.repo.Transfer(ctx, tx, CustodyAccountID, acctID, amount)
}
