package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrAccountNotFound signals the account (or the owning user) has no row.
	ErrAccountNotFound = errors.New("wallet: account not found")
	// ErrInsufficientFunds signals the debit side cannot cover the amount.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	// ErrInvalidAmount signals a negative transfer or deposit amount.
	ErrInvalidAmount = errors.New("wallet: invalid amount")
	// ErrDuplicateAccount signals the user already has an account.
	ErrDuplicateAccount = errors.New("wallet: account already exists")
)

// Repository provides access to account balances.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new account row for the given user with an opening balance.
func (r *Repository) Create(ctx context.Context, id, userID string, balance int64) (Account, error) {
	if balance < 0 {
		return Account{}, ErrInvalidAmount
	}

	const insertSQL = `
		INSERT INTO accounts (id, user_id, kind, balance)
		VALUES ($1, $2, 'user', $3)
		RETURNING id, user_id::text, kind, balance, created_at, updated_at
	`

	acct, err := scanAccount(r.pool.QueryRow(ctx, insertSQL, id, userID, balance))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateAccount
		}
		return Account{}, fmt.Errorf("wallet: create account: %w", err)
	}
	return acct, nil
}

// GetByUser fetches the account owned by the given user.
func (r *Repository) GetByUser(ctx context.Context, userID string) (Account, error) {
	const query = `
		SELECT id, user_id::text, kind, balance, created_at, updated_at
		FROM accounts
		WHERE user_id = $1
	`

	acct, err := scanAccount(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("wallet: get account by user: %w", err)
	}
	return acct, nil
}

// GetByID fetches an account by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Account, error) {
	const query = `
		SELECT id, user_id::text, kind, balance, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`

	acct, err := scanAccount(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("wallet: get account: %w", err)
	}
	return acct, nil
}

// Transfer moves amount between two accounts inside the caller's transaction.
// Both rows are locked in id order so concurrent transfers cannot deadlock,
// and the debit side's balance is checked before either side changes. A zero
// amount is a no-op.
func (r *Repository) Transfer(ctx context.Context, tx pgx.Tx, fromID, toID string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 || fromID == toID {
		return nil
	}

	first, second := fromID, toID
	if second < first {
		first, second = second, first
	}

	balances := make(map[string]int64, 2)
	rows, err := tx.Query(ctx, `SELECT id, balance FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, []string{first, second})
	if err != nil {
		return fmt.Errorf("wallet: lock accounts: %w", err)
	}
	for rows.Next() {
		var (
			id      string
			balance int64
		)
		if err := rows.Scan(&id, &balance); err != nil {
			rows.Close()
			return fmt.Errorf("wallet: scan locked account: %w", err)
		}
		balances[id] = balance
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("wallet: iterate locked accounts: %w", err)
	}
	if len(balances) != 2 {
		return ErrAccountNotFound
	}

	if balances[fromID] < amount {
		return ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance - $2, updated_at = get_tx_timestamp() WHERE id = $1`, fromID, amount); err != nil {
		return fmt.Errorf("wallet: debit %s: %w", fromID, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $2, updated_at = get_tx_timestamp() WHERE id = $1`, toID, amount); err != nil {
		return fmt.Errorf("wallet: credit %s: %w", toID, err)
	}
	return nil
}

// AccountIDForUser resolves the account id owned by userID within the
// caller's transaction.
func (r *Repository) AccountIDForUser(ctx context.Context, tx pgx.Tx, userID string) (string, error) {
	var id string
	if err := tx.QueryRow(ctx, `SELECT id FROM accounts WHERE user_id = $1`, userID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrAccountNotFound
		}
		return "", fmt.Errorf("wallet: resolve account for user: %w", err)
	}
	return id, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var acct Account
	err := row.Scan(
		&acct.ID,
		&acct.UserID,
		&acct.Kind,
		&acct.Balance,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}
