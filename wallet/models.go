package wallet

import "time"

// Kind distinguishes party accounts from the ledger's custody account.
type Kind string

const (
	KindUser    Kind = "user"
	KindCustody Kind = "custody"
)

// CustodyAccountID is the singleton account holding escrowed funds between
// deposit and release. Seeded by the schema migration.
const CustodyAccountID = "escrow-custody"

// Account mirrors the accounts table.
type Account struct {
	ID        string
	UserID    *string
	Kind      Kind
	Balance   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}
