// Package transaction defines the transaction projection row (spec §3
// "Transaction (projection row)").
package transaction

import "time"

// Direction indicates which party owes the money.
type Direction string

const (
	Owed Direction = "owed"
	Lent Direction = "lent"
)

// Transaction is the current-state view of a transaction aggregate. Amount
// is an integer in the smallest currency unit, per spec §3.
type Transaction struct {
	ID          string    `json:"id" db:"id"`
	WalletID    string    `json:"wallet_id" db:"wallet_id"`
	ContactID   string    `json:"contact_id" db:"contact_id"`
	Amount      int64     `json:"amount" db:"amount"`
	Currency    string    `json:"currency" db:"currency"`
	Direction   Direction `json:"direction" db:"direction"`
	Description string    `json:"description" db:"description"`
	OccurredAt  time.Time `json:"occurred_at" db:"occurred_at"`
	DueAt       *time.Time `json:"due_at,omitempty" db:"due_at"`
	Deleted     bool      `json:"deleted" db:"deleted"`
	Version     int       `json:"version" db:"version"`
}
