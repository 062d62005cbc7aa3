/*
Package ledger provides the business balance and its transaction log.

PURPOSE:
  The restaurant keeps one running monetary balance. Every event that moves
  money (a completed order, a delivery, an expense, a salary payment, a manual
  adjustment) is written to an append-mostly transaction log together with
  the balance before and after it. The log is the source of truth: the
  running balance can always be rebuilt by replaying it from zero.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money:       decimal amount, never float
  - Transaction: one log entry with before/after snapshots
  - Reference:   loose {kind, id} back-pointer to the entity that caused it
  - Balance:     the singleton running total plus low-balance threshold

SIGN CONVENTION:
  Amount is always a non-negative magnitude. The sign comes from the type:
    INCOME, REFUND      -> credit
    EXPENSE, SALARY     -> debit
    ADJUSTMENT          -> credit or debit, recorded in Direction

SEE ALSO:
  - service.go:   Ledger Service (recording, queries)
  - recompute.go: chronological replay
  - migrate.go:   historical backfill
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Money is a decimal monetary value.
type Money = decimal.Decimal

// DefaultLowBalanceThreshold is used when the balance row is created lazily.
var DefaultLowBalanceThreshold = decimal.NewFromInt(100000)

// =============================================================================
// TRANSACTION TYPE
// =============================================================================

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxIncome        TransactionType = "INCOME"
	TxExpense       TransactionType = "EXPENSE"
	TxSalaryPayment TransactionType = "SALARY_PAYMENT"
	TxAdjustment    TransactionType = "ADJUSTMENT"
	TxRefund        TransactionType = "REFUND"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TxIncome, TxExpense, TxSalaryPayment, TxAdjustment, TxRefund:
		return true
	}
	return false
}

// Direction records whether a transaction adds to or subtracts from the
// balance. Only adjustments can go either way.
type Direction string

const (
	Credit Direction = "CREDIT"
	Debit  Direction = "DEBIT"
)

// DirectionFor returns the natural direction of a transaction type.
func DirectionFor(t TransactionType) Direction {
	switch t {
	case TxExpense, TxSalaryPayment:
		return Debit
	default:
		return Credit
	}
}

// =============================================================================
// REFERENCE - polymorphic back-pointer
// =============================================================================

// ReferenceKind names the kind of entity a transaction points back to.
type ReferenceKind string

const (
	RefOrder         ReferenceKind = "ORDER"
	RefDelivery      ReferenceKind = "DELIVERY"
	RefExpense       ReferenceKind = "EXPENSE"
	RefSalaryPayment ReferenceKind = "SALARY_PAYMENT"
	RefBalance       ReferenceKind = "BALANCE"
)

// Reference is a lookup-only pointer to the source of a transaction.
// It is never an ownership edge; the referenced row may be gone.
type Reference struct {
	Kind ReferenceKind
	ID   *int64
}

// Ref builds a reference to a concrete entity.
func Ref(kind ReferenceKind, id int64) Reference {
	return Reference{Kind: kind, ID: &id}
}

// IsZero reports whether the reference points to nothing.
func (r Reference) IsZero() bool { return r.Kind == "" && r.ID == nil }

// Matches reports whether r points at the given kind and id.
func (r Reference) Matches(kind ReferenceKind, id int64) bool {
	return r.Kind == kind && r.ID != nil && *r.ID == id
}

func (r Reference) String() string {
	if r.ID == nil {
		return string(r.Kind)
	}
	return fmt.Sprintf("%s#%d", r.Kind, *r.ID)
}

// =============================================================================
// TRANSACTION
// =============================================================================

// TransactionID identifies a row of the transaction log.
type TransactionID int64

// Transaction is one entry of the log. Only BalanceBefore and BalanceAfter
// are ever rewritten, and only by recomputation.
type Transaction struct {
	ID            TransactionID
	Type          TransactionType
	Direction     Direction
	Amount        Money
	BalanceBefore Money
	BalanceAfter  Money
	Description   string
	Reference     Reference
	Notes         string
	CreatedAt     time.Time
}

// Delta is the signed effect of the transaction on the balance.
func (t Transaction) Delta() Money {
	dir := t.Direction
	if dir == "" {
		dir = DirectionFor(t.Type)
	}
	if dir == Debit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// Apply returns the balance after applying t to balance.
func (t Transaction) Apply(balance Money) Money {
	return balance.Add(t.Delta())
}

// =============================================================================
// BALANCE - singleton running total
// =============================================================================

// Balance is the singleton running total and its low-balance threshold.
type Balance struct {
	ID                  int64
	CurrentBalance      Money
	LowBalanceThreshold Money
	LastUpdated         time.Time

	// Transient is set when the value was built in memory because storage
	// could not be read or written. It is never persisted.
	Transient bool
}

// IsLow reports whether the balance is strictly below its threshold.
func (b Balance) IsLow() bool {
	return b.CurrentBalance.LessThan(b.LowBalanceThreshold)
}

// =============================================================================
// RESULTS
// =============================================================================

// Recorded is the outcome of a best-effort write. When Persisted is false the
// transaction exists only in memory and Cause says why.
type Recorded struct {
	Transaction Transaction
	Persisted   bool
	Cause       error
}

// TransactionFilter narrows ListTransactions. Zero fields are ignored.
type TransactionFilter struct {
	Type      TransactionType
	From      *time.Time
	To        *time.Time
	Reference *Reference
}
