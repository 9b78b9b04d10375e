// Package ledger defines the immutable, append-only ledger entry and the
// query/reconciliation shapes the ledger store exposes over it.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType distinguishes which wallet family an entry's accountId
// refers to.
type AccountType string

const (
	AccountTypeUser  AccountType = "user"
	AccountTypeModel AccountType = "model"
)

// EntryType is the signed direction of an entry's amount.
type EntryType string

const (
	EntryTypeCredit EntryType = "credit"
	EntryTypeDebit  EntryType = "debit"
)

// BalanceState names which bucket on the account an entry moved.
type BalanceState string

const (
	BalanceStateAvailable BalanceState = "available"
	BalanceStateEscrow    BalanceState = "escrow"
	BalanceStateEarned    BalanceState = "earned"
)

// Entry is a single, immutable record of a value movement in one balance
// bucket. Corrections are never made in place; an equal-and-opposite
// entry is appended instead.
type Entry struct {
	EntryID         string         `bson:"entryId" json:"entryId"`
	TransactionID   string         `bson:"transactionId" json:"transactionId"`
	AccountID       string         `bson:"accountId" json:"accountId"`
	AccountType     AccountType    `bson:"accountType" json:"accountType"`
	Amount          int64          `bson:"amount" json:"amount"`
	Type            EntryType      `bson:"type" json:"type"`
	BalanceState    BalanceState   `bson:"balanceState" json:"balanceState"`
	StateTransition string         `bson:"stateTransition" json:"stateTransition"`
	Reason          string         `bson:"reason" json:"reason"`
	BalanceBefore   int64          `bson:"balanceBefore" json:"balanceBefore"`
	BalanceAfter    int64          `bson:"balanceAfter" json:"balanceAfter"`
	Timestamp       time.Time      `bson:"timestamp" json:"timestamp"`
	Currency        string         `bson:"currency" json:"currency"`
	IdempotencyKey  string         `bson:"idempotencyKey" json:"idempotencyKey"`
	EscrowID        string         `bson:"escrowId,omitempty" json:"escrowId,omitempty"`
	QueueItemID     string         `bson:"queueItemId,omitempty" json:"queueItemId,omitempty"`
	FeatureType     string         `bson:"featureType,omitempty" json:"featureType,omitempty"`
	CorrelationID   string         `bson:"correlationId,omitempty" json:"correlationId,omitempty"`
	Metadata        map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// CreateEntryRequest carries everything needed to append one entry.
type CreateEntryRequest struct {
	AccountID       string
	AccountType     AccountType
	Amount          int64
	Type            EntryType
	BalanceState    BalanceState
	StateTransition string
	Reason          string
	BalanceBefore   int64
	BalanceAfter    int64
	Currency        string
	IdempotencyKey  string
	TransactionID   string
	RequestID       string
	EscrowID        string
	QueueItemID     string
	FeatureType     string
	CorrelationID   string
	Metadata        map[string]any
}

// SortField names the fields queryEntries may sort by.
type SortField string

const (
	SortByTimestamp SortField = "timestamp"
	SortByAmount    SortField = "amount"
)

// SortDirection is ascending or descending.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// MaxPageSize bounds queryEntries; requests over this are silently
// clamped rather than rejected.
const MaxPageSize = 1000

// Filter narrows a queryEntries call. Zero-value fields are unfiltered.
type Filter struct {
	AccountID    string
	AccountType  AccountType
	Type         EntryType
	Reason       string
	BalanceState BalanceState
	EscrowID     string
	QueueItemID  string
	FeatureType  string
	From         *time.Time
	To           *time.Time
	Page         int
	PageSize     int
	SortField    SortField
	SortDir      SortDirection
}

// Normalize clamps paging and applies the default sort, matching
// queryEntries's "requests over the max are silently clamped" contract.
func (f Filter) Normalize() Filter {
	if f.PageSize <= 0 || f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}

	if f.Page < 1 {
		f.Page = 1
	}

	if f.SortField == "" {
		f.SortField = SortByTimestamp
	}

	if f.SortDir == "" {
		f.SortDir = SortDesc
	}

	return f
}

// Page is one page of queryEntries results.
type Page struct {
	Entries    []*Entry
	TotalCount int64
	HasMore    bool
}

// BalanceSnapshot is the last-known-good balance computed by scanning
// entries up to AsOf. For users: Available and Escrow; for models:
// Earned.
type BalanceSnapshot struct {
	AccountID string
	Available *int64
	Escrow    *int64
	Earned    *int64
	AsOf      time.Time
	Currency  string
}

// ReconciliationReport compares the ledger's calculated balance against
// the wallet's actual stored balance over a date range. A non-reconciled
// report is a hard alert, never silently corrected.
type ReconciliationReport struct {
	AccountID         string
	StartingBalance   int64
	TotalCredits      int64
	TotalDebits       int64
	CalculatedBalance int64
	ActualBalance     int64
	Difference        decimal.Decimal
	Reconciled        bool
}

// ReconciliationThreshold is the maximum allowed |difference| for a report
// to be considered reconciled, expressed as decimal.Decimal rather than a
// float so the comparison never drifts on binary-fraction rounding.
var ReconciliationThreshold = decimal.NewFromFloat(0.01)
