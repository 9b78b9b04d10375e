// Package walletjournal defines the completion journal used to resolve
// spec.md §9's open question on partial-settle's second ledger write: if
// the process crashes between the wallet OCC update and the second
// ledger entry, this journal row lets a recovery pass re-derive and write
// the missing entry instead of losing it silently.
package walletjournal

import "time"

// Status is a journal row's resolution state.
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusComplete   Status = "complete"
)

// PendingCompletion records a partial-settle operation's intent before
// the user-wallet OCC update is applied, and is cleared only after both
// the refund and settlement ledger entries are durably written.
type PendingCompletion struct {
	TransactionID string    `bson:"transactionId" json:"transactionId"`
	EscrowID      string    `bson:"escrowId" json:"escrowId"`
	UserID        string    `bson:"userId" json:"userId"`
	ModelID       string    `bson:"modelId" json:"modelId"`
	RefundAmount  int64     `bson:"refundAmount" json:"refundAmount"`
	SettleAmount  int64     `bson:"settleAmount" json:"settleAmount"`
	RefundKey     string    `bson:"refundIdempotencyKey" json:"refundIdempotencyKey"`
	SettleKey     string    `bson:"settleIdempotencyKey" json:"settleIdempotencyKey"`
	WalletUpdated bool      `bson:"walletUpdated" json:"walletUpdated"`
	RefundWritten bool      `bson:"refundWritten" json:"refundWritten"`
	SettleWritten bool      `bson:"settleWritten" json:"settleWritten"`
	Status        Status    `bson:"status" json:"status"`
	CreatedAt     time.Time `bson:"createdAt" json:"createdAt"`
}

// IsComplete reports whether both ledger entries have landed.
func (p *PendingCompletion) IsComplete() bool {
	return p.RefundWritten && p.SettleWritten
}
