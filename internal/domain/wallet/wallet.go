// Package wallet defines the dual-balance user wallet and the
// counterparty ("model") earnings wallet, the two entities the wallet
// engine mutates exclusively under optimistic concurrency control.
package wallet

import "time"

// Wallet is a user's dual-balance account: funds available for spend and
// funds held in escrow against a specific external work item. available +
// escrow is conserved across any hold; escrow is conserved across any
// settle/refund.
type Wallet struct {
	UserID           string    `bson:"userId" json:"userId"`
	AvailableBalance int64     `bson:"availableBalance" json:"availableBalance"`
	EscrowBalance    int64     `bson:"escrowBalance" json:"escrowBalance"`
	Currency         string    `bson:"currency" json:"currency"`
	Version          int64     `bson:"version" json:"version"`
	CreatedAt        time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time `bson:"updatedAt" json:"updatedAt"`
}

// ModelType distinguishes a counterparty's earnings source, carried on the
// model wallet for reporting/reconciliation segmentation.
type ModelType string

const (
	ModelTypePromotional ModelType = "promotional"
	ModelTypeEarnings    ModelType = "earnings"
)

// ModelWallet is a counterparty's earnings accumulator. EarnedBalance only
// increases, via settlement; there is no direct debit path.
type ModelWallet struct {
	ModelID       string    `bson:"modelId" json:"modelId"`
	EarnedBalance int64     `bson:"earnedBalance" json:"earnedBalance"`
	Type          ModelType `bson:"type" json:"type"`
	Currency      string    `bson:"currency" json:"currency"`
	Version       int64     `bson:"version" json:"version"`
	CreatedAt     time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt     time.Time `bson:"updatedAt" json:"updatedAt"`
}

// NewWallet lazily constructs a zero-balance wallet for userId, the shape
// created on first mutation rather than upfront provisioning.
func NewWallet(userID, currency string, now time.Time) *Wallet {
	return &Wallet{
		UserID:    userID,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewModelWallet lazily constructs a zero-balance model wallet.
func NewModelWallet(modelID, currency string, modelType ModelType, now time.Time) *ModelWallet {
	return &ModelWallet{
		ModelID:   modelID,
		Type:      modelType,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
