package walletengine

import (
	"context"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/escrow"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/wallet"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/walletjournal"
)

// WalletRepository is the persistence boundary for user wallets.
//
//go:generate mockgen --destination=wallet_repository_mock.go --package=walletengine . WalletRepository
type WalletRepository interface {
	FindByUserID(ctx context.Context, userID string) (*wallet.Wallet, error)
	Create(ctx context.Context, w *wallet.Wallet) error
	// ConditionalUpdate applies newAvailable/newEscrow iff the stored
	// version still equals expectedVersion, bumping version by one.
	// Returns applied=false (no error) on a lost race.
	ConditionalUpdate(ctx context.Context, userID string, expectedVersion int64, newAvailable, newEscrow int64) (applied bool, err error)
}

// ModelWalletRepository is the persistence boundary for counterparty
// earnings wallets.
//
//go:generate mockgen --destination=model_wallet_repository_mock.go --package=walletengine . ModelWalletRepository
type ModelWalletRepository interface {
	FindByModelID(ctx context.Context, modelID string) (*wallet.ModelWallet, error)
	Create(ctx context.Context, w *wallet.ModelWallet) error
	ConditionalUpdate(ctx context.Context, modelID string, expectedVersion int64, newEarned int64) (applied bool, err error)
}

// EscrowRepository is the persistence boundary for escrow items.
//
//go:generate mockgen --destination=escrow_repository_mock.go --package=walletengine . EscrowRepository
type EscrowRepository interface {
	Create(ctx context.Context, item *escrow.Item) error
	FindByEscrowID(ctx context.Context, escrowID string) (*escrow.Item, error)
	FindByQueueItemID(ctx context.Context, queueItemID string) (*escrow.Item, error)
	// ConditionalTransition moves an item from "held" to to, filtered on
	// status="held" so it loses cleanly to a concurrent sweeper or
	// duplicate settle/refund attempt.
	ConditionalTransition(ctx context.Context, escrowID string, to escrow.Status, modelID string) (applied bool, err error)
	Delete(ctx context.Context, escrowID string) error
}

// JournalRepository is the persistence boundary for the partial-settle
// completion journal (internal/domain/walletjournal).
//
//go:generate mockgen --destination=journal_repository_mock.go --package=walletengine . JournalRepository
type JournalRepository interface {
	Create(ctx context.Context, j *walletjournal.PendingCompletion) error
	MarkWalletUpdated(ctx context.Context, transactionID string) error
	MarkRefundWritten(ctx context.Context, transactionID string) error
	MarkSettleWritten(ctx context.Context, transactionID string) error
	MarkComplete(ctx context.Context, transactionID string) error
	FindIncomplete(ctx context.Context) ([]*walletjournal.PendingCompletion, error)
}
