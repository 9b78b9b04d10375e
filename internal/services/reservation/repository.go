package reservation

import (
	"context"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/reservation"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/wallet"
)

// Repository is the persistence boundary for point reservations.
//
//go:generate mockgen --destination=repository_mock.go --package=reservation . Repository
type Repository interface {
	Create(ctx context.Context, r *reservation.Reservation) error
	FindByID(ctx context.Context, reservationID string) (*reservation.Reservation, error)
	// ConditionalTransition moves a reservation from "active" to to,
	// filtered on status="active" so it loses cleanly to a concurrent
	// sweeper or a duplicate commit/release call racing the same row.
	ConditionalTransition(ctx context.Context, reservationID string, to reservation.Status, transactionID, recipientID string) (applied bool, err error)
	FindExpiredActive(ctx context.Context, asOf int64) ([]*reservation.Reservation, error)
}

// WalletRepository is the subset of walletengine.WalletRepository
// reservation needs; the same adapter implementation satisfies both.
type WalletRepository interface {
	FindByUserID(ctx context.Context, userID string) (*wallet.Wallet, error)
	Create(ctx context.Context, w *wallet.Wallet) error
	ConditionalUpdate(ctx context.Context, userID string, expectedVersion int64, newAvailable, newEscrow int64) (applied bool, err error)
}

// ModelWalletRepository is the subset of walletengine.ModelWalletRepository
// reservation needs to settle a commit to a counterparty; the same
// adapter implementation satisfies both.
type ModelWalletRepository interface {
	FindByModelID(ctx context.Context, modelID string) (*wallet.ModelWallet, error)
	Create(ctx context.Context, w *wallet.ModelWallet) error
	ConditionalUpdate(ctx context.Context, modelID string, expectedVersion int64, newEarned int64) (applied bool, err error)
}
