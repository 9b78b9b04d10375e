// Package reservation implements spec.md §4.5's thinner analog of
// escrow: a TTL-bounded hold against available balance with no bound
// counterparty at creation time.
package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/event"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/idempotency"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/ledger"
	resv "github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/reservation"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/wallet"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/eventbus"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/ledgerstore"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/fingerprint"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mcontext"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
)

const defaultCurrency = "points"

// OCC defaults match walletengine's, since the same wallet store backs
// both subsystems.
const (
	occMaxAttempts = 3
	occBaseDelay   = 100 * time.Millisecond
)

// Service implements reserve/commit/release plus the expiry sweep.
type Service struct {
	reservations Repository
	wallets      WalletRepository
	modelWallets ModelWalletRepository
	ledger       *ledgerstore.Service
	bus          *eventbus.Bus
}

// NewService builds a reservation.Service. modelWallets backs Commit's
// settle-to-recipient path; it may be nil if this deployment only ever
// commits without a recipientID (pure consume), though passing the real
// adapter costs nothing when unused.
func NewService(reservations Repository, wallets WalletRepository, modelWallets ModelWalletRepository, ledger *ledgerstore.Service, bus *eventbus.Bus) *Service {
	return &Service{reservations: reservations, wallets: wallets, modelWallets: modelWallets, ledger: ledger, bus: bus}
}

// Fingerprint sources capture each operation's business payload for
// idempotency-conflict detection (merr.IdempotencyConflictError); the
// idempotency key, capability token, and request id are deliberately
// excluded since they legitimately vary across retries of the same
// logical request.
type reserveFP struct {
	UserID     string
	Amount     int64
	TTLSeconds int
}

type commitFP struct {
	ReservationID string
	RecipientID   string
}

type releaseFP struct {
	ReservationID string
}

// ReserveResult is Reserve's response.
type ReserveResult struct {
	ReservationID string    `json:"reservationId"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Reserve atomically decrements available balance and writes a ledger
// entry recording the hold. ttlSeconds of 0 applies
// reservation.DefaultTTLSeconds.
func (s *Service) Reserve(ctx context.Context, userID string, amount int64, ttlSeconds int, idemKey string) (*ReserveResult, error) {
	if amount <= 0 {
		return nil, merr.ValidationError{Field: "amount", Message: "must be > 0"}
	}

	fp, err := fingerprint.Of(reserveFP{UserID: userID, Amount: amount, TTLSeconds: ttlSeconds})
	if err != nil {
		return nil, err
	}

	check, err := s.ledger.CheckIdempotency(ctx, idemKey, idempotency.ScopeReserve, fp)
	if err != nil {
		return nil, err
	}

	if check.IsDuplicate {
		return nil, merr.ConflictError{EntityType: "reservation", Message: "idempotency key already used for reserve"}
	}

	if ttlSeconds <= 0 {
		ttlSeconds = resv.DefaultTTLSeconds
	}

	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(ttlSeconds) * time.Second)
	reservationID := uuid.NewString()

	var previousBalance, newAvailable int64

	err = runOCC(ctx, userID, func(ctx context.Context) (bool, error) {
		w, werr := s.wallets.FindByUserID(ctx, userID)
		if werr != nil {
			return false, werr
		}

		if w == nil {
			return false, merr.InsufficientBalanceError{WalletID: userID, Requested: amount, Available: 0}
		}

		if w.AvailableBalance < amount {
			return false, merr.InsufficientBalanceError{WalletID: userID, Requested: amount, Available: w.AvailableBalance}
		}

		previousBalance = w.AvailableBalance
		newAvailable = w.AvailableBalance - amount

		return s.wallets.ConditionalUpdate(ctx, userID, w.Version, newAvailable, w.EscrowBalance)
	})
	if err != nil {
		return nil, err
	}

	r := &resv.Reservation{
		ReservationID: reservationID,
		UserID:        userID,
		Amount:        amount,
		Status:        resv.StatusActive,
		TTLSeconds:    ttlSeconds,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
	}

	if err := s.reservations.Create(ctx, r); err != nil {
		return nil, err
	}

	if _, err := s.ledger.CreateEntry(ctx, ledger.CreateEntryRequest{
		AccountID:      userID,
		AccountType:    ledger.AccountTypeUser,
		Amount:         -amount,
		Type:           ledger.EntryTypeDebit,
		BalanceState:   ledger.BalanceStateAvailable,
		Reason:         "reservation_hold",
		BalanceBefore:  previousBalance,
		BalanceAfter:   newAvailable,
		Currency:       defaultCurrency,
		IdempotencyKey: idemKey,
		TransactionID:  reservationID,
	}); err != nil {
		return nil, err
	}

	result := &ReserveResult{ReservationID: reservationID, ExpiresAt: expiresAt}

	if err := s.ledger.StoreIdempotencyResult(ctx, idemKey, idempotency.ScopeReserve, fp, nil, 200, idempotency.DefaultOperationalTTL); err != nil {
		return nil, err
	}

	s.publish(ctx, event.TypeBalanceUpdated, userID, amount, newAvailable, idemKey)

	return result, nil
}

// Commit transitions a reservation active->committed, settling the
// reserved amount to recipientID (if given) or simply consuming it.
func (s *Service) Commit(ctx context.Context, reservationID, idemKey, recipientID string) error {
	fp, err := fingerprint.Of(commitFP{ReservationID: reservationID, RecipientID: recipientID})
	if err != nil {
		return err
	}

	check, err := s.ledger.CheckIdempotency(ctx, idemKey, idempotency.ScopeCommit, fp)
	if err != nil {
		return err
	}

	if check.IsDuplicate {
		return nil
	}

	r, err := s.lookupActionable(ctx, reservationID)
	if err != nil {
		return err
	}

	transactionID := uuid.NewString()

	applied, err := s.reservations.ConditionalTransition(ctx, reservationID, resv.StatusCommitted, transactionID, recipientID)
	if err != nil {
		return err
	}

	if !applied {
		return merr.ConflictError{EntityType: "reservation", Message: fmt.Sprintf("reservation %s already processed", reservationID)}
	}

	if _, err := s.ledger.CreateEntry(ctx, ledger.CreateEntryRequest{
		AccountID:      r.UserID,
		AccountType:    ledger.AccountTypeUser,
		Amount:         -r.Amount,
		Type:           ledger.EntryTypeDebit,
		BalanceState:   ledger.BalanceStateAvailable,
		Reason:         "reservation_commit",
		BalanceBefore:  r.Amount,
		BalanceAfter:   0,
		Currency:       defaultCurrency,
		IdempotencyKey: idemKey,
		TransactionID:  transactionID,
	}); err != nil {
		return err
	}

	if recipientID != "" {
		if err := s.settleToRecipient(ctx, r, recipientID, idemKey, transactionID); err != nil {
			return err
		}
	}

	return s.ledger.StoreIdempotencyResult(ctx, idemKey, idempotency.ScopeCommit, fp, nil, 200, idempotency.DefaultOperationalTTL)
}

// settleToRecipient credits recipientID's model wallet with r.Amount and
// records the matching earned-balance ledger entry, mirroring
// walletengine.SettleEscrow's model-wallet credit.
func (s *Service) settleToRecipient(ctx context.Context, r *resv.Reservation, recipientID, idemKey, transactionID string) error {
	if _, err := s.loadOrCreateModelWallet(ctx, recipientID); err != nil {
		return err
	}

	var newEarned int64

	err := runOCC(ctx, recipientID, func(ctx context.Context) (bool, error) {
		current, err := s.modelWallets.FindByModelID(ctx, recipientID)
		if err != nil {
			return false, err
		}

		newEarned = current.EarnedBalance + r.Amount

		return s.modelWallets.ConditionalUpdate(ctx, recipientID, current.Version, newEarned)
	})
	if err != nil {
		return err
	}

	_, err = s.ledger.CreateEntry(ctx, ledger.CreateEntryRequest{
		AccountID:       recipientID,
		AccountType:     ledger.AccountTypeModel,
		Amount:          r.Amount,
		Type:            ledger.EntryTypeCredit,
		BalanceState:    ledger.BalanceStateEarned,
		StateTransition: "reserved->earned",
		Reason:          "reservation_commit_settle",
		BalanceBefore:   newEarned - r.Amount,
		BalanceAfter:    newEarned,
		Currency:        defaultCurrency,
		IdempotencyKey:  idemKey + "_settle",
		TransactionID:   transactionID,
	})

	return err
}

// Release transitions a reservation active->released, restoring the
// held amount to available.
func (s *Service) Release(ctx context.Context, reservationID, idemKey string) error {
	fp, err := fingerprint.Of(releaseFP{ReservationID: reservationID})
	if err != nil {
		return err
	}

	check, err := s.ledger.CheckIdempotency(ctx, idemKey, idempotency.ScopeRelease, fp)
	if err != nil {
		return err
	}

	if check.IsDuplicate {
		return nil
	}

	r, err := s.lookupActionable(ctx, reservationID)
	if err != nil {
		return err
	}

	transactionID := uuid.NewString()

	var newAvailable int64

	err = runOCC(ctx, r.UserID, func(ctx context.Context) (bool, error) {
		w, werr := s.wallets.FindByUserID(ctx, r.UserID)
		if werr != nil {
			return false, werr
		}

		newAvailable = w.AvailableBalance + r.Amount

		return s.wallets.ConditionalUpdate(ctx, r.UserID, w.Version, newAvailable, w.EscrowBalance)
	})
	if err != nil {
		return err
	}

	applied, err := s.reservations.ConditionalTransition(ctx, reservationID, resv.StatusReleased, transactionID, "")
	if err != nil {
		return err
	}

	if !applied {
		return merr.ConflictError{EntityType: "reservation", Message: fmt.Sprintf("reservation %s already processed", reservationID)}
	}

	if _, err := s.ledger.CreateEntry(ctx, ledger.CreateEntryRequest{
		AccountID:      r.UserID,
		AccountType:    ledger.AccountTypeUser,
		Amount:         r.Amount,
		Type:           ledger.EntryTypeCredit,
		BalanceState:   ledger.BalanceStateAvailable,
		Reason:         "reservation_release",
		BalanceBefore:  newAvailable - r.Amount,
		BalanceAfter:   newAvailable,
		Currency:       defaultCurrency,
		IdempotencyKey: idemKey,
		TransactionID:  transactionID,
	}); err != nil {
		return err
	}

	if err := s.ledger.StoreIdempotencyResult(ctx, idemKey, idempotency.ScopeRelease, fp, nil, 200, idempotency.DefaultOperationalTTL); err != nil {
		return err
	}

	s.publish(ctx, event.TypeBalanceUpdated, r.UserID, r.Amount, newAvailable, idemKey)

	return nil
}

// loadOrCreateModelWallet mirrors walletengine's lazy model-wallet creation
// so a recipient's first commit settlement doesn't need a pre-existing row.
func (s *Service) loadOrCreateModelWallet(ctx context.Context, modelID string) (*wallet.ModelWallet, error) {
	w, err := s.modelWallets.FindByModelID(ctx, modelID)
	if err != nil {
		return nil, err
	}

	if w != nil {
		return w, nil
	}

	w = wallet.NewModelWallet(modelID, defaultCurrency, wallet.ModelTypeEarnings, time.Now().UTC())

	if err := s.modelWallets.Create(ctx, w); err != nil {
		return nil, err
	}

	return w, nil
}

// lookupActionable loads a reservation and rejects terminal/expired rows
// with the spec's distinct error codes.
func (s *Service) lookupActionable(ctx context.Context, reservationID string) (*resv.Reservation, error) {
	r, err := s.reservations.FindByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	if r == nil {
		return nil, merr.NotFoundError{EntityType: "reservation", Message: fmt.Sprintf("reservation %s not found", reservationID)}
	}

	if r.IsExpired(time.Now().UTC()) {
		return nil, merr.ExpiredError{EntityType: "reservation", Message: fmt.Sprintf("reservation %s expired", reservationID)}
	}

	if r.Status != resv.StatusActive {
		return nil, merr.AlreadyProcessedError{EntityType: "reservation", Message: fmt.Sprintf("reservation %s already %s", reservationID, r.Status)}
	}

	return r, nil
}

// SweepExpired transitions overdue active reservations to expired and
// restores their held amount to available. The sweeper only ever
// transitions from active, so it loses cleanly to a concurrent commit
// or release on the same row.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	logger := mcontext.NewLoggerFromContext(ctx)

	expired, err := s.reservations.FindExpiredActive(ctx, time.Now().UTC().Unix())
	if err != nil {
		return 0, err
	}

	swept := 0

	for _, r := range expired {
		var newAvailable int64

		err := runOCC(ctx, r.UserID, func(ctx context.Context) (bool, error) {
			w, werr := s.wallets.FindByUserID(ctx, r.UserID)
			if werr != nil {
				return false, werr
			}

			newAvailable = w.AvailableBalance + r.Amount

			return s.wallets.ConditionalUpdate(ctx, r.UserID, w.Version, newAvailable, w.EscrowBalance)
		})
		if err != nil {
			logger.Errorf("reservation: sweep restore balance for %s: %v", r.ReservationID, err)
			continue
		}

		applied, err := s.reservations.ConditionalTransition(ctx, r.ReservationID, resv.StatusExpired, "", "")
		if err != nil {
			logger.Errorf("reservation: sweep transition %s: %v", r.ReservationID, err)
			continue
		}

		if !applied {
			// Lost the race to a concurrent commit/release; the other
			// transition's ledger entry already accounts for the funds.
			continue
		}

		if _, err := s.ledger.CreateEntry(ctx, ledger.CreateEntryRequest{
			AccountID:      r.UserID,
			AccountType:    ledger.AccountTypeUser,
			Amount:         r.Amount,
			Type:           ledger.EntryTypeCredit,
			BalanceState:   ledger.BalanceStateAvailable,
			Reason:         "reservation_expired",
			BalanceBefore:  newAvailable - r.Amount,
			BalanceAfter:   newAvailable,
			Currency:       defaultCurrency,
			IdempotencyKey: "sweep_" + r.ReservationID,
			TransactionID:  uuid.NewString(),
		}); err != nil {
			logger.Errorf("reservation: sweep ledger entry for %s: %v", r.ReservationID, err)
			continue
		}

		swept++
	}

	return swept, nil
}

func (s *Service) publish(ctx context.Context, t event.Type, userID string, amount, available int64, idemKey string) {
	s.bus.Publish(ctx, event.Envelope{
		EventID:        uuid.NewString(),
		EventType:      t,
		IdempotencyKey: idemKey,
		Timestamp:      time.Now().UTC(),
		Source:         "reservation",
		Version:        event.EnvelopeVersion,
		Payload: map[string]any{
			"accountId":   userID,
			"accountType": string(ledger.AccountTypeUser),
			"amount":      amount,
			"available":   available,
		},
	})
}

func runOCC(ctx context.Context, userID string, fn func(ctx context.Context) (bool, error)) error {
	delay := occBaseDelay

	for attempt := 1; attempt <= occMaxAttempts; attempt++ {
		applied, err := fn(ctx)
		if err != nil {
			return err
		}

		if applied {
			return nil
		}

		if attempt == occMaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
	}

	return merr.OptimisticLockError{EntityType: "wallet", EntityID: userID, Attempts: occMaxAttempts}
}
