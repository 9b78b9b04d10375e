// Package walletengine is the exclusive writer of wallet and escrow
// state. Every mutation runs under optimistic concurrency control and
// emits paired, immutable ledger entries before publishing its event.
package walletengine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/escrow"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/event"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/idempotency"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/ledger"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/wallet"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/walletjournal"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/eventbus"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/ledgerstore"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/capauth"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/fingerprint"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mcontext"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
)

const defaultCurrency = "points"

// ReconciliationEpsilon bounds the partial-settle split check, matching
// spec.md §4.2's "within 0.01."
const ReconciliationEpsilon = 0.01

// Service implements the wallet/escrow engine operations of spec.md §4.2.
type Service struct {
	wallets      WalletRepository
	modelWallets ModelWalletRepository
	escrows      EscrowRepository
	journal      JournalRepository
	ledger       *ledgerstore.Service
	bus          *eventbus.Bus
	tokens       *capauth.Issuer

	occMaxAttempts int
	occBaseDelay   time.Duration
}

// NewService builds a walletengine.Service.
func NewService(
	wallets WalletRepository,
	modelWallets ModelWalletRepository,
	escrows EscrowRepository,
	journal JournalRepository,
	ledger *ledgerstore.Service,
	bus *eventbus.Bus,
	tokens *capauth.Issuer,
) *Service {
	return &Service{
		wallets:        wallets,
		modelWallets:   modelWallets,
		escrows:        escrows,
		journal:        journal,
		ledger:         ledger,
		bus:            bus,
		tokens:         tokens,
		occMaxAttempts: DefaultOCCMaxAttempts,
		occBaseDelay:   DefaultOCCBaseDelay,
	}
}

// HoldRequest carries the inputs to holdInEscrow.
type HoldRequest struct {
	UserID         string
	Amount         int64
	Reason         string
	QueueItemID    string
	FeatureType    string
	IdempotencyKey string
	RequestID      string
	Metadata       map[string]any
}

// HoldResult is holdInEscrow's response.
type HoldResult struct {
	TransactionID       string `json:"transactionId"`
	EscrowID            string `json:"escrowId"`
	PreviousBalance     int64  `json:"previousBalance"`
	NewAvailableBalance int64  `json:"newAvailableBalance"`
	EscrowBalance       int64  `json:"escrowBalance"`
}

// HoldInEscrow moves amount from available to escrow, creating a held
// escrow item keyed by a fresh escrowId and a unique queueItemId.
func (s *Service) HoldInEscrow(ctx context.Context, req HoldRequest) (*HoldResult, error) {
	logger := mcontext.NewLoggerFromContext(ctx)

	if req.Amount <= 0 {
		return nil, merr.ValidationError{Field: "amount", Message: "must be > 0"}
	}

	holdFP := struct {
		UserID      string
		Amount      int64
		Reason      string
		QueueItemID string
		FeatureType string
		Metadata    map[string]any
	}{req.UserID, req.Amount, req.Reason, req.QueueItemID, req.FeatureType, req.Metadata}

	if replay, ok, err := s.replayIfDuplicate(ctx, req.IdempotencyKey, idempotency.ScopeHoldEscrow, holdFP); err != nil {
		return nil, err
	} else if ok {
		var result HoldResult
		if err := json.Unmarshal(replay, &result); err != nil {
			return nil, fmt.Errorf("walletengine: unmarshal replayed hold result: %w", err)
		}

		return &result, nil
	}

	w, err := s.loadOrCreateWallet(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	if w.AvailableBalance < req.Amount {
		return nil, merr.InsufficientBalanceError{WalletID: req.UserID, Requested: req.Amount, Available: w.AvailableBalance}
	}

	previousBalance := w.AvailableBalance
	transactionID := uuid.NewString()

	var escrowID string

	var finalAvailable, finalEscrow int64

	err = runOCC(ctx, "wallet", req.UserID, s.occMaxAttempts, s.occBaseDelay, func(ctx context.Context, attempt int) (bool, error) {
		current, err := s.wallets.FindByUserID(ctx, req.UserID)
		if err != nil {
			return false, err
		}

		if current.AvailableBalance < req.Amount {
			return false, merr.InsufficientBalanceError{WalletID: req.UserID, Requested: req.Amount, Available: current.AvailableBalance}
		}

		escrowID = uuid.NewString()

		item := &escrow.Item{
			EscrowID:    escrowID,
			UserID:      req.UserID,
			Amount:      req.Amount,
			Status:      escrow.StatusHeld,
			QueueItemID: req.QueueItemID,
			FeatureType: req.FeatureType,
			Reason:      req.Reason,
			CreatedAt:   time.Now().UTC(),
		}

		if err := s.escrows.Create(ctx, item); err != nil {
			return false, err
		}

		newAvailable := current.AvailableBalance - req.Amount
		newEscrow := current.EscrowBalance + req.Amount

		applied, err := s.wallets.ConditionalUpdate(ctx, req.UserID, current.Version, newAvailable, newEscrow)
		if err != nil {
			_ = s.escrows.Delete(ctx, escrowID)
			return false, err
		}

		if !applied {
			if delErr := s.escrows.Delete(ctx, escrowID); delErr != nil {
				logger.Errorf("walletengine: failed to roll back tentative escrow %s after lost OCC race: %v", escrowID, delErr)
			}

			return false, nil
		}

		finalAvailable = newAvailable
		finalEscrow = newEscrow

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	debitKey := req.IdempotencyKey + "_debit"
	creditKey := req.IdempotencyKey + "_credit"

	if _, err := s.ledger.CreateEntry(ctx, ledger.CreateEntryRequest{
		AccountID:       req.UserID,
		AccountType:     ledger.AccountTypeUser,
		Amount:          -req.Amount,
		Type:            ledger.EntryTypeDebit,
		BalanceState:    ledger.BalanceStateAvailable,
		StateTransition: "available->escrow",
		Reason:          req.Reason,
		BalanceBefore:   previousBalance,
		BalanceAfter:    finalAvailable,
		Currency:        defaultCurrency,
		IdempotencyKey:  debitKey,
		TransactionID:   transactionID,
		RequestID:       req.RequestID,
		EscrowID:        escrowID,
		QueueItemID:     req.QueueItemID,
		FeatureType:     req.FeatureType,
		Metadata:        req.Metadata,
	}); err != nil {
		return nil, err
	}

	if _, err := s.ledger.CreateEntry(ctx, ledger.CreateEntryRequest{
		AccountID:       req.UserID,
		AccountType:     ledger.AccountTypeUser,
		Amount:          req.Amount,
		Type:            ledger.EntryTypeCredit,
		BalanceState:    ledger.BalanceStateEscrow,
		StateTransition: "available->escrow",
		Reason:          req.Reason,
		BalanceBefore:   finalEscrow - req.Amount,
		BalanceAfter:    finalEscrow,
		Currency:        defaultCurrency,
		IdempotencyKey:  creditKey,
		TransactionID:   transactionID,
		RequestID:       req.RequestID,
		EscrowID:        escrowID,
		QueueItemID:     req.QueueItemID,
		FeatureType:     req.FeatureType,
		Metadata:        req.Metadata,
	}); err != nil {
		return nil, err
	}

	result := &HoldResult{
		TransactionID:       transactionID,
		EscrowID:            escrowID,
		PreviousBalance:     previousBalance,
		NewAvailableBalance: finalAvailable,
		EscrowBalance:       finalEscrow,
	}

	if err := s.storeResult(ctx, req.IdempotencyKey, idempotency.ScopeHoldEscrow, holdFP, result); err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, event.Envelope{
		EventID:        uuid.NewString(),
		EventType:      event.TypeEscrowHeld,
		IdempotencyKey: req.IdempotencyKey,
		Timestamp:      time.Now().UTC(),
		Source:         "walletengine",
		Version:        event.EnvelopeVersion,
		Payload: map[string]any{
			"accountId":   req.UserID,
			"accountType": string(ledger.AccountTypeUser),
			"amount":      req.Amount,
			"available":   finalAvailable,
			"escrow":      finalEscrow,
			"escrowId":    escrowID,
			"queueItemId": req.QueueItemID,
		},
	})

	return result, nil
}

// SettleRequest carries the inputs to settleEscrow.
type SettleRequest struct {
	EscrowID       string
	QueueItemID    string
	ModelID        string
	Amount         int64
	IdempotencyKey string
	RequestID      string
	Token          string
}

// SettleResult is settleEscrow's response.
type SettleResult struct {
	TransactionID      string `json:"transactionId"`
	SettledAmount      int64  `json:"settledAmount"`
	ModelEarnedBalance int64  `json:"modelEarnedBalance"`
}

// SettleEscrow transitions a held escrow to settled, crediting the
// counterparty's earned balance. Requires a capability token scoped to
// (queueItemId, escrowId, settle).
func (s *Service) SettleEscrow(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	if _, err := s.tokens.Validate(req.Token, capauth.OperationSettleEscrow, req.QueueItemID, req.EscrowID); err != nil {
		return nil, err
	}

	settleFP := struct {
		EscrowID    string
		QueueItemID string
		ModelID     string
		Amount      int64
	}{req.EscrowID, req.QueueItemID, req.ModelID, req.Amount}

	if replay, ok, err := s.replayIfDuplicate(ctx, req.IdempotencyKey, idempotency.ScopeSettleEscrow, settleFP); err != nil {
		return nil, err
	} else if ok {
		var result SettleResult
		if err := json.Unmarshal(replay, &result); err != nil {
			return nil, fmt.Errorf("walletengine: unmarshal replayed settle result: %w", err)
		}

		return &result, nil
	}

	item, err := s.escrows.FindByEscrowID(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}

	if item == nil {
		return nil, merr.NotFoundError{EntityType: "escrow", Message: fmt.Sprintf("escrow %s not found", req.EscrowID)}
	}

	if item.Status != escrow.StatusHeld {
		return nil, merr.AlreadyProcessedError{EntityType: "escrow", Message: fmt.Sprintf("escrow %s already %s", req.EscrowID, item.Status)}
	}

	transactionID := uuid.NewString()

	// The held->settled guard runs before either wallet mutation. A crash
	// between the model credit and this transition used to leave the
	// escrow re-enterable: a retry with the same idempotency key would
	// find it still held and re-run the model-wallet credit a second
	// time. Transitioning first makes a retry that lands here after a
	// partial failure observe applied=false and stop, at the cost of a
	// crash between this transition and the credit leaving a settled
	// escrow with no credit — surfaced by reconciliation, not silently
	// duplicated money.
	applied, err := s.escrows.ConditionalTransition(ctx, req.EscrowID, escrow.StatusSettled, req.ModelID)
	if err != nil {
		return nil, err
	}

	if !applied {
		return nil, merr.AlreadyProcessedError{EntityType: "escrow", Message: fmt.Sprintf("escrow %s already processed", req.EscrowID)}
	}

	model, err := s.loadOrCreateModelWallet(ctx, req.ModelID)
	_ = model

	if err != nil {
		return nil, err
	}

	var newEarned int64

	err = runOCC(ctx, "model_wallet", req.ModelID, s.occMaxAttempts, s.occBaseDelay, func(ctx context.Context, attempt int) (bool, error) {
		current, err := s.modelWallets.FindByModelID(ctx, req.ModelID)
		if err != nil {
			return false, err
		}

		newEarned = current.EarnedBalance + item.Amount

		return s.modelWallets.ConditionalUpdate(ctx, req.ModelID, current.Version, newEarned)
	})
	if err != nil {
		return nil, err
	}

	err = runOCC(ctx, "wallet", item.UserID, s.occMaxAttempts, s.occBaseDelay, func(ctx context.Context, attempt int) (bool, error) {
		current, err := s.wallets.FindByUserID(ctx, item.UserID)
		if err != nil {
			return false, err
		}

		newEscrow := current.EscrowBalance - item.Amount

		return s.wallets.ConditionalUpdate(ctx, item.UserID, current.Version, current.AvailableBalance, newEscrow)
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.CreateEntry(ctx, ledger.CreateEntryRequest{
		AccountID:       req.ModelID,
		AccountType:     ledger.AccountTypeModel,
		Amount:          item.Amount,
		Type:            ledger.EntryTypeCredit,
		BalanceState:    ledger.BalanceStateEarned,
		StateTransition: "escrow->earned",
		Reason:          item.Reason,
		BalanceBefore:   newEarned - item.Amount,
		BalanceAfter:    newEarned,
		Currency:        defaultCurrency,
		IdempotencyKey:  req.IdempotencyKey,
		TransactionID:   transactionID,
		RequestID:       req.RequestID,
		EscrowID:        req.EscrowID,
		QueueItemID:     req.QueueItemID,
		FeatureType:     item.FeatureType,
	}); err != nil {
		return nil, err
	}

	result := &SettleResult{TransactionID: transactionID, SettledAmount: item.Amount, ModelEarnedBalance: newEarned}

	if err := s.storeResult(ctx, req.IdempotencyKey, idempotency.ScopeSettleEscrow, settleFP, result); err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, event.Envelope{
		EventID:        uuid.NewString(),
		EventType:      event.TypeEscrowSettled,
		IdempotencyKey: req.IdempotencyKey,
		Timestamp:      time.Now().UTC(),
		Source:         "walletengine",
		Version:        event.EnvelopeVersion,
		Payload: map[string]any{
			"accountId":   req.ModelID,
			"accountType": string(ledger.AccountTypeModel),
			"amount":      item.Amount,
			"earned":      newEarned,
			"escrowId":    req.EscrowID,
			"queueItemId": req.QueueItemID,
		},
	})

	return result, nil
}

// RefundRequest carries the inputs to refundEscrow.
type RefundRequest struct {
	EscrowID       string
	QueueItemID    string
	IdempotencyKey string
	RequestID      string
	Token          string
}

// RefundResult is refundEscrow's response.
type RefundResult struct {
	TransactionID      string `json:"transactionId"`
	RefundedAmount     int64  `json:"refundedAmount"`
	UserAvailableBalance int64 `json:"userAvailableBalance"`
}

// RefundEscrow transitions a held escrow to refunded, restoring the
// user's available balance. Requires a capability token scoped to
// (queueItemId, escrowId, refund).
func (s *Service) RefundEscrow(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if _, err := s.tokens.Validate(req.Token, capauth.OperationRefundEscrow, req.QueueItemID, req.EscrowID); err != nil {
		return nil, err
	}

	refundFP := struct {
		EscrowID    string
		QueueItemID string
	}{req.EscrowID, req.QueueItemID}

	if replay, ok, err := s.replayIfDuplicate(ctx, req.IdempotencyKey, idempotency.ScopeRefundEscrow, refundFP); err != nil {
		return nil, err
	} else if ok {
		var result RefundResult
		if err := json.Unmarshal(replay, &result); err != nil {
			return nil, fmt.Errorf("walletengine: unmarshal replayed refund result: %w", err)
		}

		return &result, nil
	}

	item, err := s.escrows.FindByEscrowID(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}

	if item == nil {
		return nil, merr.NotFoundError{EntityType: "escrow", Message: fmt.Sprintf("escrow %s not found", req.EscrowID)}
	}

	if item.Status != escrow.StatusHeld {
		return nil, merr.AlreadyProcessedError{EntityType: "escrow", Message: fmt.Sprintf("escrow %s already %s", req.EscrowID, item.Status)}
	}

	transactionID := uuid.NewString()

	// Transition held->refunded before touching the wallet, for the same
	// reason as SettleEscrow: it closes the retry window that would
	// otherwise double-credit the user's available balance.
	applied, err := s.escrows.ConditionalTransition(ctx, req.EscrowID, escrow.StatusRefunded, "")
	if err != nil {
		return nil, err
	}

	if !applied {
		return nil, merr.AlreadyProcessedError{EntityType: "escrow", Message: fmt.Sprintf("escrow %s already processed", req.EscrowID)}
	}

	var newAvailable int64

	err = runOCC(ctx, "wallet", item.UserID, s.occMaxAttempts, s.occBaseDelay, func(ctx context.Context, attempt int) (bool, error) {
		current, err := s.wallets.FindByUserID(ctx, item.UserID)
		if err != nil {
			return false, err
		}

		newAvailable = current.AvailableBalance + item.Amount
		newEscrow := current.EscrowBalance - item.Amount

		return s.wallets.ConditionalUpdate(ctx, item.UserID, current.Version, newAvailable, newEscrow)
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.CreateEntry(ctx, ledger.CreateEntryRequest{
		AccountID:       item.UserID,
		AccountType:     ledger.AccountTypeUser,
		Amount:          item.Amount,
		Type:            ledger.EntryTypeCredit,
		BalanceState:    ledger.BalanceStateAvailable,
		StateTransition: "escrow->available",
		Reason:          item.Reason,
		BalanceBefore:   newAvailable - item.Amount,
		BalanceAfter:    newAvailable,
		Currency:        defaultCurrency,
		IdempotencyKey:  req.IdempotencyKey,
		TransactionID:   transactionID,
		RequestID:       req.RequestID,
		EscrowID:        req.EscrowID,
		QueueItemID:     req.QueueItemID,
		FeatureType:     item.FeatureType,
	}); err != nil {
		return nil, err
	}

	result := &RefundResult{TransactionID: transactionID, RefundedAmount: item.Amount, UserAvailableBalance: newAvailable}

	if err := s.storeResult(ctx, req.IdempotencyKey, idempotency.ScopeRefundEscrow, refundFP, result); err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, event.Envelope{
		EventID:        uuid.NewString(),
		EventType:      event.TypeEscrowRefunded,
		IdempotencyKey: req.IdempotencyKey,
		Timestamp:      time.Now().UTC(),
		Source:         "walletengine",
		Version:        event.EnvelopeVersion,
		Payload: map[string]any{
			"accountId":   item.UserID,
			"accountType": string(ledger.AccountTypeUser),
			"amount":      item.Amount,
			"available":   newAvailable,
			"escrowId":    req.EscrowID,
			"queueItemId": req.QueueItemID,
		},
	})

	return result, nil
}

// PartialSettleRequest carries the inputs to partialSettleEscrow.
type PartialSettleRequest struct {
	EscrowID       string
	QueueItemID    string
	ModelID        string
	RefundAmount   int64
	SettleAmount   int64
	IdempotencyKey string
	RequestID      string
	Token          string
}

// PartialSettleResult is partialSettleEscrow's response.
type PartialSettleResult struct {
	TransactionID        string `json:"transactionId"`
	RefundedAmount       int64  `json:"refundedAmount"`
	SettledAmount        int64  `json:"settledAmount"`
	UserAvailableBalance int64  `json:"userAvailableBalance"`
	ModelEarnedBalance   int64  `json:"modelEarnedBalance"`
}

// PartialSettleEscrow splits a held escrow's amount between a refund to
// the user and a settlement to the counterparty. See
// ResumeIncompletePartialSettles for the crash-recovery half of this
// operation.
func (s *Service) PartialSettleEscrow(ctx context.Context, req PartialSettleRequest) (*PartialSettleResult, error) {
	if _, err := s.tokens.Validate(req.Token, capauth.OperationPartialSettle, req.QueueItemID, req.EscrowID); err != nil {
		return nil, err
	}

	partialFP := struct {
		EscrowID     string
		QueueItemID  string
		ModelID      string
		RefundAmount int64
		SettleAmount int64
	}{req.EscrowID, req.QueueItemID, req.ModelID, req.RefundAmount, req.SettleAmount}

	if replay, ok, err := s.replayIfDuplicate(ctx, req.IdempotencyKey, idempotency.ScopePartialSettleEscrow, partialFP); err != nil {
		return nil, err
	} else if ok {
		var result PartialSettleResult
		if err := json.Unmarshal(replay, &result); err != nil {
			return nil, fmt.Errorf("walletengine: unmarshal replayed partial-settle result: %w", err)
		}

		return &result, nil
	}

	item, err := s.escrows.FindByEscrowID(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}

	if item == nil {
		return nil, merr.NotFoundError{EntityType: "escrow", Message: fmt.Sprintf("escrow %s not found", req.EscrowID)}
	}

	if item.Status != escrow.StatusHeld {
		return nil, merr.AlreadyProcessedError{EntityType: "escrow", Message: fmt.Sprintf("escrow %s already %s", req.EscrowID, item.Status)}
	}

	if math.Abs(float64(req.RefundAmount+req.SettleAmount-item.Amount)) > ReconciliationEpsilon {
		return nil, merr.ValidationError{
			Field:   "refundAmount+settleAmount",
			Message: "must equal the held escrow amount within 0.01",
		}
	}

	transactionID := uuid.NewString()
	refundKey := req.IdempotencyKey + "_refund"
	settleKey := req.IdempotencyKey + "_settle"

	j := &walletjournal.PendingCompletion{
		TransactionID: transactionID,
		EscrowID:      req.EscrowID,
		UserID:        item.UserID,
		ModelID:       req.ModelID,
		RefundAmount:  req.RefundAmount,
		SettleAmount:  req.SettleAmount,
		RefundKey:     refundKey,
		SettleKey:     settleKey,
		Status:        walletjournal.StatusIncomplete,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.journal.Create(ctx, j); err != nil {
		return nil, err
	}

	var newAvailable, newEscrowBalance int64

	err = runOCC(ctx, "wallet", item.UserID, s.occMaxAttempts, s.occBaseDelay, func(ctx context.Context, attempt int) (bool, error) {
		current, err := s.wallets.FindByUserID(ctx, item.UserID)
		if err != nil {
			return false, err
		}

		newAvailable = current.AvailableBalance + req.RefundAmount
		newEscrowBalance = current.EscrowBalance - item.Amount

		return s.wallets.ConditionalUpdate(ctx, item.UserID, current.Version, newAvailable, newEscrowBalance)
	})
	if err != nil {
		return nil, err
	}

	if err := s.journal.MarkWalletUpdated(ctx, transactionID); err != nil {
		return nil, err
	}

	var newEarned int64

	err = runOCC(ctx, "model_wallet", req.ModelID, s.occMaxAttempts, s.occBaseDelay, func(ctx context.Context, attempt int) (bool, error) {
		if _, err := s.loadOrCreateModelWallet(ctx, req.ModelID); err != nil {
			return false, err
		}

		current, err := s.modelWallets.FindByModelID(ctx, req.ModelID)
		if err != nil {
			return false, err
		}

		newEarned = current.EarnedBalance + req.SettleAmount

		return s.modelWallets.ConditionalUpdate(ctx, req.ModelID, current.Version, newEarned)
	})
	if err != nil {
		return nil, err
	}

	applied, err := s.escrows.ConditionalTransition(ctx, req.EscrowID, escrow.StatusSettled, req.ModelID)
	if err != nil {
		return nil, err
	}

	if !applied {
		return nil, merr.AlreadyProcessedError{EntityType: "escrow", Message: fmt.Sprintf("escrow %s already processed", req.EscrowID)}
	}

	if _, err := s.ledger.CreateEntry(ctx, ledger.CreateEntryRequest{
		AccountID:       item.UserID,
		AccountType:     ledger.AccountTypeUser,
		Amount:          req.RefundAmount,
		Type:            ledger.EntryTypeCredit,
		BalanceState:    ledger.BalanceStateAvailable,
		StateTransition: "escrow->available",
		Reason:          item.Reason,
		BalanceBefore:   newAvailable - req.RefundAmount,
		BalanceAfter:    newAvailable,
		Currency:        defaultCurrency,
		IdempotencyKey:  refundKey,
		TransactionID:   transactionID,
		RequestID:       req.RequestID,
		EscrowID:        req.EscrowID,
		QueueItemID:     req.QueueItemID,
		FeatureType:     item.FeatureType,
	}); err != nil {
		return nil, err
	}

	if err := s.journal.MarkRefundWritten(ctx, transactionID); err != nil {
		return nil, err
	}

	if _, err := s.ledger.CreateEntry(ctx, ledger.CreateEntryRequest{
		AccountID:       req.ModelID,
		AccountType:     ledger.AccountTypeModel,
		Amount:          req.SettleAmount,
		Type:            ledger.EntryTypeCredit,
		BalanceState:    ledger.BalanceStateEarned,
		StateTransition: "escrow->earned",
		Reason:          item.Reason,
		BalanceBefore:   newEarned - req.SettleAmount,
		BalanceAfter:    newEarned,
		Currency:        defaultCurrency,
		IdempotencyKey:  settleKey,
		TransactionID:   transactionID,
		RequestID:       req.RequestID,
		EscrowID:        req.EscrowID,
		QueueItemID:     req.QueueItemID,
		FeatureType:     item.FeatureType,
	}); err != nil {
		return nil, err
	}

	if err := s.journal.MarkSettleWritten(ctx, transactionID); err != nil {
		return nil, err
	}

	if err := s.journal.MarkComplete(ctx, transactionID); err != nil {
		return nil, err
	}

	result := &PartialSettleResult{
		TransactionID:        transactionID,
		RefundedAmount:       req.RefundAmount,
		SettledAmount:        req.SettleAmount,
		UserAvailableBalance: newAvailable,
		ModelEarnedBalance:   newEarned,
	}

	if err := s.storeResult(ctx, req.IdempotencyKey, idempotency.ScopePartialSettleEscrow, partialFP, result); err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, event.Envelope{
		EventID:        uuid.NewString(),
		EventType:      event.TypeEscrowPartialSettled,
		IdempotencyKey: req.IdempotencyKey,
		Timestamp:      time.Now().UTC(),
		Source:         "walletengine",
		Version:        event.EnvelopeVersion,
		Payload: map[string]any{
			"userId":      item.UserID,
			"modelId":     req.ModelID,
			"refunded":    req.RefundAmount,
			"settled":     req.SettleAmount,
			"available":   newAvailable,
			"earned":      newEarned,
			"escrowId":    req.EscrowID,
			"queueItemId": req.QueueItemID,
		},
	})

	return result, nil
}

// ResumeIncompletePartialSettles re-derives and writes any ledger entries
// missing from a crashed partialSettleEscrow whose wallet update already
// landed, resolving spec.md §9's open question on that failure mode.
// Invoked at service start, and exposed here as an explicit
// operator-triggerable method.
func (s *Service) ResumeIncompletePartialSettles(ctx context.Context) (int, error) {
	logger := mcontext.NewLoggerFromContext(ctx)

	pending, err := s.journal.FindIncomplete(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0

	for _, j := range pending {
		if !j.WalletUpdated {
			// The wallet update itself never landed: nothing to repair,
			// the operation simply never committed. Leave it for the
			// caller to retry with the same idempotency key.
			continue
		}

		if j.IsComplete() {
			if err := s.journal.MarkComplete(ctx, j.TransactionID); err != nil {
				logger.Errorf("walletengine: failed to close already-complete journal row %s: %v", j.TransactionID, err)
			}

			continue
		}

		item, err := s.escrows.FindByEscrowID(ctx, j.EscrowID)
		if err != nil {
			logger.Errorf("walletengine: resume partial-settle %s: load escrow: %v", j.TransactionID, err)
			continue
		}

		if !j.RefundWritten {
			var userAvailable int64
			if uw, uwErr := s.wallets.FindByUserID(ctx, j.UserID); uwErr == nil && uw != nil {
				userAvailable = uw.AvailableBalance
			}

			if _, err := s.ledger.CreateEntry(ctx, ledger.CreateEntryRequest{
				AccountID:       j.UserID,
				AccountType:     ledger.AccountTypeUser,
				Amount:          j.RefundAmount,
				Type:            ledger.EntryTypeCredit,
				BalanceState:    ledger.BalanceStateAvailable,
				BalanceBefore:   userAvailable - j.RefundAmount,
				BalanceAfter:    userAvailable,
				StateTransition: "escrow->available",
				Reason:          "partial_settle_recovery",
				IdempotencyKey:  j.RefundKey,
				TransactionID:   j.TransactionID,
				EscrowID:        j.EscrowID,
			}); err != nil {
				logger.Errorf("walletengine: resume partial-settle %s: write refund entry: %v", j.TransactionID, err)
				continue
			}

			if err := s.journal.MarkRefundWritten(ctx, j.TransactionID); err != nil {
				logger.Errorf("walletengine: resume partial-settle %s: mark refund written: %v", j.TransactionID, err)
				continue
			}
		}

		if !j.SettleWritten {
			var modelEarned int64
			if mw, mwErr := s.modelWallets.FindByModelID(ctx, j.ModelID); mwErr == nil && mw != nil {
				modelEarned = mw.EarnedBalance
			}

			if _, err := s.ledger.CreateEntry(ctx, ledger.CreateEntryRequest{
				AccountID:       j.ModelID,
				AccountType:     ledger.AccountTypeModel,
				Amount:          j.SettleAmount,
				Type:            ledger.EntryTypeCredit,
				BalanceState:    ledger.BalanceStateEarned,
				BalanceBefore:   modelEarned - j.SettleAmount,
				BalanceAfter:    modelEarned,
				StateTransition: "escrow->earned",
				Reason:          "partial_settle_recovery",
				IdempotencyKey:  j.SettleKey,
				TransactionID:   j.TransactionID,
				EscrowID:        j.EscrowID,
			}); err != nil {
				logger.Errorf("walletengine: resume partial-settle %s: write settle entry: %v", j.TransactionID, err)
				continue
			}

			if err := s.journal.MarkSettleWritten(ctx, j.TransactionID); err != nil {
				logger.Errorf("walletengine: resume partial-settle %s: mark settle written: %v", j.TransactionID, err)
				continue
			}
		}

		if err := s.journal.MarkComplete(ctx, j.TransactionID); err != nil {
			logger.Errorf("walletengine: resume partial-settle %s: mark complete: %v", j.TransactionID, err)
			continue
		}

		_ = item

		resumed++
	}

	return resumed, nil
}

// GetUserBalance is a pure read; a missing wallet returns zeros.
func (s *Service) GetUserBalance(ctx context.Context, userID string) (*wallet.Wallet, error) {
	w, err := s.wallets.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if w == nil {
		return &wallet.Wallet{UserID: userID, Currency: defaultCurrency}, nil
	}

	return w, nil
}

// GetModelBalance is a pure read; a missing model wallet returns zeros.
func (s *Service) GetModelBalance(ctx context.Context, modelID string) (*wallet.ModelWallet, error) {
	w, err := s.modelWallets.FindByModelID(ctx, modelID)
	if err != nil {
		return nil, err
	}

	if w == nil {
		return &wallet.ModelWallet{ModelID: modelID, Currency: defaultCurrency, Type: wallet.ModelTypeEarnings}, nil
	}

	return w, nil
}

func (s *Service) loadOrCreateWallet(ctx context.Context, userID string) (*wallet.Wallet, error) {
	w, err := s.wallets.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if w != nil {
		return w, nil
	}

	w = wallet.NewWallet(userID, defaultCurrency, time.Now().UTC())

	if err := s.wallets.Create(ctx, w); err != nil {
		return nil, err
	}

	return w, nil
}

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

// replayIfDuplicate checks (key, scope) against the idempotency store.
// fingerprintSource is the request's business payload (never its
// idempotency key, auth token, or request id, which legitimately vary
// across retries of the same logical request) — hashed and compared
// against the stored record's fingerprint so a key reused with a
// different payload surfaces merr.IdempotencyConflictError instead of
// silently replaying the wrong result.
func (s *Service) replayIfDuplicate(ctx context.Context, key string, scope idempotency.Scope, fingerprintSource any) ([]byte, bool, error) {
	fp, err := fingerprint.Of(fingerprintSource)
	if err != nil {
		return nil, false, fmt.Errorf("walletengine: compute request fingerprint: %w", err)
	}

	check, err := s.ledger.CheckIdempotency(ctx, key, scope, fp)
	if err != nil {
		return nil, false, err
	}

	if !check.IsDuplicate {
		return nil, false, nil
	}

	return check.StoredResult, true, nil
}

func (s *Service) storeResult(ctx context.Context, key string, scope idempotency.Scope, fingerprintSource, result any) error {
	fp, err := fingerprint.Of(fingerprintSource)
	if err != nil {
		return fmt.Errorf("walletengine: compute request fingerprint: %w", err)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("walletengine: marshal result for idempotency store: %w", err)
	}

	return s.ledger.StoreIdempotencyResult(ctx, key, scope, fp, encoded, 200, idempotency.DefaultOperationalTTL)
}
