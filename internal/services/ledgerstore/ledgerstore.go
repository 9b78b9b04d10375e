// Package ledgerstore implements the immutable, append-only ledger: entry
// creation, queries, balance snapshots, reconciliation, and audit trails.
// It is the exclusive owner of ledger_entries writes.
package ledgerstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/idempotency"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/ledger"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mcontext"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
)

// Repository is the persistence boundary ledgerstore.Service depends on.
// A Mongo-backed implementation lives under internal/adapters/mongodb.
//
//go:generate mockgen --destination=ledgerstore_mock.go --package=ledgerstore . Repository
type Repository interface {
	// InsertEntry inserts entry, returning merr.ConflictError if
	// idempotencyKey already exists so the caller can fetch-and-return the
	// winner (idempotent create).
	InsertEntry(ctx context.Context, entry *ledger.Entry) error
	FindEntryByIdempotencyKey(ctx context.Context, idempotencyKey string) (*ledger.Entry, error)
	FindEntry(ctx context.Context, entryID string) (*ledger.Entry, error)
	QueryEntries(ctx context.Context, filter ledger.Filter) (*ledger.Page, error)
	EntriesForSnapshot(ctx context.Context, accountID string, accountType ledger.AccountType, asOf time.Time) ([]*ledger.Entry, error)
	EntriesInRange(ctx context.Context, accountID string, from, to time.Time) ([]*ledger.Entry, error)
	EntriesByTransaction(ctx context.Context, transactionID string) ([]*ledger.Entry, error)
}

// IdempotencyChecker is the subset of the idempotency store ledgerstore
// needs for checkIdempotency/storeIdempotencyResult, kept narrow so
// ledgerstore does not depend on the whole idempotencystore package.
type IdempotencyChecker interface {
	Check(ctx context.Context, key string, scope idempotency.Scope, requestFingerprint string) (idempotency.CheckResult, error)
	Store(ctx context.Context, key string, scope idempotency.Scope, requestFingerprint string, result []byte, statusCode int, ttl time.Duration) error
}

// Service implements the ledger store operations of spec.md §4.1.
type Service struct {
	repo Repository
	idem IdempotencyChecker
}

// NewService builds a ledgerstore.Service.
func NewService(repo Repository, idem IdempotencyChecker) *Service {
	return &Service{repo: repo, idem: idem}
}

// CreateEntry appends a new ledger entry, or returns the existing one if
// req.IdempotencyKey already resolved to an entry (idempotent create).
func (s *Service) CreateEntry(ctx context.Context, req ledger.CreateEntryRequest) (*ledger.Entry, error) {
	logger := mcontext.NewLoggerFromContext(ctx)

	if req.BalanceAfter-req.BalanceBefore != req.Amount {
		return nil, merr.ValidationError{
			Field:   "amount",
			Message: "balanceAfter - balanceBefore must equal amount",
		}
	}

	if (req.Type == ledger.EntryTypeCredit && req.Amount < 0) || (req.Type == ledger.EntryTypeDebit && req.Amount > 0) {
		return nil, merr.ValidationError{
			Field:   "amount",
			Message: "sign of amount must match entry type",
		}
	}

	entry := &ledger.Entry{
		EntryID:         uuid.NewString(),
		TransactionID:   req.TransactionID,
		AccountID:       req.AccountID,
		AccountType:     req.AccountType,
		Amount:          req.Amount,
		Type:            req.Type,
		BalanceState:    req.BalanceState,
		StateTransition: req.StateTransition,
		Reason:          req.Reason,
		BalanceBefore:   req.BalanceBefore,
		BalanceAfter:    req.BalanceAfter,
		Timestamp:       time.Now().UTC(),
		Currency:        req.Currency,
		IdempotencyKey:  req.IdempotencyKey,
		EscrowID:        req.EscrowID,
		QueueItemID:     req.QueueItemID,
		FeatureType:     req.FeatureType,
		CorrelationID:   req.CorrelationID,
		Metadata:        req.Metadata,
	}

	if err := s.repo.InsertEntry(ctx, entry); err != nil {
		var conflict merr.ConflictError
		if asConflict(err, &conflict) {
			existing, findErr := s.repo.FindEntryByIdempotencyKey(ctx, req.IdempotencyKey)
			if findErr != nil {
				return nil, findErr
			}

			logger.Debugf("ledger entry idempotency replay for key %s", req.IdempotencyKey)

			return existing, nil
		}

		return nil, err
	}

	return entry, nil
}

func asConflict(err error, target *merr.ConflictError) bool {
	c, ok := err.(merr.ConflictError)
	if ok {
		*target = c
	}

	return ok
}

// QueryEntries returns a page of entries matching filter.
func (s *Service) QueryEntries(ctx context.Context, filter ledger.Filter) (*ledger.Page, error) {
	return s.repo.QueryEntries(ctx, filter.Normalize())
}

// GetEntry returns the entry with the given id, or merr.NotFoundError.
func (s *Service) GetEntry(ctx context.Context, entryID string) (*ledger.Entry, error) {
	entry, err := s.repo.FindEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	if entry == nil {
		return nil, merr.NotFoundError{EntityType: "ledger_entry", Message: fmt.Sprintf("entry %s not found", entryID)}
	}

	return entry, nil
}

// GetBalanceSnapshot computes {available, escrow?, earned?, asOf,
// currency} by scanning entries up to asOf in timestamp order and taking
// the last balanceAfter seen per relevant balanceState.
func (s *Service) GetBalanceSnapshot(ctx context.Context, accountID string, accountType ledger.AccountType, asOf *time.Time) (*ledger.BalanceSnapshot, error) {
	at := time.Now().UTC()
	if asOf != nil {
		at = *asOf
	}

	entries, err := s.repo.EntriesForSnapshot(ctx, accountID, accountType, at)
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })

	snapshot := &ledger.BalanceSnapshot{AccountID: accountID, AsOf: at, Currency: "points"}

	for _, e := range entries {
		snapshot.Currency = e.Currency

		balance := e.BalanceAfter

		switch e.BalanceState {
		case ledger.BalanceStateAvailable:
			snapshot.Available = &balance
		case ledger.BalanceStateEscrow:
			snapshot.Escrow = &balance
		case ledger.BalanceStateEarned:
			snapshot.Earned = &balance
		}
	}

	if accountType == ledger.AccountTypeUser {
		if snapshot.Available == nil {
			zero := int64(0)
			snapshot.Available = &zero
		}

		if snapshot.Escrow == nil {
			zero := int64(0)
			snapshot.Escrow = &zero
		}
	} else if accountType == ledger.AccountTypeModel && snapshot.Earned == nil {
		zero := int64(0)
		snapshot.Earned = &zero
	}

	return snapshot, nil
}

// GenerateReconciliationReport compares the ledger's calculated balance
// against the wallet's actual stored balance over range. A
// non-reconciled report is a hard alert, never silently corrected.
func (s *Service) GenerateReconciliationReport(ctx context.Context, accountID string, from, to time.Time, actualBalance int64) (*ledger.ReconciliationReport, error) {
	entries, err := s.repo.EntriesInRange(ctx, accountID, from, to)
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })

	var startingBalance int64

	var totalCredits, totalDebits int64

	if len(entries) > 0 {
		startingBalance = entries[0].BalanceBefore
	}

	for _, e := range entries {
		if e.Type == ledger.EntryTypeCredit {
			totalCredits += e.Amount
		} else {
			totalDebits += -e.Amount
		}
	}

	calculated := startingBalance + totalCredits - totalDebits
	difference := decimal.NewFromInt(calculated).Sub(decimal.NewFromInt(actualBalance)).Abs()

	return &ledger.ReconciliationReport{
		AccountID:         accountID,
		StartingBalance:   startingBalance,
		TotalCredits:      totalCredits,
		TotalDebits:       totalDebits,
		CalculatedBalance: calculated,
		ActualBalance:     actualBalance,
		Difference:        difference,
		Reconciled:        difference.LessThan(ledger.ReconciliationThreshold),
	}, nil
}

// GetAuditTrail returns every entry sharing transactionID, in time order.
func (s *Service) GetAuditTrail(ctx context.Context, transactionID string) ([]*ledger.Entry, error) {
	entries, err := s.repo.EntriesByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })

	return entries, nil
}

// CheckIdempotency delegates to the configured idempotency checker.
// requestFingerprint detects a reused key submitted with a different
// payload (spec.md §7's IDEMPOTENCY_CONFLICT); pass "" to skip the check.
func (s *Service) CheckIdempotency(ctx context.Context, key string, scope idempotency.Scope, requestFingerprint string) (idempotency.CheckResult, error) {
	return s.idem.Check(ctx, key, scope, requestFingerprint)
}

// StoreIdempotencyResult delegates to the configured idempotency checker,
// tagging the stored record with requestFingerprint.
func (s *Service) StoreIdempotencyResult(ctx context.Context, key string, scope idempotency.Scope, requestFingerprint string, result []byte, statusCode int, ttl time.Duration) error {
	return s.idem.Store(ctx, key, scope, requestFingerprint, result, statusCode, ttl)
}
