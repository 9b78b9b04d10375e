package walletengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/escrow"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/idempotency"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/ledger"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/wallet"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/walletjournal"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/eventbus"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/ledgerstore"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/capauth"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
)

// fakeWalletRepo is an in-memory WalletRepository. ConditionalUpdate
// models the same version-stamped OCC contract a real adapter would.
type fakeWalletRepo struct {
	mu      sync.Mutex
	wallets map[string]*wallet.Wallet

	// failNextUpdates, when > 0, makes ConditionalUpdate report a lost
	// race (applied=false, no mutation) instead of applying, decrementing
	// by one per call. Used to simulate a concurrent writer winning the
	// race ahead of the service under test.
	failNextUpdates int
}

func newFakeWalletRepo() *fakeWalletRepo {
	return &fakeWalletRepo{wallets: make(map[string]*wallet.Wallet)}
}

func (f *fakeWalletRepo) FindByUserID(_ context.Context, userID string) (*wallet.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.wallets[userID]
	if !ok {
		return nil, nil
	}

	cp := *w

	return &cp, nil
}

func (f *fakeWalletRepo) Create(_ context.Context, w *wallet.Wallet) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.wallets[w.UserID]; exists {
		return nil
	}

	cp := *w
	f.wallets[w.UserID] = &cp

	return nil
}

func (f *fakeWalletRepo) ConditionalUpdate(_ context.Context, userID string, expectedVersion int64, newAvailable, newEscrow int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.wallets[userID]
	if !ok {
		return false, merr.NotFoundError{EntityType: "wallet"}
	}

	if f.failNextUpdates > 0 {
		f.failNextUpdates--
		return false, nil
	}

	if w.Version != expectedVersion {
		return false, nil
	}

	w.AvailableBalance = newAvailable
	w.EscrowBalance = newEscrow
	w.Version++

	return true, nil
}

// fakeModelWalletRepo is an in-memory ModelWalletRepository.
type fakeModelWalletRepo struct {
	mu      sync.Mutex
	wallets map[string]*wallet.ModelWallet
}

func newFakeModelWalletRepo() *fakeModelWalletRepo {
	return &fakeModelWalletRepo{wallets: make(map[string]*wallet.ModelWallet)}
}

func (f *fakeModelWalletRepo) FindByModelID(_ context.Context, modelID string) (*wallet.ModelWallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.wallets[modelID]
	if !ok {
		return nil, nil
	}

	cp := *w

	return &cp, nil
}

func (f *fakeModelWalletRepo) Create(_ context.Context, w *wallet.ModelWallet) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.wallets[w.ModelID]; exists {
		return nil
	}

	cp := *w
	f.wallets[w.ModelID] = &cp

	return nil
}

func (f *fakeModelWalletRepo) ConditionalUpdate(_ context.Context, modelID string, expectedVersion int64, newEarned int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.wallets[modelID]
	if !ok {
		return false, merr.NotFoundError{EntityType: "model_wallet"}
	}

	if w.Version != expectedVersion {
		return false, nil
	}

	w.EarnedBalance = newEarned
	w.Version++

	return true, nil
}

// fakeEscrowRepo is an in-memory EscrowRepository.
type fakeEscrowRepo struct {
	mu    sync.Mutex
	items map[string]*escrow.Item
}

func newFakeEscrowRepo() *fakeEscrowRepo {
	return &fakeEscrowRepo{items: make(map[string]*escrow.Item)}
}

func (f *fakeEscrowRepo) Create(_ context.Context, item *escrow.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := *item
	f.items[item.EscrowID] = &cp

	return nil
}

func (f *fakeEscrowRepo) FindByEscrowID(_ context.Context, escrowID string) (*escrow.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item, ok := f.items[escrowID]
	if !ok {
		return nil, nil
	}

	cp := *item

	return &cp, nil
}

func (f *fakeEscrowRepo) FindByQueueItemID(_ context.Context, queueItemID string) (*escrow.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, item := range f.items {
		if item.QueueItemID == queueItemID {
			cp := *item
			return &cp, nil
		}
	}

	return nil, nil
}

func (f *fakeEscrowRepo) ConditionalTransition(_ context.Context, escrowID string, to escrow.Status, modelID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item, ok := f.items[escrowID]
	if !ok {
		return false, merr.NotFoundError{EntityType: "escrow"}
	}

	if item.Status != escrow.StatusHeld {
		return false, nil
	}

	item.Status = to
	item.ModelID = modelID

	return true, nil
}

func (f *fakeEscrowRepo) Delete(_ context.Context, escrowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.items, escrowID)

	return nil
}

// fakeJournalRepo is an in-memory JournalRepository.
type fakeJournalRepo struct {
	mu   sync.Mutex
	rows map[string]*walletjournal.PendingCompletion
}

func newFakeJournalRepo() *fakeJournalRepo {
	return &fakeJournalRepo{rows: make(map[string]*walletjournal.PendingCompletion)}
}

func (f *fakeJournalRepo) Create(_ context.Context, j *walletjournal.PendingCompletion) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := *j
	f.rows[j.TransactionID] = &cp

	return nil
}

func (f *fakeJournalRepo) MarkWalletUpdated(_ context.Context, transactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rows[transactionID].WalletUpdated = true

	return nil
}

func (f *fakeJournalRepo) MarkRefundWritten(_ context.Context, transactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rows[transactionID].RefundWritten = true

	return nil
}

func (f *fakeJournalRepo) MarkSettleWritten(_ context.Context, transactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rows[transactionID].SettleWritten = true

	return nil
}

func (f *fakeJournalRepo) MarkComplete(_ context.Context, transactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rows[transactionID].Status = walletjournal.StatusComplete

	return nil
}

func (f *fakeJournalRepo) FindIncomplete(_ context.Context) ([]*walletjournal.PendingCompletion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*walletjournal.PendingCompletion

	for _, j := range f.rows {
		if j.Status == walletjournal.StatusIncomplete {
			cp := *j
			out = append(out, &cp)
		}
	}

	return out, nil
}

// fakeLedgerRepo is an in-memory ledgerstore.Repository, just enough to
// exercise walletengine's paired-entry writes and idempotent replays.
type fakeLedgerRepo struct {
	mu      sync.Mutex
	entries []*ledger.Entry
}

func (f *fakeLedgerRepo) InsertEntry(_ context.Context, entry *ledger.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.entries {
		if e.IdempotencyKey == entry.IdempotencyKey {
			return merr.ConflictError{EntityType: "ledger_entry"}
		}
	}

	f.entries = append(f.entries, entry)

	return nil
}

func (f *fakeLedgerRepo) FindEntryByIdempotencyKey(_ context.Context, key string) (*ledger.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.entries {
		if e.IdempotencyKey == key {
			return e, nil
		}
	}

	return nil, nil
}

func (f *fakeLedgerRepo) FindEntry(_ context.Context, entryID string) (*ledger.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.entries {
		if e.EntryID == entryID {
			return e, nil
		}
	}

	return nil, nil
}

func (f *fakeLedgerRepo) QueryEntries(_ context.Context, filter ledger.Filter) (*ledger.Page, error) {
	return &ledger.Page{}, nil
}

func (f *fakeLedgerRepo) EntriesForSnapshot(_ context.Context, accountID string, accountType ledger.AccountType, asOf time.Time) ([]*ledger.Entry, error) {
	return nil, nil
}

func (f *fakeLedgerRepo) EntriesInRange(_ context.Context, accountID string, from, to time.Time) ([]*ledger.Entry, error) {
	return nil, nil
}

func (f *fakeLedgerRepo) EntriesByTransaction(_ context.Context, transactionID string) ([]*ledger.Entry, error) {
	return nil, nil
}

type storedRecord struct {
	idempotency.CheckResult
	fingerprint string
}

// fakeIdempotencyRepo is an in-memory ledgerstore.IdempotencyChecker.
type fakeIdempotencyRepo struct {
	mu      sync.Mutex
	records map[string]storedRecord
}

func (f *fakeIdempotencyRepo) Check(_ context.Context, key string, scope idempotency.Scope, requestFingerprint string) (idempotency.CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.records == nil {
		return idempotency.CheckResult{}, nil
	}

	result, ok := f.records[string(scope)+"|"+key]
	if !ok {
		return idempotency.CheckResult{}, nil
	}

	if requestFingerprint != "" && result.fingerprint != "" && requestFingerprint != result.fingerprint {
		return idempotency.CheckResult{}, merr.IdempotencyConflictError{
			Key:          key,
			Scope:        string(scope),
			StoredResult: result.StoredResult,
			StatusCode:   result.StatusCode,
		}
	}

	result.IsDuplicate = true

	return result.CheckResult, nil
}

func (f *fakeIdempotencyRepo) Store(_ context.Context, key string, scope idempotency.Scope, requestFingerprint string, result []byte, statusCode int, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.records == nil {
		f.records = make(map[string]storedRecord)
	}

	f.records[string(scope)+"|"+key] = storedRecord{
		CheckResult: idempotency.CheckResult{StoredResult: result, StatusCode: statusCode},
		fingerprint: requestFingerprint,
	}

	return nil
}

type testHarness struct {
	svc     *Service
	wallets *fakeWalletRepo
	models  *fakeModelWalletRepo
	escrows *fakeEscrowRepo
	journal *fakeJournalRepo
	tokens  *capauth.Issuer
}

func newHarness() *testHarness {
	wallets := newFakeWalletRepo()
	models := newFakeModelWalletRepo()
	escrows := newFakeEscrowRepo()
	journal := newFakeJournalRepo()

	idemRepo := &fakeIdempotencyRepo{}
	ledgerRepo := &fakeLedgerRepo{}
	ledger := ledgerstore.NewService(ledgerRepo, idemRepo)

	bus := eventbus.NewBus()
	tokens := capauth.NewIssuer([]byte("test-secret"), time.Minute)

	svc := NewService(wallets, models, escrows, journal, ledger, bus, tokens)

	return &testHarness{svc: svc, wallets: wallets, models: models, escrows: escrows, journal: journal, tokens: tokens}
}

func TestHoldInEscrow_MovesAvailableToEscrow(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.wallets.Create(ctx, &wallet.Wallet{UserID: "u1", AvailableBalance: 500, Currency: "points"}))

	result, err := h.svc.HoldInEscrow(ctx, HoldRequest{
		UserID:         "u1",
		Amount:         100,
		Reason:         "feature_unlock",
		QueueItemID:    "q1",
		IdempotencyKey: "hold-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(400), result.NewAvailableBalance)
	assert.Equal(t, int64(100), result.EscrowBalance)

	item, err := h.escrows.FindByEscrowID(ctx, result.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, item.Status)
}

func TestHoldInEscrow_InsufficientBalanceRejected(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.wallets.Create(ctx, &wallet.Wallet{UserID: "u1", AvailableBalance: 10, Currency: "points"}))

	_, err := h.svc.HoldInEscrow(ctx, HoldRequest{UserID: "u1", Amount: 100, IdempotencyKey: "hold-2"})
	require.Error(t, err)
	assert.IsType(t, merr.InsufficientBalanceError{}, err)
}

func TestHoldInEscrow_RejectsNonPositiveAmount(t *testing.T) {
	t.Parallel()

	h := newHarness()

	_, err := h.svc.HoldInEscrow(context.Background(), HoldRequest{UserID: "u1", Amount: 0, IdempotencyKey: "hold-3"})
	require.Error(t, err)
	assert.IsType(t, merr.ValidationError{}, err)
}

func TestHoldInEscrow_IdempotentReplay(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.wallets.Create(ctx, &wallet.Wallet{UserID: "u1", AvailableBalance: 500}))

	req := HoldRequest{UserID: "u1", Amount: 100, IdempotencyKey: "dup-hold"}

	first, err := h.svc.HoldInEscrow(ctx, req)
	require.NoError(t, err)

	second, err := h.svc.HoldInEscrow(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.EscrowID, second.EscrowID)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	// the escrow must not have been held twice
	w, err := h.wallets.FindByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), w.AvailableBalance)
}

func holdAndToken(t *testing.T, h *testHarness, op capauth.Operation) (*HoldResult, string) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, h.wallets.Create(ctx, &wallet.Wallet{UserID: "u1", AvailableBalance: 500}))

	hold, err := h.svc.HoldInEscrow(ctx, HoldRequest{UserID: "u1", Amount: 100, QueueItemID: "q1", IdempotencyKey: "hold-settle"})
	require.NoError(t, err)

	token, err := h.tokens.Issue(capauth.Claims{QueueItemID: "q1", EscrowID: hold.EscrowID, Operation: op})
	require.NoError(t, err)

	return hold, token
}

func TestSettleEscrow_CreditsCounterpartyAndReleasesEscrow(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	hold, token := holdAndToken(t, h, capauth.OperationSettleEscrow)

	result, err := h.svc.SettleEscrow(ctx, SettleRequest{
		EscrowID:       hold.EscrowID,
		QueueItemID:    "q1",
		ModelID:        "m1",
		Amount:         100,
		IdempotencyKey: "settle-1",
		Token:          token,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), result.SettledAmount)
	assert.Equal(t, int64(100), result.ModelEarnedBalance)

	w, err := h.wallets.FindByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.EscrowBalance)

	item, err := h.escrows.FindByEscrowID(ctx, hold.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusSettled, item.Status)
}

func TestSettleEscrow_RejectsWrongToken(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	hold, _ := holdAndToken(t, h, capauth.OperationRefundEscrow)

	token, err := h.tokens.Issue(capauth.Claims{QueueItemID: "q1", EscrowID: hold.EscrowID, Operation: capauth.OperationRefundEscrow})
	require.NoError(t, err)

	_, err = h.svc.SettleEscrow(ctx, SettleRequest{EscrowID: hold.EscrowID, QueueItemID: "q1", ModelID: "m1", Amount: 100, IdempotencyKey: "settle-2", Token: token})
	require.Error(t, err)
	assert.IsType(t, merr.InvalidAuthorizationError{}, err)
}

func TestSettleEscrow_AlreadySettledRejected(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	hold, token := holdAndToken(t, h, capauth.OperationSettleEscrow)

	_, err := h.svc.SettleEscrow(ctx, SettleRequest{EscrowID: hold.EscrowID, QueueItemID: "q1", ModelID: "m1", Amount: 100, IdempotencyKey: "settle-3", Token: token})
	require.NoError(t, err)

	token2, err := h.tokens.Issue(capauth.Claims{QueueItemID: "q1", EscrowID: hold.EscrowID, Operation: capauth.OperationSettleEscrow})
	require.NoError(t, err)

	_, err = h.svc.SettleEscrow(ctx, SettleRequest{EscrowID: hold.EscrowID, QueueItemID: "q1", ModelID: "m1", Amount: 100, IdempotencyKey: "settle-4", Token: token2})
	require.Error(t, err)
	assert.IsType(t, merr.AlreadyProcessedError{}, err)
}

// TestSettleEscrow_RetryAfterEscrowTransitionDoesNotDoubleCreditModelWallet
// simulates a client retrying with a fresh idempotency key (so the
// replay cache can't short-circuit it) after the escrow already
// transitioned to settled. The held->settled guard must reject the
// retry before it reaches the model-wallet credit.
func TestSettleEscrow_RetryAfterEscrowTransitionDoesNotDoubleCreditModelWallet(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	hold, token := holdAndToken(t, h, capauth.OperationSettleEscrow)

	_, err := h.svc.SettleEscrow(ctx, SettleRequest{EscrowID: hold.EscrowID, QueueItemID: "q1", ModelID: "m1", Amount: 100, IdempotencyKey: "settle-retry-1", Token: token})
	require.NoError(t, err)

	token2, err := h.tokens.Issue(capauth.Claims{QueueItemID: "q1", EscrowID: hold.EscrowID, Operation: capauth.OperationSettleEscrow})
	require.NoError(t, err)

	_, err = h.svc.SettleEscrow(ctx, SettleRequest{EscrowID: hold.EscrowID, QueueItemID: "q1", ModelID: "m1", Amount: 100, IdempotencyKey: "settle-retry-2", Token: token2})
	require.Error(t, err)
	assert.IsType(t, merr.AlreadyProcessedError{}, err)

	mw, err := h.models.FindByModelID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), mw.EarnedBalance)
}

func TestRefundEscrow_RestoresAvailableBalance(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	hold, token := holdAndToken(t, h, capauth.OperationRefundEscrow)

	result, err := h.svc.RefundEscrow(ctx, RefundRequest{
		EscrowID:       hold.EscrowID,
		QueueItemID:    "q1",
		IdempotencyKey: "refund-1",
		Token:          token,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), result.RefundedAmount)
	assert.Equal(t, int64(500), result.UserAvailableBalance)

	w, err := h.wallets.FindByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.AvailableBalance)
	assert.Equal(t, int64(0), w.EscrowBalance)
}

// TestRefundEscrow_RetryAfterEscrowTransitionDoesNotDoubleCreditWallet is
// RefundEscrow's analogue of the settle retry test above.
func TestRefundEscrow_RetryAfterEscrowTransitionDoesNotDoubleCreditWallet(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	hold, token := holdAndToken(t, h, capauth.OperationRefundEscrow)

	_, err := h.svc.RefundEscrow(ctx, RefundRequest{EscrowID: hold.EscrowID, QueueItemID: "q1", IdempotencyKey: "refund-retry-1", Token: token})
	require.NoError(t, err)

	token2, err := h.tokens.Issue(capauth.Claims{QueueItemID: "q1", EscrowID: hold.EscrowID, Operation: capauth.OperationRefundEscrow})
	require.NoError(t, err)

	_, err = h.svc.RefundEscrow(ctx, RefundRequest{EscrowID: hold.EscrowID, QueueItemID: "q1", IdempotencyKey: "refund-retry-2", Token: token2})
	require.Error(t, err)
	assert.IsType(t, merr.AlreadyProcessedError{}, err)

	w, err := h.wallets.FindByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.AvailableBalance)
}

func TestPartialSettleEscrow_SplitsBetweenRefundAndSettle(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	hold, _ := holdAndToken(t, h, capauth.OperationPartialSettle)

	token, err := h.tokens.Issue(capauth.Claims{QueueItemID: "q1", EscrowID: hold.EscrowID, Operation: capauth.OperationPartialSettle})
	require.NoError(t, err)

	result, err := h.svc.PartialSettleEscrow(ctx, PartialSettleRequest{
		EscrowID:       hold.EscrowID,
		QueueItemID:    "q1",
		ModelID:        "m1",
		RefundAmount:   40,
		SettleAmount:   60,
		IdempotencyKey: "partial-1",
		Token:          token,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(40), result.RefundedAmount)
	assert.Equal(t, int64(60), result.SettledAmount)
	assert.Equal(t, int64(440), result.UserAvailableBalance)
	assert.Equal(t, int64(60), result.ModelEarnedBalance)
}

func TestPartialSettleEscrow_RejectsSplitNotMatchingHeldAmount(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	hold, _ := holdAndToken(t, h, capauth.OperationPartialSettle)

	token, err := h.tokens.Issue(capauth.Claims{QueueItemID: "q1", EscrowID: hold.EscrowID, Operation: capauth.OperationPartialSettle})
	require.NoError(t, err)

	_, err = h.svc.PartialSettleEscrow(ctx, PartialSettleRequest{
		EscrowID:       hold.EscrowID,
		QueueItemID:    "q1",
		ModelID:        "m1",
		RefundAmount:   40,
		SettleAmount:   50, // should sum to 100
		IdempotencyKey: "partial-2",
		Token:          token,
	})
	require.Error(t, err)
	assert.IsType(t, merr.ValidationError{}, err)
}

func TestResumeIncompletePartialSettles_RepairsMissingLedgerWrites(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.escrows.Create(ctx, &escrow.Item{EscrowID: "e1", UserID: "u1", Amount: 100, Status: escrow.StatusSettled, Reason: "feature_unlock"}))

	require.NoError(t, h.journal.Create(ctx, &walletjournal.PendingCompletion{
		TransactionID: "tx1",
		EscrowID:      "e1",
		UserID:        "u1",
		ModelID:       "m1",
		RefundAmount:  40,
		SettleAmount:  60,
		RefundKey:     "tx1_refund",
		SettleKey:     "tx1_settle",
		WalletUpdated: true,
		Status:        walletjournal.StatusIncomplete,
	}))

	resumed, err := h.svc.ResumeIncompletePartialSettles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	row := h.journal.rows["tx1"]
	assert.True(t, row.RefundWritten)
	assert.True(t, row.SettleWritten)
	assert.Equal(t, walletjournal.StatusComplete, row.Status)
}

func TestResumeIncompletePartialSettles_SkipsRowsWhereWalletNeverUpdated(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.journal.Create(ctx, &walletjournal.PendingCompletion{
		TransactionID: "tx2",
		EscrowID:      "e2",
		WalletUpdated: false,
		Status:        walletjournal.StatusIncomplete,
	}))

	resumed, err := h.svc.ResumeIncompletePartialSettles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, resumed)
	assert.Equal(t, walletjournal.StatusIncomplete, h.journal.rows["tx2"].Status)
}

func TestGetUserBalance_MissingWalletReturnsZeros(t *testing.T) {
	t.Parallel()

	h := newHarness()

	w, err := h.svc.GetUserBalance(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.AvailableBalance)
}

func TestGetModelBalance_MissingWalletReturnsZeros(t *testing.T) {
	t.Parallel()

	h := newHarness()

	w, err := h.svc.GetModelBalance(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.EarnedBalance)
	assert.Equal(t, wallet.ModelTypeEarnings, w.Type)
}

func TestHoldInEscrow_RetriesAndRollsBackTentativeEscrowOnLostRace(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.wallets.Create(ctx, &wallet.Wallet{UserID: "u1", AvailableBalance: 500}))

	// simulate a concurrent writer winning the first OCC attempt.
	h.wallets.failNextUpdates = 1

	result, err := h.svc.HoldInEscrow(ctx, HoldRequest{UserID: "u1", Amount: 50, IdempotencyKey: "hold-race"})
	require.NoError(t, err)

	// the hold must have eventually succeeded, on a fresh escrowId, and
	// with no orphaned escrow item left from the losing attempt.
	item, err := h.escrows.FindByEscrowID(ctx, result.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, item.Status)

	w, err := h.wallets.FindByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(450), w.AvailableBalance)
	assert.Equal(t, int64(50), w.EscrowBalance)

	// the losing attempt's tentative escrow item must have been deleted.
	assert.Len(t, h.escrows.items, 1)
}
