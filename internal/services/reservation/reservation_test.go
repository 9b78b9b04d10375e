package reservation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/idempotency"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/ledger"
	resv "github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/reservation"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/wallet"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/eventbus"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/ledgerstore"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
)

type fakeWalletRepo struct {
	mu      sync.Mutex
	wallets map[string]*wallet.Wallet
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

	if w.Version != expectedVersion {
		return false, nil
	}

	w.AvailableBalance = newAvailable
	w.EscrowBalance = newEscrow
	w.Version++

	return true, nil
}

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

	cp := *w
	f.wallets[w.ModelID] = &cp

	return nil
}

func (f *fakeModelWalletRepo) ConditionalUpdate(_ context.Context, modelID string, expectedVersion, newEarned int64) (bool, error) {
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

type fakeReservationRepo struct {
	mu   sync.Mutex
	rows map[string]*resv.Reservation
}

func newFakeReservationRepo() *fakeReservationRepo {
	return &fakeReservationRepo{rows: make(map[string]*resv.Reservation)}
}

func (f *fakeReservationRepo) Create(_ context.Context, r *resv.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := *r
	f.rows[r.ReservationID] = &cp

	return nil
}

func (f *fakeReservationRepo) FindByID(_ context.Context, reservationID string) (*resv.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.rows[reservationID]
	if !ok {
		return nil, nil
	}

	cp := *r

	return &cp, nil
}

func (f *fakeReservationRepo) ConditionalTransition(_ context.Context, reservationID string, to resv.Status, transactionID, recipientID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.rows[reservationID]
	if !ok {
		return false, merr.NotFoundError{EntityType: "reservation"}
	}

	if r.Status != resv.StatusActive {
		return false, nil
	}

	r.Status = to
	r.TransactionID = transactionID
	r.RecipientID = recipientID

	return true, nil
}

func (f *fakeReservationRepo) FindExpiredActive(_ context.Context, asOf int64) ([]*resv.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*resv.Reservation

	for _, r := range f.rows {
		if r.Status == resv.StatusActive && r.ExpiresAt.Unix() <= asOf {
			cp := *r
			out = append(out, &cp)
		}
	}

	return out, nil
}

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
	svc          *Service
	wallets      *fakeWalletRepo
	modelWallets *fakeModelWalletRepo
	reservations *fakeReservationRepo
}

func newHarness() *testHarness {
	wallets := newFakeWalletRepo()
	modelWallets := newFakeModelWalletRepo()
	reservations := newFakeReservationRepo()
	ledgerSvc := ledgerstore.NewService(&fakeLedgerRepo{}, &fakeIdempotencyRepo{})
	bus := eventbus.NewBus()

	svc := NewService(reservations, wallets, modelWallets, ledgerSvc, bus)

	return &testHarness{svc: svc, wallets: wallets, modelWallets: modelWallets, reservations: reservations}
}

func TestReserve_HoldsAvailableBalance(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.wallets.Create(ctx, &wallet.Wallet{UserID: "u1", AvailableBalance: 500}))

	result, err := h.svc.Reserve(ctx, "u1", 100, 0, "res-1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.ReservationID)
	assert.True(t, result.ExpiresAt.After(time.Now().UTC()))

	w, err := h.wallets.FindByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), w.AvailableBalance)
}

func TestReserve_RejectsNonPositiveAmount(t *testing.T) {
	t.Parallel()

	h := newHarness()

	_, err := h.svc.Reserve(context.Background(), "u1", 0, 0, "res-2")
	require.Error(t, err)
	assert.IsType(t, merr.ValidationError{}, err)
}

func TestReserve_InsufficientBalanceRejected(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.wallets.Create(ctx, &wallet.Wallet{UserID: "u1", AvailableBalance: 10}))

	_, err := h.svc.Reserve(ctx, "u1", 100, 0, "res-3")
	require.Error(t, err)
	assert.IsType(t, merr.InsufficientBalanceError{}, err)
}

func TestReserve_DuplicateIdempotencyKeyRejected(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.wallets.Create(ctx, &wallet.Wallet{UserID: "u1", AvailableBalance: 500}))

	_, err := h.svc.Reserve(ctx, "u1", 100, 0, "res-dup")
	require.NoError(t, err)

	_, err = h.svc.Reserve(ctx, "u1", 100, 0, "res-dup")
	require.Error(t, err)
	assert.IsType(t, merr.ConflictError{}, err)
}

func TestCommit_ConsumesReservation(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.wallets.Create(ctx, &wallet.Wallet{UserID: "u1", AvailableBalance: 500}))

	reserved, err := h.svc.Reserve(ctx, "u1", 100, 0, "res-commit")
	require.NoError(t, err)

	err = h.svc.Commit(ctx, reserved.ReservationID, "commit-1", "m1")
	require.NoError(t, err)

	r, err := h.reservations.FindByID(ctx, reserved.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, resv.StatusCommitted, r.Status)
	assert.Equal(t, "m1", r.RecipientID)

	mw, err := h.modelWallets.FindByModelID(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, mw)
	assert.Equal(t, int64(100), mw.EarnedBalance)
}

func TestCommit_NoRecipientDoesNotCreditAnyModelWallet(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.wallets.Create(ctx, &wallet.Wallet{UserID: "u1", AvailableBalance: 500}))

	reserved, err := h.svc.Reserve(ctx, "u1", 100, 0, "res-commit-norecip")
	require.NoError(t, err)

	require.NoError(t, h.svc.Commit(ctx, reserved.ReservationID, "commit-norecip", ""))

	assert.Empty(t, h.modelWallets.wallets)
}

func TestCommit_DifferentRecipientSameKeyReturnsIdempotencyConflict(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.wallets.Create(ctx, &wallet.Wallet{UserID: "u1", AvailableBalance: 500}))

	reserved, err := h.svc.Reserve(ctx, "u1", 100, 0, "res-commit-conflict")
	require.NoError(t, err)

	require.NoError(t, h.svc.Commit(ctx, reserved.ReservationID, "commit-conflict", "m1"))

	err = h.svc.Commit(ctx, reserved.ReservationID, "commit-conflict", "m2")
	require.Error(t, err)
	assert.IsType(t, merr.IdempotencyConflictError{}, err)
}

func TestCommit_AlreadyProcessedRejected(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.wallets.Create(ctx, &wallet.Wallet{UserID: "u1", AvailableBalance: 500}))

	reserved, err := h.svc.Reserve(ctx, "u1", 100, 0, "res-commit2")
	require.NoError(t, err)

	require.NoError(t, h.svc.Commit(ctx, reserved.ReservationID, "commit-2", "m1"))

	err = h.svc.Commit(ctx, reserved.ReservationID, "commit-3", "m1")
	require.Error(t, err)
	assert.IsType(t, merr.AlreadyProcessedError{}, err)
}

func TestCommit_ExpiredReservationRejected(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.reservations.Create(ctx, &resv.Reservation{
		ReservationID: "r-expired",
		UserID:        "u1",
		Amount:        50,
		Status:        resv.StatusActive,
		ExpiresAt:     time.Now().UTC().Add(-time.Minute),
	}))

	err := h.svc.Commit(ctx, "r-expired", "commit-4", "")
	require.Error(t, err)
	assert.IsType(t, merr.ExpiredError{}, err)
}

func TestCommit_NotFoundRejected(t *testing.T) {
	t.Parallel()

	h := newHarness()

	err := h.svc.Commit(context.Background(), "missing", "commit-5", "")
	require.Error(t, err)
	assert.IsType(t, merr.NotFoundError{}, err)
}

func TestRelease_RestoresAvailableBalance(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.wallets.Create(ctx, &wallet.Wallet{UserID: "u1", AvailableBalance: 500}))

	reserved, err := h.svc.Reserve(ctx, "u1", 100, 0, "res-release")
	require.NoError(t, err)

	err = h.svc.Release(ctx, reserved.ReservationID, "release-1")
	require.NoError(t, err)

	w, err := h.wallets.FindByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.AvailableBalance)

	r, err := h.reservations.FindByID(ctx, reserved.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, resv.StatusReleased, r.Status)
}

func TestSweepExpired_TransitionsOverdueReservationsAndRestoresBalance(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.wallets.Create(ctx, &wallet.Wallet{UserID: "u1", AvailableBalance: 400, Version: 1}))
	require.NoError(t, h.reservations.Create(ctx, &resv.Reservation{
		ReservationID: "r-sweep",
		UserID:        "u1",
		Amount:        100,
		Status:        resv.StatusActive,
		ExpiresAt:     time.Now().UTC().Add(-time.Minute),
	}))

	swept, err := h.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	w, err := h.wallets.FindByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.AvailableBalance)

	r, err := h.reservations.FindByID(ctx, "r-sweep")
	require.NoError(t, err)
	assert.Equal(t, resv.StatusExpired, r.Status)
}

func TestSweepExpired_SkipsNonExpiredReservations(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.wallets.Create(ctx, &wallet.Wallet{UserID: "u1", AvailableBalance: 400}))
	require.NoError(t, h.reservations.Create(ctx, &resv.Reservation{
		ReservationID: "r-fresh",
		UserID:        "u1",
		Amount:        100,
		Status:        resv.StatusActive,
		ExpiresAt:     time.Now().UTC().Add(time.Hour),
	}))

	swept, err := h.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}
