package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/idempotency"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/ingestevent"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/ledger"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/ledgerstore"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
)

type fakeIngestRepo struct {
	mu     sync.Mutex
	events map[string]*ingestevent.Event
	dlq    map[string]*ingestevent.DLQEntry
}

func newFakeIngestRepo() *fakeIngestRepo {
	return &fakeIngestRepo{events: make(map[string]*ingestevent.Event), dlq: make(map[string]*ingestevent.DLQEntry)}
}

func (f *fakeIngestRepo) Create(_ context.Context, e *ingestevent.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := *e
	f.events[e.EventID] = &cp

	return nil
}

func (f *fakeIngestRepo) ClaimBatch(_ context.Context, limit int, now time.Time) ([]*ingestevent.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var claimed []*ingestevent.Event

	for _, e := range f.events {
		if len(claimed) >= limit {
			break
		}

		if e.Status == ingestevent.StatusQueued || (e.Status == ingestevent.StatusProcessing && e.NextAttemptAt != nil && !e.NextAttemptAt.After(now)) {
			e.Status = ingestevent.StatusProcessing
			e.Attempts++
			cp := *e
			claimed = append(claimed, &cp)
		}
	}

	return claimed, nil
}

func (f *fakeIngestRepo) MarkProcessed(_ context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events[eventID].Status = ingestevent.StatusProcessed

	return nil
}

func (f *fakeIngestRepo) MarkRejected(_ context.Context, eventID, errorCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events[eventID].Status = ingestevent.StatusRejected
	f.events[eventID].LastErrorCode = errorCode

	return nil
}

func (f *fakeIngestRepo) Requeue(_ context.Context, eventID string, nextAttemptAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := f.events[eventID]
	e.Status = ingestevent.StatusProcessing
	e.NextAttemptAt = &nextAttemptAt

	return nil
}

func (f *fakeIngestRepo) MoveToDLQ(_ context.Context, entry *ingestevent.DLQEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := *entry
	f.dlq[entry.EventID] = &cp

	if e, ok := f.events[entry.EventID]; ok {
		e.Status = ingestevent.StatusDLQ
	}

	return nil
}

func (f *fakeIngestRepo) FindByID(_ context.Context, eventID string) (*ingestevent.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.events[eventID]
	if !ok {
		return nil, nil
	}

	cp := *e

	return &cp, nil
}

type fakeDLQRepo struct {
	ingest *fakeIngestRepo
}

func (f *fakeDLQRepo) FindByEventID(_ context.Context, eventID string) (*ingestevent.DLQEntry, error) {
	f.ingest.mu.Lock()
	defer f.ingest.mu.Unlock()

	e, ok := f.ingest.dlq[eventID]
	if !ok {
		return nil, nil
	}

	cp := *e

	return &cp, nil
}

func (f *fakeDLQRepo) MarkReplayed(_ context.Context, eventID, result string) error {
	f.ingest.mu.Lock()
	defer f.ingest.mu.Unlock()

	now := time.Now().UTC()
	f.ingest.dlq[eventID].ReplayedAt = &now
	f.ingest.dlq[eventID].ReplayResult = result

	return nil
}

type fakeLedgerRepo struct{}

func (fakeLedgerRepo) InsertEntry(context.Context, *ledger.Entry) error { return nil }
func (fakeLedgerRepo) FindEntryByIdempotencyKey(context.Context, string) (*ledger.Entry, error) {
	return nil, nil
}
func (fakeLedgerRepo) FindEntry(context.Context, string) (*ledger.Entry, error) { return nil, nil }
func (fakeLedgerRepo) QueryEntries(context.Context, ledger.Filter) (*ledger.Page, error) {
	return &ledger.Page{}, nil
}
func (fakeLedgerRepo) EntriesForSnapshot(context.Context, string, ledger.AccountType, time.Time) ([]*ledger.Entry, error) {
	return nil, nil
}
func (fakeLedgerRepo) EntriesInRange(context.Context, string, time.Time, time.Time) ([]*ledger.Entry, error) {
	return nil, nil
}
func (fakeLedgerRepo) EntriesByTransaction(context.Context, string) ([]*ledger.Entry, error) {
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

func newTestWorker() (*Worker, *fakeIngestRepo) {
	repo := newFakeIngestRepo()
	dlq := &fakeDLQRepo{ingest: repo}
	ledgerSvc := ledgerstore.NewService(fakeLedgerRepo{}, &fakeIdempotencyRepo{})

	w := NewWorker(repo, dlq, ledgerSvc).WithConfig(Config{
		PollInterval:           time.Millisecond,
		MaxConcurrentJobs:      10,
		MaxRetryAttempts:       3,
		InitialRetryDelay:      time.Millisecond,
		MaxRetryDelay:          10 * time.Millisecond,
		RetryBackoffMultiplier: 2,
	})

	return w, repo
}

func TestPollOnce_SuccessMarksProcessed(t *testing.T) {
	t.Parallel()

	w, repo := newTestWorker()
	ctx := context.Background()

	require.NoError(t, w.Submit(ctx, "evt-1", "escrow.hold", map[string]any{}))

	w.RegisterHandler("escrow.hold", func(_ context.Context, _ *ingestevent.Event) (ingestevent.Outcome, error) {
		return ingestevent.OutcomeSuccess, nil
	})

	w.pollOnce(ctx)

	e, err := repo.FindByID(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, ingestevent.StatusProcessed, e.Status)
}

func TestPollOnce_UnregisteredEventTypeDefaultsToSuccess(t *testing.T) {
	t.Parallel()

	w, repo := newTestWorker()
	ctx := context.Background()

	require.NoError(t, w.Submit(ctx, "evt-2", "unknown.type", map[string]any{}))

	w.pollOnce(ctx)

	e, err := repo.FindByID(ctx, "evt-2")
	require.NoError(t, err)
	assert.Equal(t, ingestevent.StatusProcessed, e.Status)
}

func TestPollOnce_RetryableFailureRequeuesUntilExhausted(t *testing.T) {
	t.Parallel()

	w, repo := newTestWorker()
	ctx := context.Background()

	require.NoError(t, w.Submit(ctx, "evt-3", "escrow.hold", map[string]any{}))

	w.RegisterHandler("escrow.hold", func(_ context.Context, _ *ingestevent.Event) (ingestevent.Outcome, error) {
		return ingestevent.OutcomeRetryableFailure, errors.New("transient downstream error")
	})

	w.pollOnce(ctx)
	e, err := repo.FindByID(ctx, "evt-3")
	require.NoError(t, err)
	assert.Equal(t, ingestevent.StatusProcessing, e.Status)
	assert.Equal(t, 1, e.Attempts)

	// force the row claimable again regardless of its nextAttemptAt.
	for i := 0; i < 2; i++ {
		repo.mu.Lock()
		past := time.Now().UTC().Add(-time.Second)
		repo.events["evt-3"].NextAttemptAt = &past
		repo.mu.Unlock()

		w.pollOnce(ctx)
	}

	e, err = repo.FindByID(ctx, "evt-3")
	require.NoError(t, err)
	assert.Equal(t, ingestevent.StatusDLQ, e.Status)

	dlqEntry, err := w.dlq.FindByEventID(ctx, "evt-3")
	require.NoError(t, err)
	require.NotNil(t, dlqEntry)
	assert.True(t, dlqEntry.Replayable)
}

func TestPollOnce_NonRetryableFailureGoesStraightToDLQ(t *testing.T) {
	t.Parallel()

	w, repo := newTestWorker()
	ctx := context.Background()

	require.NoError(t, w.Submit(ctx, "evt-4", "escrow.hold", map[string]any{}))

	w.RegisterHandler("escrow.hold", func(_ context.Context, _ *ingestevent.Event) (ingestevent.Outcome, error) {
		return ingestevent.OutcomeNonRetryableFailure, merr.ValidationError{Field: "amount", Message: "must be > 0"}
	})

	w.pollOnce(ctx)

	e, err := repo.FindByID(ctx, "evt-4")
	require.NoError(t, err)
	assert.Equal(t, ingestevent.StatusDLQ, e.Status)

	dlqEntry, err := w.dlq.FindByEventID(ctx, "evt-4")
	require.NoError(t, err)
	assert.False(t, dlqEntry.Replayable)
}

func TestPollOnce_DuplicateEventSkipsHandlerAndMarksProcessed(t *testing.T) {
	t.Parallel()

	w, repo := newTestWorker()
	ctx := context.Background()

	require.NoError(t, w.Submit(ctx, "evt-5", "escrow.hold", map[string]any{}))

	called := 0
	w.RegisterHandler("escrow.hold", func(_ context.Context, _ *ingestevent.Event) (ingestevent.Outcome, error) {
		called++
		return ingestevent.OutcomeSuccess, nil
	})

	w.pollOnce(ctx)
	assert.Equal(t, 1, called)

	// resubmit the same eventId as a fresh queued row, simulating a
	// redelivered message; the idempotency store already recorded it.
	require.NoError(t, w.Submit(ctx, "evt-5", "escrow.hold", map[string]any{}))
	w.pollOnce(ctx)

	assert.Equal(t, 1, called)

	e, err := repo.FindByID(ctx, "evt-5")
	require.NoError(t, err)
	assert.Equal(t, ingestevent.StatusProcessed, e.Status)
}

func TestPollOnce_EmptyEventIDGoesStraightToDLQWithInvalidEventCode(t *testing.T) {
	t.Parallel()

	w, repo := newTestWorker()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &ingestevent.Event{
		EventID:   "",
		EventType: "escrow.hold",
		Status:    ingestevent.StatusQueued,
	}))

	called := false
	w.RegisterHandler("escrow.hold", func(_ context.Context, _ *ingestevent.Event) (ingestevent.Outcome, error) {
		called = true
		return ingestevent.OutcomeSuccess, nil
	})

	w.pollOnce(ctx)

	assert.False(t, called, "malformed event must never reach a handler")

	dlqEntry, err := w.dlq.FindByEventID(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, dlqEntry)
	assert.Equal(t, invalidEventCode, dlqEntry.LastErrorCode)
	assert.False(t, dlqEntry.Replayable)
}

func TestPollOnce_MissingTypeSpecificPayloadFieldGoesStraightToDLQ(t *testing.T) {
	t.Parallel()

	w, repo := newTestWorker()
	ctx := context.Background()

	require.NoError(t, w.Submit(ctx, "evt-invalid", "balance_award", map[string]any{"userId": "u1"}))

	called := false
	w.RegisterHandler("balance_award", func(_ context.Context, _ *ingestevent.Event) (ingestevent.Outcome, error) {
		called = true
		return ingestevent.OutcomeSuccess, nil
	})

	w.pollOnce(ctx)

	assert.False(t, called)

	e, err := repo.FindByID(ctx, "evt-invalid")
	require.NoError(t, err)
	assert.Equal(t, ingestevent.StatusDLQ, e.Status)

	dlqEntry, err := w.dlq.FindByEventID(ctx, "evt-invalid")
	require.NoError(t, err)
	require.NotNil(t, dlqEntry)
	assert.Equal(t, invalidEventCode, dlqEntry.LastErrorCode)
}

func TestValidateStructure_UnrecognizedEventTypeSkipsPayloadCheck(t *testing.T) {
	t.Parallel()

	err := validateStructure(&ingestevent.Event{EventID: "e1", EventType: "some.other.type", PayloadSnapshot: map[string]any{}})
	assert.NoError(t, err)
}

func TestReplay_NotFoundRejected(t *testing.T) {
	t.Parallel()

	w, _ := newTestWorker()

	err := w.Replay(context.Background(), "missing")
	require.Error(t, err)
	assert.IsType(t, merr.NotFoundError{}, err)
}

func TestReplay_AlreadyReplayedIsNoOp(t *testing.T) {
	t.Parallel()

	w, repo := newTestWorker()
	ctx := context.Background()

	replayedAt := time.Now().UTC()
	repo.dlq["evt-6"] = &ingestevent.DLQEntry{EventID: "evt-6", Replayable: true, ReplayedAt: &replayedAt}

	err := w.Replay(ctx, "evt-6")
	require.NoError(t, err)
}

func TestReplay_NotReplayableRejected(t *testing.T) {
	t.Parallel()

	w, repo := newTestWorker()
	ctx := context.Background()

	repo.dlq["evt-7"] = &ingestevent.DLQEntry{EventID: "evt-7", Replayable: false}

	err := w.Replay(ctx, "evt-7")
	require.Error(t, err)
	assert.IsType(t, merr.ConflictError{}, err)
}

func TestReplay_SuccessMarksReplayed(t *testing.T) {
	t.Parallel()

	w, repo := newTestWorker()
	ctx := context.Background()

	repo.dlq["evt-8"] = &ingestevent.DLQEntry{EventID: "evt-8", EventType: "escrow.hold", Replayable: true}

	w.RegisterHandler("escrow.hold", func(_ context.Context, _ *ingestevent.Event) (ingestevent.Outcome, error) {
		return ingestevent.OutcomeSuccess, nil
	})

	err := w.Replay(ctx, "evt-8")
	require.NoError(t, err)

	entry, err := w.dlq.FindByEventID(ctx, "evt-8")
	require.NoError(t, err)
	require.NotNil(t, entry.ReplayedAt)
	assert.Equal(t, "processed", entry.ReplayResult)
}

func TestStartStop_CooperativeShutdown(t *testing.T) {
	t.Parallel()

	w, _ := newTestWorker()
	ctx := context.Background()

	go w.Start(ctx)
	time.Sleep(5 * time.Millisecond)
	w.Stop()
}

func TestBackoffFor_CapsAtMaxRetryDelay(t *testing.T) {
	t.Parallel()

	cfg := Config{InitialRetryDelay: time.Second, MaxRetryDelay: 5 * time.Second, RetryBackoffMultiplier: 2}

	assert.Equal(t, time.Second, backoffFor(cfg, 1))
	assert.Equal(t, 2*time.Second, backoffFor(cfg, 2))
	assert.Equal(t, 4*time.Second, backoffFor(cfg, 3))
	assert.Equal(t, 5*time.Second, backoffFor(cfg, 4))
}
