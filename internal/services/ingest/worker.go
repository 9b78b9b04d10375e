// Package ingest implements the polled ingest queue worker and its DLQ,
// per spec.md §4.8: at-least-once event intake with atomic claiming,
// capped-backoff retry, and dead-letter routing.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/idempotency"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/ingestevent"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/ledgerstore"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/fingerprint"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mcontext"
)

// invalidEventCode is the DLQ error code for spec.md §4.8 step 3's
// structural-validation failure.
const invalidEventCode = "INVALID_EVENT"

// payloadRequirements lists the payload fields a given eventType must
// carry non-empty for its structure to be considered valid. Event types
// with no entry here only need a non-empty eventId and eventType.
var payloadRequirements = map[string][]string{
	"balance_award":      {"userId", "amount"},
	"escrow_settle":      {"escrowId", "modelId"},
	"escrow_refund":      {"escrowId"},
	"escrow_partial":     {"escrowId", "modelId"},
	"reservation_commit": {"reservationId"},
}

// validateStructure implements spec.md §4.8 step 3: non-empty eventId,
// and for recognized event types, non-empty type-appropriate payload
// fields. Unrecognized event types are left to the handler to reject.
func validateStructure(e *ingestevent.Event) error {
	if e.EventID == "" {
		return fmt.Errorf("ingest event: empty eventId")
	}

	if e.EventType == "" {
		return fmt.Errorf("ingest event %s: empty eventType", e.EventID)
	}

	fields, ok := payloadRequirements[e.EventType]
	if !ok {
		return nil
	}

	for _, field := range fields {
		v, present := e.PayloadSnapshot[field]
		if !present {
			return fmt.Errorf("ingest event %s: missing payload field %q", e.EventID, field)
		}

		if s, isString := v.(string); isString && s == "" {
			return fmt.Errorf("ingest event %s: empty payload field %q", e.EventID, field)
		}
	}

	return nil
}

// Config holds the tunables spec.md §6 enumerates for the ingest worker.
type Config struct {
	PollInterval           time.Duration
	MaxConcurrentJobs      int
	MaxRetryAttempts       int
	InitialRetryDelay      time.Duration
	MaxRetryDelay          time.Duration
	RetryBackoffMultiplier float64
}

// DefaultConfig matches spec.md §6's defaults exactly.
func DefaultConfig() Config {
	return Config{
		PollInterval:           5 * time.Second,
		MaxConcurrentJobs:      10,
		MaxRetryAttempts:       3,
		InitialRetryDelay:      time.Second,
		MaxRetryDelay:          60 * time.Second,
		RetryBackoffMultiplier: 2,
	}
}

// Worker polls Repository for claimable events and dispatches them to
// registered handlers.
type Worker struct {
	repo    Repository
	dlq     DLQRepository
	ledger  *ledgerstore.Service
	cfg     Config
	mu      sync.RWMutex
	handler map[string]ingestevent.Handler
	stop    chan struct{}
	done    chan struct{}
}

// NewWorker builds a Worker with DefaultConfig; override fields on the
// returned Worker's Config via WithConfig before calling Start.
func NewWorker(repo Repository, dlq DLQRepository, ledger *ledgerstore.Service) *Worker {
	return &Worker{
		repo:    repo,
		dlq:     dlq,
		ledger:  ledger,
		cfg:     DefaultConfig(),
		handler: make(map[string]ingestevent.Handler),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// WithConfig replaces the worker's configuration before Start.
func (w *Worker) WithConfig(cfg Config) *Worker {
	w.cfg = cfg
	return w
}

// RegisterHandler maps an eventType to its processing function. Event
// types with no registered handler fall through to a no-op success
// handler, per spec.md §4.8 step 5.
func (w *Worker) RegisterHandler(eventType string, h ingestevent.Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.handler[eventType] = h
}

// Submit enqueues a new ingest event in the queued state.
func (w *Worker) Submit(ctx context.Context, eventID, eventType string, payload map[string]any) error {
	return w.repo.Create(ctx, &ingestevent.Event{
		EventID:         eventID,
		EventType:       eventType,
		Status:          ingestevent.StatusQueued,
		PayloadSnapshot: payload,
		Replayable:      true,
		ReceivedAt:      time.Now().UTC(),
	})
}

// Start runs the poll loop until Stop is called. It shuts down
// cooperatively at the next loop boundary, never mid-operation.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

// Stop requests the poll loop to exit and waits for the in-flight tick
// to finish.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) pollOnce(ctx context.Context) {
	logger := mcontext.NewLoggerFromContext(ctx)

	claimed, err := w.repo.ClaimBatch(ctx, w.cfg.MaxConcurrentJobs, time.Now().UTC())
	if err != nil {
		logger.Errorf("ingest: claim batch: %v", err)
		return
	}

	for _, e := range claimed {
		w.processOne(ctx, e)
	}
}

func (w *Worker) processOne(ctx context.Context, e *ingestevent.Event) {
	logger := mcontext.NewLoggerFromContext(ctx)

	if err := validateStructure(e); err != nil {
		w.deadLetter(ctx, e, invalidEventCode, err, false)
		return
	}

	fp, err := fingerprint.Of(struct {
		EventType string
		Payload   map[string]any
	}{EventType: e.EventType, Payload: e.PayloadSnapshot})
	if err != nil {
		logger.Errorf("ingest: fingerprint event %s: %v", e.EventID, err)
		return
	}

	check, err := w.ledger.CheckIdempotency(ctx, e.EventID, idempotency.ScopeIngestEvent, fp)
	if err != nil {
		logger.Errorf("ingest: idempotency check for %s: %v", e.EventID, err)
		return
	}

	if check.IsDuplicate {
		if err := w.repo.MarkProcessed(ctx, e.EventID); err != nil {
			logger.Errorf("ingest: mark already-processed event %s: %v", e.EventID, err)
		}

		return
	}

	h := w.lookupHandler(e.EventType)

	outcome, handlerErr := h(ctx, e)

	switch outcome {
	case ingestevent.OutcomeSuccess:
		if err := w.repo.MarkProcessed(ctx, e.EventID); err != nil {
			logger.Errorf("ingest: mark processed %s: %v", e.EventID, err)
			return
		}

		if err := w.ledger.StoreIdempotencyResult(ctx, e.EventID, idempotency.ScopeIngestEvent, fp, nil, 200, idempotency.DefaultOperationalTTL); err != nil {
			logger.Errorf("ingest: store idempotency result %s: %v", e.EventID, err)
		}

	case ingestevent.OutcomeRetryableFailure:
		errCode := errorCode(handlerErr)

		if e.Attempts < w.cfg.MaxRetryAttempts {
			delay := backoffFor(w.cfg, e.Attempts)
			if err := w.repo.Requeue(ctx, e.EventID, time.Now().UTC().Add(delay)); err != nil {
				logger.Errorf("ingest: requeue %s: %v", e.EventID, err)
			}

			return
		}

		w.deadLetter(ctx, e, errCode, handlerErr, true)

	case ingestevent.OutcomeNonRetryableFailure:
		w.deadLetter(ctx, e, errorCode(handlerErr), handlerErr, false)
	}
}

func (w *Worker) deadLetter(ctx context.Context, e *ingestevent.Event, errCode string, handlerErr error, replayable bool) {
	logger := mcontext.NewLoggerFromContext(ctx)

	msg := ""
	if handlerErr != nil {
		msg = handlerErr.Error()
	}

	if err := w.repo.MoveToDLQ(ctx, &ingestevent.DLQEntry{
		EventID:          e.EventID,
		EventType:        e.EventType,
		PayloadSnapshot:  e.PayloadSnapshot,
		Attempts:         e.Attempts,
		LastErrorCode:    errCode,
		LastErrorMessage: msg,
		Replayable:       replayable,
		MovedToDLQAt:     time.Now().UTC(),
	}); err != nil {
		logger.Errorf("ingest: move %s to dlq: %v", e.EventID, err)
	}
}

func (w *Worker) lookupHandler(eventType string) ingestevent.Handler {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if h, ok := w.handler[eventType]; ok {
		return h
	}

	return func(ctx context.Context, e *ingestevent.Event) (ingestevent.Outcome, error) {
		return ingestevent.OutcomeSuccess, nil
	}
}

// backoffFor computes min(initial * multiplier^(attempts-1), max), per
// spec.md §4.8 step 6.
func backoffFor(cfg Config, attempts int) time.Duration {
	delay := float64(cfg.InitialRetryDelay)
	for i := 1; i < attempts; i++ {
		delay *= cfg.RetryBackoffMultiplier
	}

	if time.Duration(delay) > cfg.MaxRetryDelay {
		return cfg.MaxRetryDelay
	}

	return time.Duration(delay)
}

func errorCode(err error) string {
	if err == nil {
		return ""
	}

	return fmt.Sprintf("%T", err)
}
