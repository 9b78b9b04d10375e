package ingest

import (
	"context"
	"fmt"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/idempotency"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/ingestevent"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/fingerprint"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
)

// Replay re-runs a dead-lettered event's handler once. A second replay
// of an already-replayed event is a no-op, per spec.md §8 S6.
func (w *Worker) Replay(ctx context.Context, eventID string) error {
	entry, err := w.dlq.FindByEventID(ctx, eventID)
	if err != nil {
		return err
	}

	if entry == nil {
		return merr.NotFoundError{EntityType: "dlq_entry", Message: fmt.Sprintf("dlq entry %s not found", eventID)}
	}

	if entry.ReplayedAt != nil {
		return nil
	}

	if !entry.Replayable {
		return merr.ConflictError{EntityType: "dlq_entry", Message: fmt.Sprintf("dlq entry %s is not replayable", eventID)}
	}

	fp, err := fingerprint.Of(struct {
		EventType string
		Payload   map[string]any
	}{EventType: entry.EventType, Payload: entry.PayloadSnapshot})
	if err != nil {
		return err
	}

	check, err := w.ledger.CheckIdempotency(ctx, eventID, idempotency.ScopeIngestEvent, fp)
	if err != nil {
		return err
	}

	if check.IsDuplicate {
		return w.dlq.MarkReplayed(ctx, eventID, "already_processed")
	}

	h := w.lookupHandler(entry.EventType)

	syntheticEvent := &ingestevent.Event{
		EventID:         entry.EventID,
		EventType:       entry.EventType,
		Status:          ingestevent.StatusProcessing,
		Attempts:        entry.Attempts,
		PayloadSnapshot: entry.PayloadSnapshot,
		Replayable:      entry.Replayable,
	}

	outcome, handlerErr := h(ctx, syntheticEvent)

	if outcome != ingestevent.OutcomeSuccess {
		result := "failed"
		if handlerErr != nil {
			result = handlerErr.Error()
		}

		return w.dlq.MarkReplayed(ctx, eventID, result)
	}

	if err := w.ledger.StoreIdempotencyResult(ctx, eventID, idempotency.ScopeIngestEvent, fp, nil, 200, idempotency.DefaultOperationalTTL); err != nil {
		return err
	}

	return w.dlq.MarkReplayed(ctx, eventID, "processed")
}
