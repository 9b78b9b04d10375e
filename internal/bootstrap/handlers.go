package bootstrap

import (
	"context"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/ingestevent"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/ingest"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/reservation"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/walletengine"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
)

// Event types the ingest worker routes to a wallet/escrow/reservation
// operation. Anything else falls through to the worker's default
// no-op-success handler.
const (
	EventTypeHoldEscrow     = "escrow.hold"
	EventTypeSettleEscrow   = "escrow.settle"
	EventTypeRefundEscrow   = "escrow.refund"
	EventTypePartialSettle  = "escrow.partial_settle"
	EventTypeReserve        = "reservation.reserve"
	EventTypeCommitReserve  = "reservation.commit"
	EventTypeReleaseReserve = "reservation.release"
)

// registerHandlers wires every ingest event type this core understands
// to the wallet/escrow engine or reservation subsystem, classifying each
// failure as retryable or terminal per spec.md §7's error taxonomy.
func registerHandlers(worker *ingest.Worker, wallets *walletengine.Service, reservations *reservation.Service) {
	worker.RegisterHandler(EventTypeHoldEscrow, func(ctx context.Context, e *ingestevent.Event) (ingestevent.Outcome, error) {
		req := walletengine.HoldRequest{
			UserID:         str(e.PayloadSnapshot, "userId"),
			Amount:         intVal(e.PayloadSnapshot, "amount"),
			Reason:         str(e.PayloadSnapshot, "reason"),
			QueueItemID:    str(e.PayloadSnapshot, "queueItemId"),
			FeatureType:    str(e.PayloadSnapshot, "featureType"),
			IdempotencyKey: str(e.PayloadSnapshot, "idempotencyKey"),
			RequestID:      e.EventID,
			Metadata:       e.PayloadSnapshot,
		}

		_, err := wallets.HoldInEscrow(ctx, req)

		return classify(err)
	})

	worker.RegisterHandler(EventTypeSettleEscrow, func(ctx context.Context, e *ingestevent.Event) (ingestevent.Outcome, error) {
		req := walletengine.SettleRequest{
			EscrowID:       str(e.PayloadSnapshot, "escrowId"),
			QueueItemID:    str(e.PayloadSnapshot, "queueItemId"),
			ModelID:        str(e.PayloadSnapshot, "modelId"),
			Amount:         intVal(e.PayloadSnapshot, "amount"),
			IdempotencyKey: str(e.PayloadSnapshot, "idempotencyKey"),
			RequestID:      e.EventID,
			Token:          str(e.PayloadSnapshot, "token"),
		}

		_, err := wallets.SettleEscrow(ctx, req)

		return classify(err)
	})

	worker.RegisterHandler(EventTypeRefundEscrow, func(ctx context.Context, e *ingestevent.Event) (ingestevent.Outcome, error) {
		req := walletengine.RefundRequest{
			EscrowID:       str(e.PayloadSnapshot, "escrowId"),
			QueueItemID:    str(e.PayloadSnapshot, "queueItemId"),
			IdempotencyKey: str(e.PayloadSnapshot, "idempotencyKey"),
			RequestID:      e.EventID,
			Token:          str(e.PayloadSnapshot, "token"),
		}

		_, err := wallets.RefundEscrow(ctx, req)

		return classify(err)
	})

	worker.RegisterHandler(EventTypePartialSettle, func(ctx context.Context, e *ingestevent.Event) (ingestevent.Outcome, error) {
		req := walletengine.PartialSettleRequest{
			EscrowID:       str(e.PayloadSnapshot, "escrowId"),
			QueueItemID:    str(e.PayloadSnapshot, "queueItemId"),
			ModelID:        str(e.PayloadSnapshot, "modelId"),
			RefundAmount:   intVal(e.PayloadSnapshot, "refundAmount"),
			SettleAmount:   intVal(e.PayloadSnapshot, "settleAmount"),
			IdempotencyKey: str(e.PayloadSnapshot, "idempotencyKey"),
			RequestID:      e.EventID,
			Token:          str(e.PayloadSnapshot, "token"),
		}

		_, err := wallets.PartialSettleEscrow(ctx, req)

		return classify(err)
	})

	worker.RegisterHandler(EventTypeReserve, func(ctx context.Context, e *ingestevent.Event) (ingestevent.Outcome, error) {
		_, err := reservations.Reserve(ctx,
			str(e.PayloadSnapshot, "userId"),
			intVal(e.PayloadSnapshot, "amount"),
			int(intVal(e.PayloadSnapshot, "ttlSeconds")),
			str(e.PayloadSnapshot, "idempotencyKey"),
		)

		return classify(err)
	})

	worker.RegisterHandler(EventTypeCommitReserve, func(ctx context.Context, e *ingestevent.Event) (ingestevent.Outcome, error) {
		err := reservations.Commit(ctx,
			str(e.PayloadSnapshot, "reservationId"),
			str(e.PayloadSnapshot, "idempotencyKey"),
			str(e.PayloadSnapshot, "recipientId"),
		)

		return classify(err)
	})

	worker.RegisterHandler(EventTypeReleaseReserve, func(ctx context.Context, e *ingestevent.Event) (ingestevent.Outcome, error) {
		err := reservations.Release(ctx,
			str(e.PayloadSnapshot, "reservationId"),
			str(e.PayloadSnapshot, "idempotencyKey"),
		)

		return classify(err)
	})
}

// classify maps a service error to an ingest outcome: validation,
// authorization, and business-state conflicts are terminal (retrying
// won't fix a malformed or already-resolved event); anything else is
// presumed transient (an infra hiccup) and gets retried up to the
// worker's configured attempt cap.
func classify(err error) (ingestevent.Outcome, error) {
	if err == nil {
		return ingestevent.OutcomeSuccess, nil
	}

	switch err.(type) {
	case merr.ValidationError, merr.InvalidAuthorizationError, merr.InsufficientBalanceError,
		merr.AlreadyProcessedError, merr.ExpiredError, merr.NotFoundError:
		return ingestevent.OutcomeNonRetryableFailure, err
	default:
		return ingestevent.OutcomeRetryableFailure, err
	}
}

func str(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}

	s, _ := v.(string)

	return s
}

func intVal(payload map[string]any, key string) int64 {
	v, ok := payload[key]
	if !ok {
		return 0
	}

	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
