package walletengine

import (
	"context"
	"time"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
)

// DefaultOCCMaxAttempts and DefaultOCCBaseDelay match spec.md §4.2's
// "default 3 attempts, base delay ~100ms doubling."
const (
	DefaultOCCMaxAttempts = 3
	DefaultOCCBaseDelay   = 100 * time.Millisecond
)

// occAttemptFunc performs one optimistic-locked read-compute-write cycle.
// It returns applied=true on a successful conditional write, applied=false
// if the conditional write lost the race (version changed underneath
// it), or a non-nil err for any other failure.
type occAttemptFunc func(ctx context.Context, attempt int) (applied bool, err error)

// runOCC retries fn up to maxAttempts times with doubling backoff,
// returning merr.OptimisticLockError on retry exhaustion.
func runOCC(ctx context.Context, entityType, entityID string, maxAttempts int, baseDelay time.Duration, fn occAttemptFunc) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultOCCMaxAttempts
	}

	if baseDelay <= 0 {
		baseDelay = DefaultOCCBaseDelay
	}

	delay := baseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		applied, err := fn(ctx, attempt)
		if err != nil {
			return err
		}

		if applied {
			return nil
		}

		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
	}

	return merr.OptimisticLockError{EntityType: entityType, EntityID: entityID, Attempts: maxAttempts}
}
