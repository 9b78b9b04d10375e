package ingest

import (
	"context"
	"time"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/ingestevent"
)

// Repository is the persistence boundary for the ingest queue.
//
//go:generate mockgen --destination=repository_mock.go --package=ingest . Repository
type Repository interface {
	Create(ctx context.Context, e *ingestevent.Event) error
	// ClaimBatch atomically transitions up to limit rows matching
	// status=queued OR (status=processing AND nextAttemptAt<=now) into
	// processing, incrementing attempts, and returns the claimed rows.
	// Each row transitions independently so two workers never claim the
	// same row twice.
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]*ingestevent.Event, error)
	MarkProcessed(ctx context.Context, eventID string) error
	MarkRejected(ctx context.Context, eventID, errorCode string) error
	Requeue(ctx context.Context, eventID string, nextAttemptAt time.Time) error
	MoveToDLQ(ctx context.Context, entry *ingestevent.DLQEntry) error
	FindByID(ctx context.Context, eventID string) (*ingestevent.Event, error)
}

// DLQRepository is the persistence boundary for dead-lettered events.
//
//go:generate mockgen --destination=dlq_repository_mock.go --package=ingest . DLQRepository
type DLQRepository interface {
	FindByEventID(ctx context.Context, eventID string) (*ingestevent.DLQEntry, error)
	MarkReplayed(ctx context.Context, eventID, result string) error
}
