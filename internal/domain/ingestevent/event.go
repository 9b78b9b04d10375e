// Package ingestevent defines the at-least-once ingest queue entry and
// its dead-letter counterpart.
package ingestevent

import (
	"context"
	"time"
)

// Status is an ingest event's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusRejected   Status = "rejected"
	StatusDLQ        Status = "dlq"
)

// Event is one unit of work on the ingest queue, claimed atomically by a
// single worker at a time via the compound (status, nextAttemptAt) index.
type Event struct {
	EventID         string         `bson:"eventId" json:"eventId"`
	EventType       string         `bson:"eventType" json:"eventType"`
	Status          Status         `bson:"status" json:"status"`
	Attempts        int            `bson:"attempts" json:"attempts"`
	NextAttemptAt   *time.Time     `bson:"nextAttemptAt,omitempty" json:"nextAttemptAt,omitempty"`
	PayloadSnapshot map[string]any `bson:"payloadSnapshot" json:"payloadSnapshot"`
	LastErrorCode   string         `bson:"lastErrorCode,omitempty" json:"lastErrorCode,omitempty"`
	Replayable      bool           `bson:"replayable" json:"replayable"`
	ReceivedAt      time.Time      `bson:"receivedAt" json:"receivedAt"`
}

// DLQEntry snapshots an event that exhausted retries or failed
// non-retryably.
type DLQEntry struct {
	EventID          string         `bson:"eventId" json:"eventId"`
	EventType        string         `bson:"eventType" json:"eventType"`
	PayloadSnapshot  map[string]any `bson:"payloadSnapshot" json:"payloadSnapshot"`
	Attempts         int            `bson:"attempts" json:"attempts"`
	LastErrorCode    string         `bson:"lastErrorCode" json:"lastErrorCode"`
	LastErrorMessage string         `bson:"lastErrorMessage" json:"lastErrorMessage"`
	Replayable       bool           `bson:"replayable" json:"replayable"`
	MovedToDLQAt     time.Time      `bson:"movedToDLQAt" json:"movedToDLQAt"`
	ReplayedAt       *time.Time     `bson:"replayedAt,omitempty" json:"replayedAt,omitempty"`
	ReplayResult     string         `bson:"replayResult,omitempty" json:"replayResult,omitempty"`
}

// Outcome is a handler's disposition after processing one event, driving
// retry vs DLQ routing. This is deliberately a value, not an error type:
// spec.md §7 models RETRYABLE_FAILURE/NON_RETRYABLE_FAILURE as internal to
// ingest handlers, not part of the public error taxonomy.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryableFailure
	OutcomeNonRetryableFailure
)

// Handler processes one claimed event and reports its outcome.
type Handler func(ctx context.Context, event *Event) (Outcome, error)
