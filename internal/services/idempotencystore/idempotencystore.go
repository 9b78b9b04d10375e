// Package idempotencystore provides composite-(key, scope) dedup with
// stored-result replay, shared by every mutating operation in this core.
package idempotencystore

import (
	"context"
	"time"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/idempotency"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/validation"
)

// Repository is the persistence boundary for idempotency records. Create
// must report merr.ConflictError on a duplicate (key, scope) pair so
// Service can fall through to reading the winner's stored result — the
// first writer wins, losers read.
//
//go:generate mockgen --destination=idempotencystore_mock.go --package=idempotencystore . Repository
type Repository interface {
	Find(ctx context.Context, key string, scope idempotency.Scope) (*idempotency.Record, error)
	Create(ctx context.Context, record *idempotency.Record) error
}

// Service implements the idempotency store operations of spec.md §4.3.
type Service struct {
	repo      Repository
	maxKeyLen int
}

// NewService builds an idempotencystore.Service. maxKeyLen bounds the
// idempotency key length (spec.md §4.9's "typically 128 or 256").
func NewService(repo Repository, maxKeyLen int) *Service {
	if maxKeyLen <= 0 {
		maxKeyLen = 256
	}

	return &Service{repo: repo, maxKeyLen: maxKeyLen}
}

// Check reports whether (key, scope) has already been recorded, returning
// the stored result for replay if so. Keys are validated as UUIDv4 by
// default, matching spec.md §4.3. If a record already exists under (key,
// scope) with a requestFingerprint that differs from the one supplied
// here, this is a reused key submitted with a different payload — Check
// returns merr.IdempotencyConflictError (spec.md §7's IDEMPOTENCY_CONFLICT)
// carrying the original record's stored result and status code, instead
// of silently replaying a different request's outcome. An empty
// requestFingerprint (caller opted out) or empty stored fingerprint
// (record predates fingerprinting) skips the comparison.
func (s *Service) Check(ctx context.Context, key string, scope idempotency.Scope, requestFingerprint string) (idempotency.CheckResult, error) {
	if _, err := validation.UUIDv4(key); err != nil {
		return idempotency.CheckResult{}, err
	}

	record, err := s.repo.Find(ctx, key, scope)
	if err != nil {
		return idempotency.CheckResult{}, err
	}

	if record == nil {
		return idempotency.CheckResult{IsDuplicate: false}, nil
	}

	if requestFingerprint != "" && record.RequestFingerprint != "" && requestFingerprint != record.RequestFingerprint {
		return idempotency.CheckResult{}, merr.IdempotencyConflictError{
			Key:          key,
			Scope:        string(scope),
			StoredResult: record.StoredResult,
			StatusCode:   record.StatusCode,
		}
	}

	return idempotency.CheckResult{
		IsDuplicate:       true,
		StoredResult:      record.StoredResult,
		StatusCode:        record.StatusCode,
		OriginalTimestamp: record.CreatedAt,
	}, nil
}

// Store records result under (key, scope), tagging the record with
// requestFingerprint so a later reuse of the same key with a different
// payload can be detected by Check. A collision with an existing record
// is a no-op, not an error: race resolution favors the first writer, and
// the caller should re-Check to read the winner's result.
func (s *Service) Store(ctx context.Context, key string, scope idempotency.Scope, requestFingerprint string, result []byte, statusCode int, ttl time.Duration) error {
	if _, err := validation.Identifier(key, s.maxKeyLen); err != nil {
		return err
	}

	now := time.Now().UTC()

	if ttl <= 0 {
		ttl = idempotency.DefaultOperationalTTL
	}

	record := &idempotency.Record{
		Key:                key,
		Scope:              scope,
		RequestFingerprint: requestFingerprint,
		StoredResult:       result,
		StatusCode:         statusCode,
		CreatedAt:          now,
		ExpiresAt:          now.Add(ttl),
		RetentionUntil:     now.Add(idempotency.DefaultRetentionTTL),
	}

	err := s.repo.Create(ctx, record)
	if err == nil {
		return nil
	}

	var conflict merr.ConflictError
	if c, ok := err.(merr.ConflictError); ok {
		conflict = c
		_ = conflict

		return nil
	}

	return err
}
