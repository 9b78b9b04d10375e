// Package idempotencyrepo is the MongoDB-backed implementation of
// idempotencystore.Repository.
package idempotencyrepo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/idempotency"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mmongo"
)

const collectionName = "idempotency_records"

// Repository is the MongoDB-specific implementation of
// idempotencystore.Repository.
type Repository struct {
	conn *mmongo.MongoConnection
}

// NewRepository returns a new Repository using the given connection.
func NewRepository(conn *mmongo.MongoConnection) *Repository {
	return &Repository{conn: conn}
}

func (r *Repository) collection(ctx context.Context) (*mongo.Collection, error) {
	db, err := r.conn.GetDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("idempotencyrepo: get database: %w", err)
	}

	return db.Collection(collectionName), nil
}

// EnsureIndexes creates the composite unique key and the operational TTL
// index spec.md §6 lists for idempotency_records. retentionUntil is
// deliberately left without a TTL index — see DESIGN.md's Open Question
// #1 resolution: the compliance horizon is a floor, not a scheduled
// deletion.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "idempotencyKey", Value: 1}, {Key: "eventScope", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
		{Keys: bson.D{{Key: "retentionUntil", Value: 1}}},
	})

	return err
}

// Find returns the record for (key, scope), or nil if none exists.
func (r *Repository) Find(ctx context.Context, key string, scope idempotency.Scope) (*idempotency.Record, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	var record idempotency.Record

	err = coll.FindOne(ctx, bson.M{"idempotencyKey": key, "eventScope": scope}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("idempotencyrepo: find: %w", err)
	}

	return &record, nil
}

// Create inserts record, reporting merr.ConflictError on a duplicate
// (key, scope) pair — the first writer wins, per spec.md §4.3.
func (r *Repository) Create(ctx context.Context, record *idempotency.Record) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.InsertOne(ctx, record)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return merr.ConflictError{EntityType: "idempotency_record", Message: "key already recorded under this scope", Err: err}
		}

		return fmt.Errorf("idempotencyrepo: insert: %w", err)
	}

	return nil
}
