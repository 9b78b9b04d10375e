// Package dlqrepo is the MongoDB-backed implementation of
// ingest.DLQRepository.
package dlqrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/ingestevent"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mmongo"
)

const collectionName = "dlq_events"

// Repository is the MongoDB-specific implementation of
// ingest.DLQRepository.
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
		return nil, fmt.Errorf("dlqrepo: get database: %w", err)
	}

	return db.Collection(collectionName), nil
}

// EnsureIndexes creates the query indexes spec.md §6 lists for
// dlq_events.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "eventId", Value: 1}}},
		{Keys: bson.D{{Key: "movedToDLQAt", Value: 1}}},
		{Keys: bson.D{{Key: "eventType", Value: 1}, {Key: "movedToDLQAt", Value: 1}}},
		{Keys: bson.D{{Key: "replayable", Value: 1}, {Key: "movedToDLQAt", Value: 1}}},
	})

	return err
}

// FindByEventID returns the dlq entry for eventID, or nil.
func (r *Repository) FindByEventID(ctx context.Context, eventID string) (*ingestevent.DLQEntry, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	var entry ingestevent.DLQEntry

	err = coll.FindOne(ctx, bson.M{"eventId": eventID}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("dlqrepo: find by event id: %w", err)
	}

	return &entry, nil
}

// MarkReplayed records the outcome of a replay attempt.
func (r *Repository) MarkReplayed(ctx context.Context, eventID, result string) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	_, err = coll.UpdateOne(ctx,
		bson.M{"eventId": eventID},
		bson.M{"$set": bson.M{"replayedAt": now, "replayResult": result}},
	)
	if err != nil {
		return fmt.Errorf("dlqrepo: mark replayed: %w", err)
	}

	return nil
}
