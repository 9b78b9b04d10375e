// Package ingestrepo is the MongoDB-backed implementation of
// ingest.Repository.
package ingestrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/ingestevent"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mmongo"
)

const collectionName = "ingest_events"

// Repository is the MongoDB-specific implementation of
// ingest.Repository.
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
		return nil, fmt.Errorf("ingestrepo: get database: %w", err)
	}

	return db.Collection(collectionName), nil
}

// EnsureIndexes creates the query indexes spec.md §6 lists for
// ingest_events.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "eventId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "nextAttemptAt", Value: 1}}},
		{Keys: bson.D{{Key: "receivedAt", Value: 1}}},
		{Keys: bson.D{{Key: "eventType", Value: 1}, {Key: "receivedAt", Value: 1}}},
	})

	return err
}

// Create inserts a new queued ingest event.
func (r *Repository) Create(ctx context.Context, e *ingestevent.Event) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.InsertOne(ctx, e)
	if err != nil {
		return fmt.Errorf("ingestrepo: insert: %w", err)
	}

	return nil
}

// ClaimBatch atomically transitions up to limit rows matching
// status=queued OR (status=processing AND nextAttemptAt<=now) into
// processing, incrementing attempts, one conditional update per row so
// two workers never claim the same row twice.
func (r *Repository) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]*ingestevent.Event, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	filter := bson.M{"$or": []bson.M{
		{"status": ingestevent.StatusQueued},
		{"status": ingestevent.StatusProcessing, "nextAttemptAt": bson.M{"$lte": now}},
	}}

	cursor, err := coll.Find(ctx, filter, options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("ingestrepo: find claimable: %w", err)
	}

	var candidates []ingestevent.Event

	for cursor.Next(ctx) {
		var e ingestevent.Event
		if err := cursor.Decode(&e); err != nil {
			cursor.Close(ctx)
			return nil, fmt.Errorf("ingestrepo: decode: %w", err)
		}

		candidates = append(candidates, e)
	}

	if err := cursor.Err(); err != nil {
		cursor.Close(ctx)
		return nil, err
	}

	cursor.Close(ctx)

	var claimed []*ingestevent.Event

	for _, c := range candidates {
		result := coll.FindOneAndUpdate(ctx,
			bson.M{"eventId": c.EventID, "status": c.Status},
			bson.M{
				"$set": bson.M{"status": ingestevent.StatusProcessing},
				"$inc": bson.M{"attempts": 1},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		)

		var updated ingestevent.Event

		if err := result.Decode(&updated); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				// Lost the claim race to another worker; skip.
				continue
			}

			return nil, fmt.Errorf("ingestrepo: claim: %w", err)
		}

		claimed = append(claimed, &updated)
	}

	return claimed, nil
}

// MarkProcessed transitions an event to its terminal success state.
func (r *Repository) MarkProcessed(ctx context.Context, eventID string) error {
	return r.setStatus(ctx, eventID, ingestevent.StatusProcessed, nil)
}

// MarkRejected transitions an event to its terminal rejected state; no
// retry follows a validation failure.
func (r *Repository) MarkRejected(ctx context.Context, eventID, errorCode string) error {
	return r.setStatus(ctx, eventID, ingestevent.StatusRejected, &errorCode)
}

func (r *Repository) setStatus(ctx context.Context, eventID string, status ingestevent.Status, errorCode *string) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	set := bson.M{"status": status}
	if errorCode != nil {
		set["lastErrorCode"] = *errorCode
	}

	_, err = coll.UpdateOne(ctx, bson.M{"eventId": eventID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("ingestrepo: set status: %w", err)
	}

	return nil
}

// Requeue returns an event to queued with a future nextAttemptAt.
func (r *Repository) Requeue(ctx context.Context, eventID string, nextAttemptAt time.Time) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.UpdateOne(ctx,
		bson.M{"eventId": eventID},
		bson.M{"$set": bson.M{"status": ingestevent.StatusQueued, "nextAttemptAt": nextAttemptAt}},
	)
	if err != nil {
		return fmt.Errorf("ingestrepo: requeue: %w", err)
	}

	return nil
}

// MoveToDLQ writes entry to dlq_events and marks the source event dlq.
func (r *Repository) MoveToDLQ(ctx context.Context, entry *ingestevent.DLQEntry) error {
	db, err := r.conn.GetDB(ctx)
	if err != nil {
		return fmt.Errorf("ingestrepo: get database: %w", err)
	}

	if _, err := db.Collection("dlq_events").InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("ingestrepo: insert dlq entry: %w", err)
	}

	return r.setStatus(ctx, entry.EventID, ingestevent.StatusDLQ, &entry.LastErrorCode)
}

// FindByID returns the ingest event for eventID, or nil.
func (r *Repository) FindByID(ctx context.Context, eventID string) (*ingestevent.Event, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	var e ingestevent.Event

	err = coll.FindOne(ctx, bson.M{"eventId": eventID}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("ingestrepo: find by id: %w", err)
	}

	return &e, nil
}
