// Package reservationrepo is the MongoDB-backed implementation of
// reservation.Repository.
package reservationrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	resv "github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/reservation"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mmongo"
)

const collectionName = "points_reservations"

// Repository is the MongoDB-specific implementation of
// reservation.Repository.
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
		return nil, fmt.Errorf("reservationrepo: get database: %w", err)
	}

	return db.Collection(collectionName), nil
}

// EnsureIndexes creates the query and TTL indexes spec.md §6 lists for
// points_reservations.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expiresAt", Value: 1}}},
		{
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32((30 * 24 * time.Hour).Seconds())),
		},
	})

	return err
}

// Create inserts a new active reservation row.
func (r *Repository) Create(ctx context.Context, res *resv.Reservation) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.InsertOne(ctx, res)
	if err != nil {
		return fmt.Errorf("reservationrepo: insert: %w", err)
	}

	return nil
}

// FindByID returns the reservation for reservationID, or nil.
func (r *Repository) FindByID(ctx context.Context, reservationID string) (*resv.Reservation, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	var record resv.Reservation

	err = coll.FindOne(ctx, bson.M{"reservationId": reservationID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reservationrepo: find by id: %w", err)
	}

	return &record, nil
}

// ConditionalTransition moves a reservation from active to to, filtered
// on status="active" so it loses cleanly to a concurrent sweeper or a
// duplicate commit/release call.
func (r *Repository) ConditionalTransition(ctx context.Context, reservationID string, to resv.Status, transactionID, recipientID string) (bool, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return false, err
	}

	filter := bson.M{"reservationId": reservationID, "status": resv.StatusActive}
	now := time.Now().UTC()

	set := bson.M{"status": to, "processedAt": now}
	if transactionID != "" {
		set["transactionId"] = transactionID
	}

	if recipientID != "" {
		set["recipientId"] = recipientID
	}

	res, err := coll.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("reservationrepo: conditional transition: %w", err)
	}

	return res.MatchedCount == 1, nil
}

// FindExpiredActive returns active reservations whose expiresAt has
// passed asOf, for the expiry sweeper.
func (r *Repository) FindExpiredActive(ctx context.Context, asOf int64) ([]*resv.Reservation, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	deadline := time.Unix(asOf, 0).UTC()

	cursor, err := coll.Find(ctx, bson.M{"status": resv.StatusActive, "expiresAt": bson.M{"$lte": deadline}})
	if err != nil {
		return nil, fmt.Errorf("reservationrepo: find expired: %w", err)
	}

	defer cursor.Close(ctx)

	var reservations []*resv.Reservation

	for cursor.Next(ctx) {
		var res resv.Reservation
		if err := cursor.Decode(&res); err != nil {
			return nil, fmt.Errorf("reservationrepo: decode: %w", err)
		}

		reservations = append(reservations, &res)
	}

	return reservations, cursor.Err()
}
