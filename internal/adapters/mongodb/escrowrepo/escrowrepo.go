// Package escrowrepo is the MongoDB-backed implementation of
// walletengine.EscrowRepository.
package escrowrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/escrow"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mcontext"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mmongo"
)

const collectionName = "escrow_items"

// MongoDBModel is the BSON-on-the-wire shape of an escrow.Item.
type MongoDBModel struct {
	EscrowID    string     `bson:"_id"`
	UserID      string     `bson:"userId"`
	Amount      int64      `bson:"amount"`
	Status      escrow.Status `bson:"status"`
	QueueItemID string     `bson:"queueItemId"`
	FeatureType string     `bson:"featureType"`
	Reason      string     `bson:"reason"`
	ModelID     string     `bson:"modelId,omitempty"`
	CreatedAt   time.Time  `bson:"createdAt"`
	ProcessedAt *time.Time `bson:"processedAt,omitempty"`
}

func (m *MongoDBModel) fromEntity(it *escrow.Item) {
	m.EscrowID = it.EscrowID
	m.UserID = it.UserID
	m.Amount = it.Amount
	m.Status = it.Status
	m.QueueItemID = it.QueueItemID
	m.FeatureType = it.FeatureType
	m.Reason = it.Reason
	m.ModelID = it.ModelID
	m.CreatedAt = it.CreatedAt
	m.ProcessedAt = it.ProcessedAt
}

func (m *MongoDBModel) toEntity() *escrow.Item {
	return &escrow.Item{
		EscrowID:    m.EscrowID,
		UserID:      m.UserID,
		Amount:      m.Amount,
		Status:      m.Status,
		QueueItemID: m.QueueItemID,
		FeatureType: m.FeatureType,
		Reason:      m.Reason,
		ModelID:     m.ModelID,
		CreatedAt:   m.CreatedAt,
		ProcessedAt: m.ProcessedAt,
	}
}

// Repository is the MongoDB-specific implementation of
// walletengine.EscrowRepository.
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
		return nil, fmt.Errorf("escrowrepo: get database: %w", err)
	}

	return db.Collection(collectionName), nil
}

// EnsureIndexes creates the unique and query indexes spec.md §6 lists
// for escrow_items.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "queueItemId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "status", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "modelId", Value: 1}, {Key: "status", Value: 1}, {Key: "processedAt", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "featureType", Value: 1}, {Key: "status", Value: 1}}},
	})

	return err
}

// Create inserts a new held escrow item. A duplicate queueItemId is
// reported as merr.ConflictError.
func (r *Repository) Create(ctx context.Context, item *escrow.Item) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	record := &MongoDBModel{}
	record.fromEntity(item)

	_, err = coll.InsertOne(ctx, record)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return merr.ConflictError{EntityType: "escrow", Message: "escrow already exists for this queue item", Err: err}
		}

		return fmt.Errorf("escrowrepo: insert: %w", err)
	}

	return nil
}

// FindByEscrowID returns the escrow item for escrowID, or nil if none
// exists.
func (r *Repository) FindByEscrowID(ctx context.Context, escrowID string) (*escrow.Item, error) {
	tracer := mcontext.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "mongodb.escrow.find_by_escrow_id")
	defer span.End()

	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	var record MongoDBModel

	err = coll.FindOne(ctx, bson.M{"_id": escrowID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("escrowrepo: find by escrow id: %w", err)
	}

	return record.toEntity(), nil
}

// FindByQueueItemID returns the escrow item for queueItemID, or nil if
// none exists.
func (r *Repository) FindByQueueItemID(ctx context.Context, queueItemID string) (*escrow.Item, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	var record MongoDBModel

	err = coll.FindOne(ctx, bson.M{"queueItemId": queueItemID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("escrowrepo: find by queue item id: %w", err)
	}

	return record.toEntity(), nil
}

// ConditionalTransition moves an item from held to to, filtered on
// status="held" so it loses cleanly to a concurrent duplicate
// settle/refund/partial-settle attempt.
func (r *Repository) ConditionalTransition(ctx context.Context, escrowID string, to escrow.Status, modelID string) (bool, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return false, err
	}

	filter := bson.M{"_id": escrowID, "status": escrow.StatusHeld}
	now := time.Now().UTC()

	set := bson.M{"status": to, "processedAt": now}
	if modelID != "" {
		set["modelId"] = modelID
	}

	res, err := coll.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("escrowrepo: conditional transition: %w", err)
	}

	return res.MatchedCount == 1, nil
}

// Delete removes a tentatively-created escrow item after a lost OCC
// race on the wallet it was paired with, per spec.md §9's rollback
// requirement.
func (r *Repository) Delete(ctx context.Context, escrowID string) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.DeleteOne(ctx, bson.M{"_id": escrowID})
	if err != nil {
		return fmt.Errorf("escrowrepo: delete: %w", err)
	}

	return nil
}
