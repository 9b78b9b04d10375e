// Package modelwalletrepo is the MongoDB-backed implementation of
// walletengine.ModelWalletRepository.
package modelwalletrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/wallet"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mcontext"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mmongo"
)

const collectionName = "model_wallets"

// MongoDBModel is the BSON-on-the-wire shape of a ModelWallet.
type MongoDBModel struct {
	ModelID       string         `bson:"_id"`
	EarnedBalance int64          `bson:"earnedBalance"`
	Type          wallet.ModelType `bson:"type"`
	Currency      string         `bson:"currency"`
	Version       int64          `bson:"version"`
	CreatedAt     time.Time      `bson:"createdAt"`
	UpdatedAt     time.Time      `bson:"updatedAt"`
}

func (m *MongoDBModel) fromEntity(w *wallet.ModelWallet) {
	m.ModelID = w.ModelID
	m.EarnedBalance = w.EarnedBalance
	m.Type = w.Type
	m.Currency = w.Currency
	m.Version = w.Version
	m.CreatedAt = w.CreatedAt
	m.UpdatedAt = w.UpdatedAt
}

func (m *MongoDBModel) toEntity() *wallet.ModelWallet {
	return &wallet.ModelWallet{
		ModelID:       m.ModelID,
		EarnedBalance: m.EarnedBalance,
		Type:          m.Type,
		Currency:      m.Currency,
		Version:       m.Version,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// Repository is the MongoDB-specific implementation of
// walletengine.ModelWalletRepository.
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
		return nil, fmt.Errorf("modelwalletrepo: get database: %w", err)
	}

	return db.Collection(collectionName), nil
}

// EnsureIndexes creates the indexes spec.md §6 lists for model_wallets.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "earnedBalance", Value: 1}}},
		{Keys: bson.D{{Key: "type", Value: 1}, {Key: "earnedBalance", Value: 1}}},
	})

	return err
}

// FindByModelID returns the counterparty wallet for modelID, or nil if
// none exists.
func (r *Repository) FindByModelID(ctx context.Context, modelID string) (*wallet.ModelWallet, error) {
	tracer := mcontext.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "mongodb.model_wallet.find_by_model_id")
	defer span.End()

	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	var record MongoDBModel

	err = coll.FindOne(ctx, bson.M{"_id": modelID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("modelwalletrepo: find by model id: %w", err)
	}

	return record.toEntity(), nil
}

// Create inserts a new counterparty wallet row.
func (r *Repository) Create(ctx context.Context, w *wallet.ModelWallet) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	record := &MongoDBModel{}
	record.fromEntity(w)

	_, err = coll.InsertOne(ctx, record)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return merr.ConflictError{EntityType: "model_wallet", Message: "model wallet already exists", Err: err}
		}

		return fmt.Errorf("modelwalletrepo: insert: %w", err)
	}

	return nil
}

// ConditionalUpdate applies newEarned iff the stored version still
// matches expectedVersion.
func (r *Repository) ConditionalUpdate(ctx context.Context, modelID string, expectedVersion int64, newEarned int64) (bool, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return false, err
	}

	filter := bson.M{"_id": modelID, "version": expectedVersion}
	update := bson.M{
		"$set": bson.M{"earnedBalance": newEarned, "updatedAt": time.Now().UTC()},
		"$inc": bson.M{"version": 1},
	}

	res, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("modelwalletrepo: conditional update: %w", err)
	}

	return res.MatchedCount == 1, nil
}
