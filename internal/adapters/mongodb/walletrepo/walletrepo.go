// Package walletrepo is the MongoDB-backed implementation of
// walletengine.WalletRepository and reservation.WalletRepository.
package walletrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/wallet"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mcontext"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mmongo"
)

const collectionName = "wallets"

// MongoDBModel is the BSON-on-the-wire shape of a Wallet.
type MongoDBModel struct {
	UserID           string    `bson:"_id"`
	AvailableBalance int64     `bson:"availableBalance"`
	EscrowBalance    int64     `bson:"escrowBalance"`
	Currency         string    `bson:"currency"`
	Version          int64     `bson:"version"`
	CreatedAt        time.Time `bson:"createdAt"`
	UpdatedAt        time.Time `bson:"updatedAt"`
}

func (m *MongoDBModel) fromEntity(w *wallet.Wallet) {
	m.UserID = w.UserID
	m.AvailableBalance = w.AvailableBalance
	m.EscrowBalance = w.EscrowBalance
	m.Currency = w.Currency
	m.Version = w.Version
	m.CreatedAt = w.CreatedAt
	m.UpdatedAt = w.UpdatedAt
}

func (m *MongoDBModel) toEntity() *wallet.Wallet {
	return &wallet.Wallet{
		UserID:           m.UserID,
		AvailableBalance: m.AvailableBalance,
		EscrowBalance:    m.EscrowBalance,
		Currency:         m.Currency,
		Version:          m.Version,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

// Repository is the MongoDB-specific implementation of
// walletengine.WalletRepository.
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
		return nil, fmt.Errorf("walletrepo: get database: %w", err)
	}

	return db.Collection(collectionName), nil
}

// EnsureIndexes creates the unique and query indexes spec.md §6 lists
// for wallets. Safe to call repeatedly; Mongo no-ops on a match.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "availableBalance", Value: 1}}},
		{Keys: bson.D{{Key: "escrowBalance", Value: 1}}},
	})

	return err
}

// FindByUserID returns the wallet for userID, or nil if none exists.
func (r *Repository) FindByUserID(ctx context.Context, userID string) (*wallet.Wallet, error) {
	tracer := mcontext.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "mongodb.wallet.find_by_user_id")
	defer span.End()

	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	var record MongoDBModel

	err = coll.FindOne(ctx, bson.M{"_id": userID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("walletrepo: find by user id: %w", err)
	}

	return record.toEntity(), nil
}

// Create inserts a new wallet row. A duplicate _id is reported as
// merr.ConflictError so callers can treat a racing create as "someone
// else already created it."
func (r *Repository) Create(ctx context.Context, w *wallet.Wallet) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	record := &MongoDBModel{}
	record.fromEntity(w)

	_, err = coll.InsertOne(ctx, record)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return merr.ConflictError{EntityType: "wallet", Message: "wallet already exists", Err: err}
		}

		return fmt.Errorf("walletrepo: insert: %w", err)
	}

	return nil
}

// ConditionalUpdate applies the new balances iff the stored version
// still matches expectedVersion, bumping version by one. This is the
// sole write path for wallet balances; all mutation flows through it.
func (r *Repository) ConditionalUpdate(ctx context.Context, userID string, expectedVersion int64, newAvailable, newEscrow int64) (bool, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return false, err
	}

	filter := bson.M{"_id": userID, "version": expectedVersion}
	update := bson.M{
		"$set": bson.M{
			"availableBalance": newAvailable,
			"escrowBalance":    newEscrow,
			"updatedAt":        time.Now().UTC(),
		},
		"$inc": bson.M{"version": 1},
	}

	res, err := coll.UpdateOne(ctx, filter, update, options.Update())
	if err != nil {
		return false, fmt.Errorf("walletrepo: conditional update: %w", err)
	}

	return res.MatchedCount == 1, nil
}
