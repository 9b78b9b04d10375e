// Package journalrepo is the MongoDB-backed implementation of
// walletengine.JournalRepository: the partial-settle completion journal.
package journalrepo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/walletjournal"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mmongo"
)

const collectionName = "wallet_journal"

// Repository is the MongoDB-specific implementation of
// walletengine.JournalRepository.
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
		return nil, fmt.Errorf("journalrepo: get database: %w", err)
	}

	return db.Collection(collectionName), nil
}

// EnsureIndexes creates a query index for the resume pass's "find
// incomplete rows" scan.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}},
	})

	return err
}

// Create inserts a new incomplete journal row before the wallet OCC
// update it guards.
func (r *Repository) Create(ctx context.Context, j *walletjournal.PendingCompletion) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.InsertOne(ctx, j)
	if err != nil {
		return fmt.Errorf("journalrepo: insert: %w", err)
	}

	return nil
}

func (r *Repository) setFlag(ctx context.Context, transactionID, flag string) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.UpdateOne(ctx, bson.M{"transactionId": transactionID}, bson.M{"$set": bson.M{flag: true}})
	if err != nil {
		return fmt.Errorf("journalrepo: set %s: %w", flag, err)
	}

	return nil
}

// MarkWalletUpdated records that the user-wallet OCC update landed.
func (r *Repository) MarkWalletUpdated(ctx context.Context, transactionID string) error {
	return r.setFlag(ctx, transactionID, "walletUpdated")
}

// MarkRefundWritten records that the refund ledger entry landed.
func (r *Repository) MarkRefundWritten(ctx context.Context, transactionID string) error {
	return r.setFlag(ctx, transactionID, "refundWritten")
}

// MarkSettleWritten records that the settlement ledger entry landed.
func (r *Repository) MarkSettleWritten(ctx context.Context, transactionID string) error {
	return r.setFlag(ctx, transactionID, "settleWritten")
}

// MarkComplete closes out a journal row once both ledger entries landed.
func (r *Repository) MarkComplete(ctx context.Context, transactionID string) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.UpdateOne(ctx,
		bson.M{"transactionId": transactionID},
		bson.M{"$set": bson.M{"status": walletjournal.StatusComplete}},
	)
	if err != nil {
		return fmt.Errorf("journalrepo: mark complete: %w", err)
	}

	return nil
}

// FindIncomplete returns every journal row not yet complete, for the
// crash-recovery resume pass.
func (r *Repository) FindIncomplete(ctx context.Context) ([]*walletjournal.PendingCompletion, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	cursor, err := coll.Find(ctx, bson.M{"status": walletjournal.StatusIncomplete})
	if err != nil {
		return nil, fmt.Errorf("journalrepo: find incomplete: %w", err)
	}

	defer cursor.Close(ctx)

	var rows []*walletjournal.PendingCompletion

	for cursor.Next(ctx) {
		var j walletjournal.PendingCompletion
		if err := cursor.Decode(&j); err != nil {
			return nil, fmt.Errorf("journalrepo: decode: %w", err)
		}

		rows = append(rows, &j)
	}

	return rows, cursor.Err()
}
