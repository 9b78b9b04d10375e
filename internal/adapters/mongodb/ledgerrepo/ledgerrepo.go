// Package ledgerrepo is the MongoDB-backed implementation of
// ledgerstore.Repository: the append-only ledger_entries collection.
package ledgerrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/ledger"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mcontext"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mmongo"
)

const collectionName = "ledger_entries"

// Repository is the MongoDB-specific implementation of
// ledgerstore.Repository.
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
		return nil, fmt.Errorf("ledgerrepo: get database: %w", err)
	}

	return db.Collection(collectionName), nil
}

// EnsureIndexes creates the unique and query indexes spec.md §6 lists
// for ledger_entries.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "entryId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "idempotencyKey", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "accountId", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "accountId", Value: 1}, {Key: "type", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "accountId", Value: 1}, {Key: "balanceState", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "transactionId", Value: 1}}},
		{Keys: bson.D{{Key: "escrowId", Value: 1}}},
		{Keys: bson.D{{Key: "queueItemId", Value: 1}}},
		{Keys: bson.D{{Key: "correlationId", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
	})

	return err
}

// InsertEntry inserts entry, mapping a duplicate idempotencyKey to
// merr.ConflictError so ledgerstore.Service can fetch-and-return the
// winning write (idempotent create).
func (r *Repository) InsertEntry(ctx context.Context, entry *ledger.Entry) error {
	tracer := mcontext.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "mongodb.ledger_entry.insert")
	defer span.End()

	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	_, err = coll.InsertOne(ctx, entry)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return merr.ConflictError{EntityType: "ledger_entry", Message: "idempotency key already recorded", Err: err}
		}

		return fmt.Errorf("ledgerrepo: insert: %w", err)
	}

	return nil
}

// FindEntryByIdempotencyKey returns the entry for idempotencyKey, or nil.
func (r *Repository) FindEntryByIdempotencyKey(ctx context.Context, idempotencyKey string) (*ledger.Entry, error) {
	return r.findOne(ctx, bson.M{"idempotencyKey": idempotencyKey})
}

// FindEntry returns the entry with the given entryId, or nil.
func (r *Repository) FindEntry(ctx context.Context, entryID string) (*ledger.Entry, error) {
	return r.findOne(ctx, bson.M{"entryId": entryID})
}

func (r *Repository) findOne(ctx context.Context, filter bson.M) (*ledger.Entry, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	var entry ledger.Entry

	err = coll.FindOne(ctx, filter).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("ledgerrepo: find one: %w", err)
	}

	return &entry, nil
}

// buildQueryFilter translates filter into a bson.M built exclusively
// from filter's own typed fields. Every key is a fixed string literal
// and every value is copied from a typed struct field, so a filter
// built from hostile input (e.g. a query-operator string in a field
// meant to be an equality match) can never smuggle in a MongoDB
// operator: the caller-supplied data only ever lands as a *value*,
// never as a key.
func buildQueryFilter(filter ledger.Filter) bson.M {
	query := bson.M{}

	if filter.AccountID != "" {
		query["accountId"] = filter.AccountID
	}

	if filter.AccountType != "" {
		query["accountType"] = filter.AccountType
	}

	if filter.Type != "" {
		query["type"] = filter.Type
	}

	if filter.Reason != "" {
		query["reason"] = filter.Reason
	}

	if filter.BalanceState != "" {
		query["balanceState"] = filter.BalanceState
	}

	if filter.EscrowID != "" {
		query["escrowId"] = filter.EscrowID
	}

	if filter.QueueItemID != "" {
		query["queueItemId"] = filter.QueueItemID
	}

	if filter.FeatureType != "" {
		query["featureType"] = filter.FeatureType
	}

	if filter.From != nil || filter.To != nil {
		rng := bson.M{}

		if filter.From != nil {
			rng["$gte"] = *filter.From
		}

		if filter.To != nil {
			rng["$lte"] = *filter.To
		}

		query["timestamp"] = rng
	}

	return query
}

// QueryEntries returns a page of entries matching filter, honoring
// filter's equality predicates, date range, paging, and sort. Every
// predicate here is an explicit bson.M field match against filter's own
// typed fields, never an embedding of caller-supplied query shapes —
// the anti-injection property spec.md §9 requires.
func (r *Repository) QueryEntries(ctx context.Context, filter ledger.Filter) (*ledger.Page, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	query := buildQueryFilter(filter)

	total, err := coll.CountDocuments(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ledgerrepo: count: %w", err)
	}

	sortDir := 1
	if filter.SortDir == ledger.SortDesc {
		sortDir = -1
	}

	skip := int64((filter.Page - 1) * filter.PageSize)
	limit := int64(filter.PageSize)

	opts := options.Find().
		SetSort(bson.D{{Key: string(filter.SortField), Value: sortDir}}).
		SetSkip(skip).
		SetLimit(limit)

	cursor, err := coll.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("ledgerrepo: find: %w", err)
	}

	defer cursor.Close(ctx)

	var entries []*ledger.Entry

	for cursor.Next(ctx) {
		var e ledger.Entry
		if err := cursor.Decode(&e); err != nil {
			return nil, fmt.Errorf("ledgerrepo: decode: %w", err)
		}

		entries = append(entries, &e)
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("ledgerrepo: cursor: %w", err)
	}

	return &ledger.Page{
		Entries:    entries,
		TotalCount: total,
		HasMore:    skip+int64(len(entries)) < total,
	}, nil
}

// EntriesForSnapshot returns every entry for accountID/accountType at or
// before asOf, for the snapshot scan.
func (r *Repository) EntriesForSnapshot(ctx context.Context, accountID string, accountType ledger.AccountType, asOf time.Time) ([]*ledger.Entry, error) {
	return r.findMany(ctx, bson.M{
		"accountId":   accountID,
		"accountType": accountType,
		"timestamp":   bson.M{"$lte": asOf},
	})
}

// EntriesInRange returns every entry for accountID between from and to.
func (r *Repository) EntriesInRange(ctx context.Context, accountID string, from, to time.Time) ([]*ledger.Entry, error) {
	return r.findMany(ctx, bson.M{
		"accountId": accountID,
		"timestamp": bson.M{"$gte": from, "$lte": to},
	})
}

// EntriesByTransaction returns every entry sharing transactionID.
func (r *Repository) EntriesByTransaction(ctx context.Context, transactionID string) ([]*ledger.Entry, error) {
	return r.findMany(ctx, bson.M{"transactionId": transactionID})
}

func (r *Repository) findMany(ctx context.Context, filter bson.M) ([]*ledger.Entry, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	cursor, err := coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("ledgerrepo: find many: %w", err)
	}

	defer cursor.Close(ctx)

	var entries []*ledger.Entry

	for cursor.Next(ctx) {
		var e ledger.Entry
		if err := cursor.Decode(&e); err != nil {
			return nil, fmt.Errorf("ledgerrepo: decode: %w", err)
		}

		entries = append(entries, &e)
	}

	return entries, cursor.Err()
}
