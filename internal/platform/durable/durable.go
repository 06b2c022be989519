// Package durable is the durable half of the idempotency layer: a
// processed-message table keyed by message id, with a TTL index so
// rows self-expire instead of needing a GC job. Mongo's native TTL
// index (expireAfterSeconds) does the expiry server-side.
package durable

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ProcessedStore records that a given (eventType, id) pair has been
// handled, with a TTL so the collection self-prunes.
type ProcessedStore struct {
	col *mongo.Collection
}

type processedDoc struct {
	Key         string    `bson:"key"`
	EventType   string    `bson:"eventType"`
	Identifier  string    `bson:"identifier"`
	ProcessedAt time.Time `bson:"processedAt"`
	ExpireAt    time.Time `bson:"expireAt"`
}

// Connect dials Mongo and verifies connectivity. database is accepted
// for symmetry with NewProcessedStore, which selects the database the
// returned client is later bound to.
func Connect(ctx context.Context, uri, database string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// NewProcessedStore wraps the processed_events collection, creating
// its TTL index (on expireAt, expireAfterSeconds=0 so documents expire
// exactly at the stored time) if missing.
func NewProcessedStore(ctx context.Context, client *mongo.Client, database string) (*ProcessedStore, error) {
	col := client.Database(database).Collection("processed_events")

	_, err := col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "expireAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
		{
			Keys:    bson.D{{Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create processed_events indexes: %w", err)
	}

	return &ProcessedStore{col: col}, nil
}

func key(eventType, id string) string {
	return eventType + ":" + id
}

// IsProcessed reports whether (eventType, id) has already been marked
// processed and not yet expired.
func (s *ProcessedStore) IsProcessed(ctx context.Context, eventType, id string) (bool, error) {
	count, err := s.col.CountDocuments(ctx, bson.M{"key": key(eventType, id)})
	if err != nil {
		return false, fmt.Errorf("check processed %s/%s: %w", eventType, id, err)
	}
	return count > 0, nil
}

// MarkProcessed durably records (eventType, id) with the given ttl.
// A duplicate key (already marked) is not an error — marking is
// idempotent by construction.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, eventType, id string, ttl time.Duration) error {
	now := time.Now()
	doc := processedDoc{
		Key:         key(eventType, id),
		EventType:   eventType,
		Identifier:  id,
		ProcessedAt: now,
		ExpireAt:    now.Add(ttl),
	}
	_, err := s.col.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("mark processed %s/%s: %w", eventType, id, err)
	}
	return nil
}
