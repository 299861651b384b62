package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/zachbroad/webhook-engine/internal/model"
)

const (
	collectionName   = "subscriptions"
	maxUpdateRetries = 32
)

// mongoDoc wraps the subscription with the fields queries and the version
// compare-and-swap need at the top level.
type mongoDoc struct {
	ID             string    `bson:"_id"`
	TenantID       string    `bson:"tenant_id"`
	OrganizationID string    `bson:"organization_id"`
	Queued         int       `bson:"queued"`
	Version        int64     `bson:"version"`
	CreatedAt      time.Time `bson:"created_at"`
	Subscription   bson.Raw  `bson:"subscription"`
}

// MongoStore keeps subscriptions in a MongoDB collection. Update is optimistic:
// it replaces the document only if its version is unchanged and retries on
// a lost race.
type MongoStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(collectionName), now: time.Now}
}

// EnsureIndexes creates the tenant lookup and queue indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "organization_id", Value: 1}}},
		{Keys: bson.D{{Key: "queued", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create subscription indexes: %w", err)
	}
	return nil
}

func toMongo(sub *model.Subscription) (*mongoDoc, error) {
	b, err := encode(sub)
	if err != nil {
		return nil, err
	}
	var raw bson.Raw
	if err := bson.UnmarshalExtJSON(b, false, &raw); err != nil {
		return nil, fmt.Errorf("convert subscription to bson: %w", err)
	}
	return &mongoDoc{
		ID:             sub.ID.String(),
		TenantID:       sub.TenantID,
		OrganizationID: sub.OrganizationID,
		Queued:         len(sub.Queue.Items),
		Version:        sub.Version,
		CreatedAt:      sub.CreatedAt,
		Subscription:   raw,
	}, nil
}

func fromMongo(doc *mongoDoc) (*model.Subscription, error) {
	b, err := bson.MarshalExtJSON(doc.Subscription, false, false)
	if err != nil {
		return nil, fmt.Errorf("convert subscription from bson: %w", err)
	}
	sub, err := decode(b)
	if err != nil {
		return nil, err
	}
	sub.Version = doc.Version
	return sub, nil
}

func (s *MongoStore) Create(ctx context.Context, sub *model.Subscription) error {
	if sub.Version == 0 {
		sub.Version = 1
	}
	doc, err := toMongo(sub)
	if err != nil {
		return err
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("create subscription %s: %w", sub.ID, model.ErrConflict)
		}
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (s *MongoStore) find(ctx context.Context, id uuid.UUID) (*mongoDoc, error) {
	var doc mongoDoc
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id.String()}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("subscription %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	return &doc, nil
}

func (s *MongoStore) Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	doc, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromMongo(doc)
}

func (s *MongoStore) List(ctx context.Context, f Filter) ([]model.Subscription, error) {
	filter := bson.D{}
	if f.TenantID != "" {
		filter = append(filter, bson.E{Key: "tenant_id", Value: f.TenantID})
	}
	if f.OrganizationID != "" {
		filter = append(filter, bson.E{Key: "organization_id", Value: f.OrganizationID})
	}
	if f.WithQueue {
		filter = append(filter, bson.E{Key: "queued", Value: bson.D{{Key: "$gt", Value: 0}}})
	}

	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer cur.Close(ctx)

	var subs []model.Subscription
	for cur.Next(ctx) {
		var doc mongoDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		sub, err := fromMongo(&doc)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, cur.Err()
}

func (s *MongoStore) Update(ctx context.Context, id uuid.UUID, fn MutateFunc) (*model.Subscription, error) {
	for range maxUpdateRetries {
		doc, err := s.find(ctx, id)
		if err != nil {
			return nil, err
		}
		sub, err := fromMongo(doc)
		if err != nil {
			return nil, err
		}
		if err := apply(sub, fn, s.now()); err != nil {
			return nil, err
		}
		next, err := toMongo(sub)
		if err != nil {
			return nil, err
		}

		res, err := s.coll.ReplaceOne(ctx,
			bson.D{{Key: "_id", Value: doc.ID}, {Key: "version", Value: doc.Version}},
			next,
		)
		if err != nil {
			return nil, fmt.Errorf("replace subscription: %w", err)
		}
		if res.MatchedCount == 1 {
			return sub, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(rand.IntN(5)+1) * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("update subscription %s: %w", id, model.ErrConflict)
}

func (s *MongoStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id.String()}})
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("delete subscription %s: %w", id, model.ErrNotFound)
	}
	return nil
}
