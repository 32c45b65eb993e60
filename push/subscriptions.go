// Package push sends web push notifications to receivers who are offline.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrNoSubscription = errors.New("no push subscription")

// Subscription is one browser push subscription; a user keeps only the latest.
type Subscription struct {
	UserID    string               `bson:"userId" json:"userId"`
	Sub       webpush.Subscription `bson:"sub" json:"sub"`
	UpdatedAt time.Time            `bson:"updatedAt" json:"updatedAt"`
}

type SubscriptionStore interface {
	Save(ctx context.Context, userID string, sub webpush.Subscription) error
	Find(ctx context.Context, userID string) (*webpush.Subscription, error)
	Delete(ctx context.Context, userID string) error
}

type MongoSubscriptions struct {
	coll *mongo.Collection
}

func NewMongoSubscriptions(coll *mongo.Collection) *MongoSubscriptions {
	return &MongoSubscriptions{coll: coll}
}

func (s *MongoSubscriptions) Save(ctx context.Context, userID string, sub webpush.Subscription) error {
	doc := Subscription{UserID: userID, Sub: sub, UpdatedAt: time.Now().UTC()}
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"userId": userID},
		bson.M{"$set": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save push subscription: %w", err)
	}
	return nil
}

func (s *MongoSubscriptions) Find(ctx context.Context, userID string) (*webpush.Subscription, error) {
	var doc Subscription
	err := s.coll.FindOne(ctx, bson.M{"userId": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("find push subscription: %w", err)
	}
	return &doc.Sub, nil
}

func (s *MongoSubscriptions) Delete(ctx context.Context, userID string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"userId": userID}); err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	return nil
}

type MemorySubscriptions struct {
	mu   sync.Mutex
	subs map[string]webpush.Subscription
}

func NewMemorySubscriptions() *MemorySubscriptions {
	return &MemorySubscriptions{subs: make(map[string]webpush.Subscription)}
}

func (s *MemorySubscriptions) Save(_ context.Context, userID string, sub webpush.Subscription) error {
	s.mu.Lock()
	s.subs[userID] = sub
	s.mu.Unlock()
	return nil
}

func (s *MemorySubscriptions) Find(_ context.Context, userID string) (*webpush.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[userID]
	if !ok {
		return nil, ErrNoSubscription
	}
	return &sub, nil
}

func (s *MemorySubscriptions) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.subs, userID)
	s.mu.Unlock()
	return nil
}
