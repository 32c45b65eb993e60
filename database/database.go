package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// DB bundles the client and the collections this service touches.
type DB struct {
	Client        *mongo.Client
	Conversations *mongo.Collection
	Messages      *mongo.Collection
	Users         *mongo.Collection
	PushSubs      *mongo.Collection
}

// Connect dials MongoDB, retrying a few times before giving up.
func Connect(ctx context.Context, uri, dbName string, log *zap.SugaredLogger) (*DB, error) {
	var (
		client *mongo.Client
		err    error
	)
	for attempt := 1; attempt <= 3; attempt++ {
		client, err = connectOnce(ctx, uri)
		if err == nil {
			break
		}
		log.Warnw("mongodb connection attempt failed", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	db := client.Database(dbName)
	log.Infow("connected to mongodb", "database", dbName)
	return &DB{
		Client:        client,
		Conversations: db.Collection("conversations"),
		Messages:      db.Collection("messages"),
		Users:         db.Collection("users"),
		PushSubs:      db.Collection("push_subscriptions"),
	}, nil
}

func connectOnce(ctx context.Context, uri string) (*mongo.Client, error) {
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(cctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

// EnsureIndexes creates the indexes the chat store relies on for correctness:
// one conversation per pair, and at most one message per idempotency key.
func (d *DB) EnsureIndexes(ctx context.Context) error {
	_, err := d.Conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "pairKey", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("pair_key_unique"),
		},
		{
			Keys:    bson.D{{Key: "participants", Value: 1}, {Key: "lastMessageAt", Value: -1}},
			Options: options.Index().SetName("participants_last_message"),
		},
	})
	if err != nil {
		return fmt.Errorf("conversation indexes: %w", err)
	}

	_, err = d.Messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("conversation_created"),
		},
		{
			Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "idempotencyKey", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetName("conversation_idempotency_unique").
				SetPartialFilterExpression(bson.M{"idempotencyKey": bson.M{"$exists": true}}),
		},
	})
	if err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}

	_, err = d.PushSubs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "userId", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("user_unique"),
	})
	if err != nil {
		return fmt.Errorf("push subscription indexes: %w", err)
	}
	return nil
}

func (d *DB) Disconnect(ctx context.Context) error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Disconnect(ctx)
}
