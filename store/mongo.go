package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"socialchat/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore stores conversations and messages in two collections. The
// conversations collection must carry a unique index on pairKey and the
// messages collection a unique partial index on (conversationId,
// idempotencyKey); see database.EnsureIndexes.
type MongoStore struct {
	client        *mongo.Client
	conversations *mongo.Collection
	messages      *mongo.Collection
	// transactions requires a replica set or sharded cluster.
	transactions bool
	now          func() time.Time
}

func NewMongoStore(client *mongo.Client, conversations, messages *mongo.Collection, transactions bool) *MongoStore {
	return &MongoStore{
		client:        client,
		conversations: conversations,
		messages:      messages,
		transactions:  transactions,
		now:           time.Now,
	}
}

func (s *MongoStore) FindOrCreateConversation(ctx context.Context, a, b string) (*models.Conversation, bool, error) {
	key := models.PairKey(a, b)
	newID := primitive.NewObjectID()

	filter := bson.M{"pairKey": key}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":          newID,
		"participants": []string{a, b},
		"pairKey":      key,
		"messages":     []primitive.ObjectID{},
		"createdAt":    s.now().UTC().Truncate(time.Millisecond),
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var conv models.Conversation
	err := s.conversations.FindOneAndUpdate(ctx, filter, update, opts).Decode(&conv)
	if err == nil {
		return &conv, conv.ID == newID, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("upsert conversation: %w", err)
	}

	// Another upsert for the same pair won the race on the unique index.
	if err := s.conversations.FindOne(ctx, filter).Decode(&conv); err != nil {
		return nil, false, fmt.Errorf("refetch conversation after upsert race: %w", err)
	}
	return &conv, false, nil
}

func (s *MongoStore) FindConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.conversations.FindOne(ctx, bson.M{"pairKey": models.PairKey(a, b)}).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return &conv, nil
}

func (s *MongoStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID.IsZero() {
		msg.ID = primitive.NewObjectID()
	}

	if s.transactions {
		return s.withTransaction(ctx, func(sc mongo.SessionContext) error {
			return s.appendOnce(sc, msg)
		})
	}

	// Without transactions: insert, push, and compensate if the push fails.
	if err := s.insertMessage(ctx, msg); err != nil {
		return err
	}
	if err := s.pushMessage(ctx, msg); err != nil {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, delErr := s.messages.DeleteOne(cctx, bson.M{"_id": msg.ID}); delErr != nil {
			return errors.Join(err, fmt.Errorf("compensate message insert: %w", delErr))
		}
		return err
	}
	return nil
}

func (s *MongoStore) appendOnce(ctx context.Context, msg *models.Message) error {
	if err := s.insertMessage(ctx, msg); err != nil {
		return err
	}
	return s.pushMessage(ctx, msg)
}

func (s *MongoStore) insertMessage(ctx context.Context, msg *models.Message) error {
	_, err := s.messages.InsertOne(ctx, msg)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// pushMessage appends the id with $push so concurrent senders never lose
// each other's updates. $max keeps lastMessageAt from moving backwards.
func (s *MongoStore) pushMessage(ctx context.Context, msg *models.Message) error {
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": msg.ConversationID},
		bson.M{
			"$push": bson.M{"messages": msg.ID},
			"$max":  bson.M{"lastMessageAt": msg.CreatedAt},
		},
	)
	if err != nil {
		return fmt.Errorf("append message to conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrConversationGone
	}
	return nil
}

func (s *MongoStore) FindMessageByKey(ctx context.Context, conversationID primitive.ObjectID, key string) (*models.Message, error) {
	var msg models.Message
	err := s.messages.FindOne(ctx, bson.M{"conversationId": conversationID, "idempotencyKey": key}).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find message by key: %w", err)
	}
	return &msg, nil
}

func (s *MongoStore) ListMessages(ctx context.Context, conversationID primitive.ObjectID) ([]models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.messages.Find(ctx, bson.M{"conversationId": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	defer cursor.Close(ctx)

	msgs := []models.Message{}
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}

func (s *MongoStore) DeleteConversation(ctx context.Context, conversationID primitive.ObjectID) error {
	del := func(ctx context.Context) error {
		if _, err := s.messages.DeleteMany(ctx, bson.M{"conversationId": conversationID}); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		res, err := s.conversations.DeleteOne(ctx, bson.M{"_id": conversationID})
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		if res.DeletedCount == 0 {
			return ErrNotFound
		}
		return nil
	}

	if s.transactions {
		return s.withTransaction(ctx, func(sc mongo.SessionContext) error { return del(sc) })
	}
	return del(ctx)
}

type conversationRow struct {
	models.Conversation `bson:",inline"`
	LastMessage         *models.Message `bson:"lastMessage,omitempty"`
}

func (s *MongoStore) ListConversations(ctx context.Context, userID string) ([]models.ConversationWithLast, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "participants", Value: userID}}}},
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: s.messages.Name()},
			{Key: "let", Value: bson.D{{Key: "cid", Value: "$_id"}}},
			{Key: "pipeline", Value: bson.A{
				bson.D{{Key: "$match", Value: bson.D{{Key: "$expr", Value: bson.D{{Key: "$eq", Value: bson.A{"$conversationId", "$$cid"}}}}}}},
				bson.D{{Key: "$sort", Value: bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}}},
				bson.D{{Key: "$limit", Value: 1}},
			}},
			{Key: "as", Value: "last"},
		}}},
		{{Key: "$addFields", Value: bson.D{
			{Key: "lastMessage", Value: bson.D{{Key: "$arrayElemAt", Value: bson.A{"$last", 0}}}},
			{Key: "hasLast", Value: bson.D{{Key: "$size", Value: "$last"}}},
		}}},
		{{Key: "$sort", Value: bson.D{
			{Key: "hasLast", Value: -1},
			{Key: "lastMessage.createdAt", Value: -1},
			{Key: "_id", Value: -1},
		}}},
		{{Key: "$project", Value: bson.D{{Key: "last", Value: 0}, {Key: "hasLast", Value: 0}}}},
	}

	cursor, err := s.conversations.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []conversationRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}

	out := make([]models.ConversationWithLast, len(rows))
	for i, r := range rows {
		out[i] = models.ConversationWithLast{Conversation: r.Conversation, LastMessage: r.LastMessage}
	}
	// The aggregation already sorts; this keeps the order identical to the
	// memory store when timestamps tie.
	SortSummaries(out)
	return out, nil
}

func (s *MongoStore) withTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}
