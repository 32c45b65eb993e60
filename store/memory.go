package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"socialchat/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore keeps everything in process. It is used by tests and by the
// memory store driver for local development.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[primitive.ObjectID]*models.Conversation
	byPair        map[string]primitive.ObjectID
	messages      map[primitive.ObjectID][]models.Message // conversation id -> messages in append order
	keys          map[primitive.ObjectID]map[string]primitive.ObjectID
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[primitive.ObjectID]*models.Conversation),
		byPair:        make(map[string]primitive.ObjectID),
		messages:      make(map[primitive.ObjectID][]models.Message),
		keys:          make(map[primitive.ObjectID]map[string]primitive.ObjectID),
		now:           time.Now,
	}
}

func (s *MemoryStore) FindOrCreateConversation(ctx context.Context, a, b string) (*models.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	key := models.PairKey(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byPair[key]; ok {
		return copyConversation(s.conversations[id]), false, nil
	}
	conv := &models.Conversation{
		ID:           primitive.NewObjectID(),
		Participants: []string{a, b},
		PairKey:      key,
		Messages:     []primitive.ObjectID{},
		CreatedAt:    s.now().UTC().Truncate(time.Millisecond),
	}
	s.conversations[conv.ID] = conv
	s.byPair[key] = conv.ID
	return copyConversation(conv), true, nil
}

func (s *MemoryStore) FindConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[models.PairKey(a, b)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(s.conversations[id]), nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return ErrConversationGone
	}
	if msg.IdempotencyKey != "" {
		if _, dup := s.keys[conv.ID][msg.IdempotencyKey]; dup {
			return ErrDuplicateKey
		}
	}
	if msg.ID.IsZero() {
		msg.ID = primitive.NewObjectID()
	}

	s.messages[conv.ID] = append(s.messages[conv.ID], *msg)
	conv.Messages = append(conv.Messages, msg.ID)
	if conv.LastMessageAt == nil || msg.CreatedAt.After(*conv.LastMessageAt) {
		at := msg.CreatedAt
		conv.LastMessageAt = &at
	}
	if msg.IdempotencyKey != "" {
		if s.keys[conv.ID] == nil {
			s.keys[conv.ID] = make(map[string]primitive.ObjectID)
		}
		s.keys[conv.ID][msg.IdempotencyKey] = msg.ID
	}
	return nil
}

func (s *MemoryStore) FindMessageByKey(ctx context.Context, conversationID primitive.ObjectID, key string) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[conversationID][key]
	if !ok {
		return nil, ErrNotFound
	}
	for _, m := range s.messages[conversationID] {
		if m.ID == id {
			found := m
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID primitive.ObjectID) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]models.Message, len(s.messages[conversationID]))
	copy(out, s.messages[conversationID])
	s.mu.RUnlock()

	models.SortMessages(out)
	return out, nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, conversationID primitive.ObjectID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	delete(s.messages, conversationID)
	delete(s.keys, conversationID)
	delete(s.byPair, conv.PairKey)
	delete(s.conversations, conversationID)
	return nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID string) ([]models.ConversationWithLast, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []models.ConversationWithLast
	for _, conv := range s.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		row := models.ConversationWithLast{Conversation: *copyConversation(conv)}
		msgs := s.messages[conv.ID]
		for i := range msgs {
			if row.LastMessage == nil || row.LastMessage.Before(&msgs[i]) {
				last := msgs[i]
				row.LastMessage = &last
			}
		}
		out = append(out, row)
	}
	s.mu.RUnlock()

	SortSummaries(out)
	return out, nil
}

// SortSummaries orders conversations by latest message, newest first, with
// empty conversations last and the conversation id as a final tie-break.
func SortSummaries(rows []models.ConversationWithLast) {
	sort.SliceStable(rows, func(i, j int) bool {
		li, lj := rows[i].LastMessage, rows[j].LastMessage
		switch {
		case li == nil && lj == nil:
			return rows[i].Conversation.ID.Hex() > rows[j].Conversation.ID.Hex()
		case li == nil:
			return false
		case lj == nil:
			return true
		case !li.CreatedAt.Equal(lj.CreatedAt):
			return li.CreatedAt.After(lj.CreatedAt)
		default:
			return rows[i].Conversation.ID.Hex() > rows[j].Conversation.ID.Hex()
		}
	})
}

func copyConversation(c *models.Conversation) *models.Conversation {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.Messages = append([]primitive.ObjectID{}, c.Messages...)
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		out.LastMessageAt = &at
	}
	return &out
}
