// Package chat resolves conversations between two participants and manages
// the messages inside them.
package chat

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"socialchat/metrics"
	"socialchat/models"
	"socialchat/store"
	"socialchat/users"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

const (
	MaxTextLength           = 4000
	MaxIdempotencyKeyLength = 256
)

type Service struct {
	store       store.Store
	users       users.Directory
	notify      Notifier
	log         *zap.SugaredLogger
	verifyPeers bool
	now         func() time.Time
}

type Option func(*Service)

// WithNotifier sets who is told about new messages and deleted conversations.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notify = n }
}

// WithPeerVerification controls whether peers must exist in the user directory.
func WithPeerVerification(on bool) Option {
	return func(s *Service) { s.verifyPeers = on }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st store.Store, dir users.Directory, log *zap.SugaredLogger, opts ...Option) *Service {
	s := &Service{
		store:       st,
		users:       dir,
		notify:      Notifiers(nil),
		log:         log,
		verifyPeers: true,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveConversation returns the one conversation between userA and userB,
// creating it if needed. The order of the arguments does not matter. It does
// not check that the users exist; callers do.
func (s *Service) ResolveConversation(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	conv, _, err := s.resolve(ctx, s.users.Canonical(userA), s.users.Canonical(userB))
	return conv, err
}

func (s *Service) resolve(ctx context.Context, userA, userB string) (*models.Conversation, bool, error) {
	conv, created, err := s.store.FindOrCreateConversation(ctx, userA, userB)
	if err != nil {
		return nil, false, fmt.Errorf("resolve conversation: %w", err)
	}
	if created {
		metrics.ConversationsCreated.Inc()
		s.log.Infow("conversation created", "conversationId", conv.ID.Hex(), "participants", conv.Participants)
	}
	return conv, created, nil
}

// CreateConversation resolves the conversation between userID and peerID
// after checking that the peer exists. created is false when it already existed.
func (s *Service) CreateConversation(ctx context.Context, userID, peerID string) (*models.Conversation, bool, error) {
	userID, peerID, err := s.checkPeer(ctx, userID, peerID)
	if err != nil {
		return nil, false, err
	}
	return s.resolve(ctx, userID, peerID)
}

type SendInput struct {
	SenderID   string
	ReceiverID string
	Text       string
	// IdempotencyKey is optional. Sends that repeat a key in the same
	// conversation return the first message instead of creating another.
	IdempotencyKey string
}

type SendResult struct {
	Message *models.Message
	// Replayed is true when an earlier message with the same key was returned.
	Replayed bool
}

// SendMessage validates and persists a message from sender to receiver,
// creating their conversation on first use, then notifies both rooms.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (*SendResult, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, fmt.Errorf("%w: message text is empty", ErrInvalidInput)
	}
	if utf8.RuneCountInString(in.Text) > MaxTextLength {
		return nil, fmt.Errorf("%w: message text exceeds %d characters", ErrInvalidInput, MaxTextLength)
	}
	if len(in.IdempotencyKey) > MaxIdempotencyKeyLength {
		return nil, fmt.Errorf("%w: idempotency key exceeds %d bytes", ErrInvalidInput, MaxIdempotencyKeyLength)
	}
	sender, receiver, err := s.checkPeer(ctx, in.SenderID, in.ReceiverID)
	if err != nil {
		return nil, err
	}
	in.SenderID, in.ReceiverID = sender, receiver

	key := ""
	if in.IdempotencyKey != "" {
		key = digestKey(in.SenderID, in.IdempotencyKey)
	}

	// A concurrent delete can remove the conversation between resolving and
	// appending; resolve once more before giving up.
	for attempt := 0; attempt < 2; attempt++ {
		conv, err := s.ResolveConversation(ctx, in.SenderID, in.ReceiverID)
		if err != nil {
			return nil, err
		}

		if key != "" {
			existing, err := s.store.FindMessageByKey(ctx, conv.ID, key)
			if err == nil {
				return &SendResult{Message: existing, Replayed: true}, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("check idempotency key: %w", err)
			}
		}

		msg := &models.Message{
			ID:             primitive.NewObjectID(),
			ConversationID: conv.ID,
			SenderID:       in.SenderID,
			ReceiverID:     in.ReceiverID,
			Text:           in.Text,
			IdempotencyKey: key,
			CreatedAt:      s.now().UTC().Truncate(time.Millisecond),
		}

		err = s.store.AppendMessage(ctx, msg)
		switch {
		case err == nil:
			metrics.MessagesSent.Inc()
			s.log.Debugw("message persisted", "messageId", msg.ID.Hex(), "conversationId", conv.ID.Hex())
			s.notify.MessageCreated(context.WithoutCancel(ctx), msg)
			return &SendResult{Message: msg}, nil
		case errors.Is(err, store.ErrConversationGone):
			s.log.Warnw("conversation deleted during send, retrying", "conversationId", conv.ID.Hex())
			continue
		case errors.Is(err, store.ErrDuplicateKey):
			existing, ferr := s.store.FindMessageByKey(ctx, conv.ID, key)
			if ferr != nil {
				return nil, fmt.Errorf("load message for idempotency key: %w", ferr)
			}
			return &SendResult{Message: existing, Replayed: true}, nil
		default:
			return nil, fmt.Errorf("send message: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: conversation was deleted while sending", ErrConflict)
}

// GetMessages returns the messages between userA and userB oldest first. No
// conversation yet means no messages, not an error.
func (s *Service) GetMessages(ctx context.Context, userA, userB string) ([]models.Message, error) {
	userA, userB, err := s.canonicalPair(userA, userB)
	if err != nil {
		return nil, err
	}
	conv, err := s.store.FindConversation(ctx, userA, userB)
	if errors.Is(err, store.ErrNotFound) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return msgs, nil
}

// DeleteConversation removes the conversation between userA and userB along
// with all its messages.
func (s *Service) DeleteConversation(ctx context.Context, userA, userB string) error {
	userA, userB, err := s.canonicalPair(userA, userB)
	if err != nil {
		return err
	}
	conv, err := s.store.FindConversation(ctx, userA, userB)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: no conversation with %s", ErrNotFound, userB)
	}
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	err = s.store.DeleteConversation(ctx, conv.ID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: no conversation with %s", ErrNotFound, userB)
	}
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	s.log.Infow("conversation deleted", "conversationId", conv.ID.Hex(), "by", userA)
	s.notify.ConversationDeleted(context.WithoutCancel(ctx), conv)
	return nil
}

// ListConversations summarizes every conversation of userID, most recently
// active first; conversations without messages come last.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	if !models.ValidParticipantID(userID) {
		return nil, fmt.Errorf("%w: malformed user id", ErrInvalidInput)
	}
	userID = s.users.Canonical(userID)
	rows, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	partnerIDs := make([]string, 0, len(rows))
	for i := range rows {
		partnerIDs = append(partnerIDs, rows[i].Conversation.Partner(userID))
	}
	profiles, err := s.users.Profiles(ctx, partnerIDs)
	if err != nil {
		// Summaries still render with placeholder partners.
		s.log.Warnw("profile lookup failed", "error", err)
		profiles = nil
	}

	out := make([]models.ConversationSummary, len(rows))
	for i := range rows {
		partnerID := partnerIDs[i]
		partner, ok := profiles[partnerID]
		if !ok {
			partner = models.UnknownProfile(partnerID)
		}
		out[i] = models.ConversationSummary{
			ConversationID: rows[i].Conversation.ID,
			LastMessage:    rows[i].LastMessage,
			ChatPartner:    partner,
		}
	}
	return out, nil
}

// checkPeer validates both ids and returns their canonical form, failing
// with ErrNotFound when peer verification is on and the peer is unknown.
func (s *Service) checkPeer(ctx context.Context, userID, peerID string) (string, string, error) {
	userID, peerID, err := s.canonicalPair(userID, peerID)
	if err != nil {
		return "", "", err
	}
	if !s.verifyPeers {
		return userID, peerID, nil
	}
	ok, err := s.users.Exists(ctx, peerID)
	if err != nil {
		return "", "", fmt.Errorf("look up user: %w", err)
	}
	if !ok {
		return "", "", fmt.Errorf("%w: user %s", ErrNotFound, peerID)
	}
	return userID, peerID, nil
}

func (s *Service) canonicalPair(userID, peerID string) (string, string, error) {
	if err := validateIDs(userID, peerID); err != nil {
		return "", "", err
	}
	return s.users.Canonical(userID), s.users.Canonical(peerID), nil
}

func validateIDs(userID, peerID string) error {
	if !models.ValidParticipantID(userID) {
		return fmt.Errorf("%w: malformed user id", ErrInvalidInput)
	}
	if !models.ValidParticipantID(peerID) {
		return fmt.Errorf("%w: malformed peer id", ErrInvalidInput)
	}
	return nil
}

// digestKey scopes a client idempotency key to its sender and bounds its size.
func digestKey(senderID, key string) string {
	sum := blake2b.Sum256([]byte(senderID + "\x00" + key))
	return hex.EncodeToString(sum[:])
}
