// Package websocket is the realtime gateway: a registry of rooms keyed by user
// id, the /ws endpoint, and optional fan-out across nodes over Redis.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"socialchat/metrics"
	"socialchat/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	presenceTTL     = 60 * time.Second
	presenceRefresh = 20 * time.Second
	presencePrefix  = "presence:"
)

// busFrame is what travels over the Redis channel.
type busFrame struct {
	Rooms []string        `json:"rooms"`
	Frame json.RawMessage `json:"frame"`
}

// Manager owns the room registry. Only Join and Disconnect change it; only
// delivery reads it.
type Manager struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	touched map[string]time.Time

	redis   *redis.Client
	channel string
	log     *zap.SugaredLogger
}

type ManagerOption func(*Manager)

// WithRedis makes delivery go through a Redis channel so that every node
// subscribed to it reaches its own members. Presence is also kept in Redis.
func WithRedis(client *redis.Client, channel string) ManagerOption {
	return func(m *Manager) {
		m.redis = client
		m.channel = channel
	}
}

func NewManager(log *zap.SugaredLogger, opts ...ManagerOption) *Manager {
	m := &Manager{
		rooms:   make(map[string]map[*Client]struct{}),
		touched: make(map[string]time.Time),
		log:     log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Join puts c in the room of userID. It returns false when c already was in
// that room. A client in another room is moved.
func (m *Manager) Join(c *Client, userID string) bool {
	m.mu.Lock()
	if c.room == userID {
		m.mu.Unlock()
		return false
	}
	if c.room != "" {
		m.removeLocked(c)
	}
	members, ok := m.rooms[userID]
	if !ok {
		members = make(map[*Client]struct{})
		m.rooms[userID] = members
	}
	members[c] = struct{}{}
	c.room = userID
	delete(m.touched, userID)
	m.mu.Unlock()

	m.touch(c)
	return true
}

// Disconnect removes c from its room and closes it. Clients that never joined
// are only closed.
func (m *Manager) Disconnect(c *Client) {
	m.mu.Lock()
	m.removeLocked(c)
	m.mu.Unlock()
	c.close()
}

func (m *Manager) removeLocked(c *Client) {
	if c.room == "" {
		return
	}
	if members, ok := m.rooms[c.room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(m.rooms, c.room)
			delete(m.touched, c.room)
		}
	}
	c.room = ""
}

// RoomOf returns the room c is in, or "".
func (m *Manager) RoomOf(c *Client) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return c.room
}

// Members returns how many local connections are in the room of userID.
func (m *Manager) Members(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[userID])
}

// Deliver emits frame to every member of each distinct room. With Redis the
// frame is published and delivered by every subscribed node, this one
// included.
func (m *Manager) Deliver(ctx context.Context, frame []byte, rooms ...string) {
	rooms = distinct(rooms)
	if m.redis != nil {
		payload, err := json.Marshal(busFrame{Rooms: rooms, Frame: frame})
		if err == nil {
			err = m.redis.Publish(ctx, m.channel, payload).Err()
		}
		if err == nil {
			return
		}
		m.log.Warnw("redis publish failed, delivering locally", "error", err)
	}
	m.deliverLocal(frame, rooms)
}

func (m *Manager) deliverLocal(frame []byte, rooms []string) {
	var targets []*Client
	m.mu.RLock()
	for _, room := range rooms {
		members := m.rooms[room]
		if len(members) == 0 {
			metrics.Deliveries.WithLabelValues("offline").Inc()
			continue
		}
		for c := range members {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if c.enqueue(frame) {
			metrics.Deliveries.WithLabelValues("delivered").Inc()
			continue
		}
		metrics.Deliveries.WithLabelValues("dropped").Inc()
		m.log.Warnw("dropping slow websocket client", "connectionId", c.id)
		m.Disconnect(c)
	}
}

// MessageCreated delivers msg to the receiver's and the sender's rooms.
func (m *Manager) MessageCreated(ctx context.Context, msg *models.Message) {
	frame, err := Encode(EventMessage, msg)
	if err != nil {
		m.log.Errorw("encode message event", "error", err)
		return
	}
	m.Deliver(ctx, frame, msg.ReceiverID, msg.SenderID)
}

// ConversationDeleted tells both participants the conversation is gone.
func (m *Manager) ConversationDeleted(ctx context.Context, conv *models.Conversation) {
	frame, err := Encode(EventConversationDeleted, ConversationDeletedPayload{
		ConversationID: conv.ID.Hex(),
		Participants:   conv.Participants,
	})
	if err != nil {
		m.log.Errorw("encode conversation_deleted event", "error", err)
		return
	}
	m.Deliver(ctx, frame, conv.Participants...)
}

// Run relays frames published on the Redis channel to local members until
// ctx is done. Without Redis it just waits.
func (m *Manager) Run(ctx context.Context) error {
	if m.redis == nil {
		<-ctx.Done()
		return nil
	}
	sub := m.redis.Subscribe(ctx, m.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", m.channel, err)
	}
	m.log.Infow("relaying realtime frames from redis", "channel", m.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var bf busFrame
			if err := json.Unmarshal([]byte(msg.Payload), &bf); err != nil {
				m.log.Warnw("bad frame on redis channel", "error", err)
				continue
			}
			m.deliverLocal(bf.Frame, bf.Rooms)
		}
	}
}

// Online reports whether userID has a live connection on this node or, with
// Redis, on any node.
func (m *Manager) Online(ctx context.Context, userID string) bool {
	if m.Members(userID) > 0 {
		return true
	}
	if m.redis == nil {
		return false
	}
	n, err := m.redis.Exists(ctx, presencePrefix+userID).Result()
	if err != nil {
		m.log.Warnw("presence lookup failed", "userId", userID, "error", err)
		return false
	}
	return n > 0
}

// touch refreshes the presence key of c's room, at most every presenceRefresh.
func (m *Manager) touch(c *Client) {
	if m.redis == nil {
		return
	}
	now := time.Now()
	m.mu.Lock()
	room := c.room
	if room == "" || now.Sub(m.touched[room]) < presenceRefresh {
		m.mu.Unlock()
		return
	}
	m.touched[room] = now
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.redis.Set(ctx, presencePrefix+room, c.id, presenceTTL).Err(); err != nil {
		m.log.Warnw("presence refresh failed", "userId", room, "error", err)
	}
}

func distinct(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen == id {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, id)
		}
	}
	return out
}
