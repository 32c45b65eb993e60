package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"socialchat/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SessionConfig struct {
	// WSURL is the websocket endpoint, e.g. ws://host/ws.
	WSURL string
	Token string
	// ReconnectInitial and ReconnectMax bound the reconnect delay.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// OnJoined is called after every successful join and re-fetch.
	OnJoined func()
}

// Session keeps a timeline in sync with the server: it joins the user's room,
// applies pushed messages and re-fetches whenever the timeline asks for it or
// the connection was re-established.
type Session struct {
	api      *Client
	timeline *Timeline
	peer     string
	conf     SessionConfig
	dialer   *websocket.Dialer
	log      *zap.SugaredLogger
}

func NewSession(api *Client, timeline *Timeline, conf SessionConfig, log *zap.SugaredLogger) *Session {
	if conf.ReconnectInitial <= 0 {
		conf.ReconnectInitial = 500 * time.Millisecond
	}
	if conf.ReconnectMax <= 0 {
		conf.ReconnectMax = 30 * time.Second
	}
	return &Session{
		api:      api,
		timeline: timeline,
		peer:     timeline.peer,
		conf:     conf,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:      log,
	}
}

// Run connects and reconnects until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.conf.ReconnectInitial
	b.MaxInterval = s.conf.ReconnectMax
	b.MaxElapsedTime = 0

	for {
		joined, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if joined {
			b.Reset()
		}
		wait := b.NextBackOff()
		s.log.Warnw("realtime session lost, reconnecting", "error", err, "in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Resync replaces the timeline with the server's copy of the conversation.
func (s *Session) Resync(ctx context.Context) error {
	msgs, err := s.api.GetMessages(ctx, s.peer)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	s.timeline.Seed(msgs)
	return nil
}

// Send posts text to the peer and adds the stored message to the timeline
// right away. The realtime echo of it is then deduplicated by the timeline.
func (s *Session) Send(ctx context.Context, text, idempotencyKey string) (*models.Message, error) {
	msg, replayed, err := s.api.SendMessage(ctx, s.peer, text, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !s.timeline.AddSent(*msg) {
		s.log.Debugw("sent message already on timeline", "messageId", msg.ID.Hex(), "replayed", replayed)
	}
	return msg, nil
}

// runOnce serves one connection. joined reports whether the server accepted
// the join before the connection ended.
func (s *Session) runOnce(ctx context.Context) (joined bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.conf.WSURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	join, _ := json.Marshal(map[string]interface{}{
		"type":    "join",
		"payload": map[string]string{"token": s.conf.Token},
	})
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		return false, fmt.Errorf("send join: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return joined, err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Warnw("bad realtime frame", "error", err)
			continue
		}

		switch f.Type {
		case "joined":
			joined = true
			// Anything sent while we were away is only on the server.
			if err := s.Resync(ctx); err != nil {
				s.log.Warnw("re-fetch after join failed", "error", err)
			}
			if s.conf.OnJoined != nil {
				s.conf.OnJoined()
			}
		case "message":
			var msg models.Message
			if err := json.Unmarshal(f.Payload, &msg); err != nil {
				s.log.Warnw("bad message payload", "error", err)
				continue
			}
			if s.timeline.Apply(msg) == Resync {
				if err := s.Resync(ctx); err != nil {
					s.log.Warnw("resync failed", "error", err)
				}
			}
		case "conversation_deleted":
			var p struct {
				Participants []string `json:"participants"`
			}
			if err := json.Unmarshal(f.Payload, &p); err == nil && len(p.Participants) == 2 &&
				models.PairKey(p.Participants[0], p.Participants[1]) == models.PairKey(s.timeline.self, s.peer) {
				s.timeline.Seed(nil)
			}
		case "error":
			var p struct {
				Code  string `json:"code"`
				Error string `json:"error"`
			}
			_ = json.Unmarshal(f.Payload, &p)
			if p.Code == "Unauthenticated" {
				return joined, errors.New("join rejected: " + p.Error)
			}
			s.log.Warnw("realtime error event", "code", p.Code, "error", p.Error)
		}
	}
}
