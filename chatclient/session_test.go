package chatclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"socialchat/chat"
	"socialchat/chatclient"
	"socialchat/handlers"
	"socialchat/middleware"
	"socialchat/models"
	"socialchat/routes"
	"socialchat/store"
	"socialchat/users"
	"socialchat/websocket"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type stack struct {
	url      string
	verifier *middleware.Verifier
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop().Sugar()
	dir := users.NewMemoryDirectory(
		models.PublicProfile{ID: "alice", Name: "Alice"},
		models.PublicProfile{ID: "bob", Name: "Bob"},
		models.PublicProfile{ID: "carol", Name: "Carol"},
	)
	manager := websocket.NewManager(log)
	svc := chat.NewService(store.NewMemoryStore(), dir, log, chat.WithNotifier(manager))
	verifier := middleware.NewVerifier("session-secret")

	router := routes.SetupRouter(routes.Deps{
		Conversations: handlers.NewConversationHandler(svc, time.Second),
		Realtime:      websocket.NewHandler(manager, verifier, websocket.HandlerConfig{}, log),
		Verifier:      verifier,
		Log:           log,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &stack{url: srv.URL, verifier: verifier}
}

func (s *stack) client(t *testing.T, userID string) (*chatclient.Client, string) {
	t.Helper()
	tok, err := s.verifier.Sign(userID, time.Hour)
	require.NoError(t, err)
	return chatclient.NewClient(s.url, tok, chatclient.ClientConfig{Timeout: 2 * time.Second}), tok
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func TestSessionReceivesEachMessageOnce(t *testing.T) {
	s := newStack(t)
	aliceAPI, aliceToken := s.client(t, "alice")
	bobAPI, _ := s.client(t, "bob")
	carolAPI, _ := s.client(t, "carol")

	tl := chatclient.NewTimeline("alice", "bob")
	joined := make(chan struct{}, 4)
	session := chatclient.NewSession(aliceAPI, tl, chatclient.SessionConfig{
		WSURL:    wsURL(s.url),
		Token:    aliceToken,
		OnJoined: func() { joined <- struct{}{} },
	}, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	select {
	case <-joined:
	case <-time.After(3 * time.Second):
		t.Fatal("session never joined")
	}

	_, _, err := bobAPI.SendMessage(ctx, "alice", "hi", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tl.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	sent, err := session.Send(ctx, "yo", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", sent.SenderID)
	assert.GreaterOrEqual(t, tl.Len(), 2)

	_, _, err = carolAPI.SendMessage(ctx, "alice", "psst", "")
	require.NoError(t, err)
	_, _, err = bobAPI.SendMessage(ctx, "alice", "third", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tl.Len() == 3 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	view := tl.View()
	require.Len(t, view, 3)
	seen := map[primitive.ObjectID]bool{}
	for _, m := range view {
		assert.False(t, seen[m.ID], "message %s shown twice", m.ID.Hex())
		seen[m.ID] = true
		assert.NotEqual(t, "psst", m.Text)
	}
	assert.Equal(t, []string{"hi", "yo", "third"}, []string{view[0].Text, view[1].Text, view[2].Text})

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestSessionReconnectsAndRefetches(t *testing.T) {
	stored := models.Message{
		ID:         primitive.NewObjectID(),
		SenderID:   "bob",
		ReceiverID: "alice",
		Text:       "sent while you were away",
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}

	var upgrades int32
	upgrader := gorilla.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/bob/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"messages": []models.Message{stored}})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var join struct {
			Type    string `json:"type"`
			Payload struct {
				Token string `json:"token"`
			} `json:"payload"`
		}
		if err := conn.ReadJSON(&join); err != nil || join.Type != "join" || join.Payload.Token != "tok" {
			return
		}
		if atomic.AddInt32(&upgrades, 1) == 1 {
			// Drop the first connection before acknowledging the join.
			return
		}
		conn.WriteJSON(map[string]interface{}{"type": "joined", "payload": map[string]string{"userId": "alice"}})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tl := chatclient.NewTimeline("alice", "bob")
	joined := make(chan struct{}, 1)
	api := chatclient.NewClient(srv.URL, "tok", chatclient.ClientConfig{Timeout: time.Second})
	session := chatclient.NewSession(api, tl, chatclient.SessionConfig{
		WSURL:            wsURL(srv.URL),
		Token:            "tok",
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		OnJoined:         func() { joined <- struct{}{} },
	}, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	select {
	case <-joined:
	case <-time.After(3 * time.Second):
		t.Fatal("session never re-joined")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&upgrades))
	view := tl.View()
	require.Len(t, view, 1)
	assert.Equal(t, stored.ID, view[0].ID)
}

func TestSessionSendAddsMessageOnce(t *testing.T) {
	s := newStack(t)
	aliceAPI, aliceToken := s.client(t, "alice")

	tl := chatclient.NewTimeline("alice", "bob")
	joined := make(chan struct{}, 4)
	session := chatclient.NewSession(aliceAPI, tl, chatclient.SessionConfig{
		WSURL:    wsURL(s.url),
		Token:    aliceToken,
		OnJoined: func() { joined <- struct{}{} },
	}, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)
	select {
	case <-joined:
	case <-time.After(3 * time.Second):
		t.Fatal("session never joined")
	}

	sent, err := session.Send(ctx, "hello", "key-1")
	require.NoError(t, err)
	assert.Equal(t, "bob", sent.ReceiverID)
	assert.Equal(t, 1, tl.Len())

	again, err := session.Send(ctx, "hello", "key-1")
	require.NoError(t, err)
	assert.Equal(t, sent.ID, again.ID)

	time.Sleep(100 * time.Millisecond)
	view := tl.View()
	require.Len(t, view, 1)
	assert.Equal(t, sent.ID, view[0].ID)

	_, err = session.Send(ctx, "   ", "")
	var apiErr *chatclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "InvalidInput", apiErr.Code)
}
