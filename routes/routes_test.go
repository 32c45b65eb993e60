package routes_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"socialchat/chat"
	"socialchat/handlers"
	"socialchat/middleware"
	"socialchat/models"
	"socialchat/push"
	"socialchat/routes"
	"socialchat/store"
	"socialchat/users"
	"socialchat/websocket"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type api struct {
	t        *testing.T
	router   *gin.Engine
	verifier *middleware.Verifier
}

func newAPI(t *testing.T) *api {
	t.Helper()
	return newAPIWithOrigins(t, []string{"http://localhost:3000"})
}

func newAPIWithOrigins(t *testing.T, origins []string) *api {
	t.Helper()
	log := zap.NewNop().Sugar()
	dir := users.NewMemoryDirectory(
		models.PublicProfile{ID: "alice", Username: "alice", Name: "Alice"},
		models.PublicProfile{ID: "bob", Username: "bob", Name: "Bob"},
	)
	manager := websocket.NewManager(log)
	svc := chat.NewService(store.NewMemoryStore(), dir, log, chat.WithNotifier(manager))
	verifier := middleware.NewVerifier("test-secret")

	router := routes.SetupRouter(routes.Deps{
		Conversations: handlers.NewConversationHandler(svc, time.Second),
		Users:         handlers.NewUserHandler(dir, manager, time.Second, log),
		Push:          handlers.NewPushHandler(push.NewMemorySubscriptions(), "vapid-public", time.Second, log),
		Realtime:      websocket.NewHandler(manager, verifier, websocket.HandlerConfig{}, log),
		Verifier:      verifier,
		RateLimiter:   middleware.NewIPRateLimiter(1000),
		AllowOrigins:  origins,
		Log:           log,
	})
	return &api{t: t, router: router, verifier: verifier}
}

func (a *api) do(method, path, user string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		tok, err := a.verifier.Sign(user, time.Hour)
		require.NoError(a.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	out := map[string]interface{}{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func TestRequiresAuthentication(t *testing.T) {
	a := newAPI(t)
	w, body := a.do(http.MethodGet, "/api/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Unauthenticated", body["code"])
}

func TestSendAndReadMessages(t *testing.T) {
	a := newAPI(t)

	w, body := a.do(http.MethodPost, "/api/conversations/bob/messages", "alice", map[string]string{"text": "hi"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	msg := body["message"].(map[string]interface{})
	assert.Equal(t, "hi", msg["text"])
	assert.Equal(t, "alice", msg["senderId"])
	assert.Equal(t, "bob", msg["receiverId"])

	w, body = a.do(http.MethodGet, "/api/conversations/alice/messages", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := body["messages"].([]interface{})
	require.Len(t, msgs, 1)
	assert.Equal(t, msg["id"], msgs[0].(map[string]interface{})["id"])

	w, body = a.do(http.MethodGet, "/api/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	convs := body["conversations"].([]interface{})
	require.Len(t, convs, 1)
	summary := convs[0].(map[string]interface{})
	assert.Equal(t, "Bob", summary["chatPartner"].(map[string]interface{})["name"])
	assert.Equal(t, "hi", summary["lastMessage"].(map[string]interface{})["text"])
}

func TestSendErrors(t *testing.T) {
	a := newAPI(t)

	w, body := a.do(http.MethodPost, "/api/conversations/bob/messages", "alice", map[string]string{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidInput", body["code"])

	w, body = a.do(http.MethodPost, "/api/conversations/nobody/messages", "alice", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", body["code"])

	w, _ = a.do(http.MethodPost, "/api/conversations/bob/messages", "alice", "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = a.do(http.MethodGet, "/api/conversations/alice/messages", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["messages"])
}

func TestIdempotentSend(t *testing.T) {
	a := newAPI(t)
	req := map[string]string{"text": "once", "idempotencyKey": "k-1"}

	w, first := a.do(http.MethodPost, "/api/conversations/bob/messages", "alice", req)
	require.Equal(t, http.StatusCreated, w.Code)
	w, second := a.do(http.MethodPost, "/api/conversations/bob/messages", "alice", req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, second["replayed"])
	assert.Equal(t,
		first["message"].(map[string]interface{})["id"],
		second["message"].(map[string]interface{})["id"])
}

func TestCreateAndDeleteConversation(t *testing.T) {
	a := newAPI(t)

	w, body := a.do(http.MethodPost, "/api/conversations/bob", "alice", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	conv := body["conversation"].(map[string]interface{})
	assert.ElementsMatch(t, []interface{}{"alice", "bob"}, conv["participants"])

	w, _ = a.do(http.MethodPost, "/api/conversations/alice", "bob", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = a.do(http.MethodDelete, "/api/conversations/alice", "bob", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body)

	w, body = a.do(http.MethodDelete, "/api/conversations/alice", "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", body["code"])
}

func TestPushRoutes(t *testing.T) {
	a := newAPI(t)

	w, body := a.do(http.MethodGet, "/api/vapid-public-key", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "vapid-public", body["publicKey"])

	sub := map[string]interface{}{
		"endpoint": "https://push.example.com/x",
		"keys":     map[string]string{"p256dh": "p", "auth": "a"},
	}
	w, _ = a.do(http.MethodPost, "/api/subscribe", "alice", sub)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = a.do(http.MethodPost, "/api/subscribe", "alice", map[string]string{"endpoint": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidInput", body["code"])
}

func TestGetUser(t *testing.T) {
	a := newAPI(t)

	w, body := a.do(http.MethodGet, "/api/users/bob", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Bob", body["user"].(map[string]interface{})["name"])
	assert.Equal(t, "offline", body["status"])

	w, body = a.do(http.MethodGet, "/api/users/ghost", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Unknown", body["user"].(map[string]interface{})["name"])
}

func TestAmbientRoutes(t *testing.T) {
	a := newAPI(t)

	w, body := a.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	w, _ = a.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = a.do(http.MethodGet, "/api/nope", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", body["code"])
}

func preflight(a *api, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodOptions, "/api/conversations", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestCORSWithConfiguredOrigins(t *testing.T) {
	a := newAPI(t)

	w := preflight(a, "http://localhost:3000")
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	w = preflight(a, "https://evil.example")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWithoutOriginsAllowsNoCredentials(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}} {
		a := newAPIWithOrigins(t, origins)
		w := preflight(a, "https://evil.example")
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
	}
}
