package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"socialchat/chat"
	"socialchat/metrics"
	"socialchat/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenVerifier turns a bearer token into the user id it was issued for.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

type HandlerConfig struct {
	// AllowAnonymousJoin trusts a bare userId in join events. Legacy clients only.
	AllowAnonymousJoin bool
	// InboundPerSecond limits events read from one connection.
	InboundPerSecond int
	// AllowOrigins restricts the Origin header; empty allows any origin.
	AllowOrigins []string
}

// Handler serves the /ws endpoint.
type Handler struct {
	manager  *Manager
	verifier TokenVerifier
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger
}

func NewHandler(m *Manager, v TokenVerifier, cfg HandlerConfig, log *zap.SugaredLogger) *Handler {
	h := &Handler{
		manager:  m,
		verifier: v,
		cfg:      cfg,
		log:      log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	if cfg.AllowAnonymousJoin {
		log.Warn("realtime.allow_anonymous_join is on: join events may claim any userId without a token")
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the connection. A ?token= query parameter joins the
// connection to its user's room right away; otherwise the client sends a
// join event.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var userID string
	if token := r.URL.Query().Get("token"); token != "" {
		uid, err := h.verifier.Verify(token)
		if err != nil {
			h.log.Infow("websocket connection rejected", "error", err)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		userID = uid
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn, h.cfg.InboundPerSecond)
	metrics.Connections.Inc()
	h.log.Debugw("websocket connected", "connectionId", c.id)

	frame, _ := Encode(EventConnected, ConnectedPayload{ConnectionID: c.id, Time: time.Now().Unix()})
	c.enqueue(frame)
	if userID != "" {
		h.join(c, userID)
	}

	go c.writePump()
	go func() {
		c.readPump(h)
		metrics.Connections.Dec()
		h.log.Debugw("websocket disconnected", "connectionId", c.id)
	}()
}

// dispatch handles one inbound frame.
func (h *Handler) dispatch(c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.enqueue(errorFrame(chat.Code(chat.ErrInvalidInput), "malformed frame"))
		return
	}
	h.manager.touch(c)

	switch env.Type {
	case EventJoin:
		p, err := decodeJoin(env.Payload)
		if err != nil {
			c.enqueue(errorFrame(chat.Code(chat.ErrInvalidInput), "malformed join payload"))
			return
		}
		uid, err := h.authorizeJoin(p)
		if err != nil {
			h.log.Infow("join refused", "connectionId", c.id, "error", err)
			c.enqueue(errorFrame(chat.Code(err), err.Error()))
			return
		}
		h.join(c, uid)
	case EventPing:
		c.enqueue(pongFrame())
	default:
		c.enqueue(errorFrame(chat.Code(chat.ErrInvalidInput), "unknown event type "+env.Type))
	}
}

// decodeJoin accepts the object form and the legacy bare userId string.
func decodeJoin(raw json.RawMessage) (JoinPayload, error) {
	var p JoinPayload
	if len(raw) == 0 {
		return p, nil
	}
	if raw[0] == '"' {
		err := json.Unmarshal(raw, &p.UserID)
		return p, err
	}
	err := json.Unmarshal(raw, &p)
	return p, err
}

func (h *Handler) authorizeJoin(p JoinPayload) (string, error) {
	if p.Token != "" {
		uid, err := h.verifier.Verify(p.Token)
		if err != nil {
			return "", err
		}
		if p.UserID != "" && p.UserID != uid {
			return "", fmt.Errorf("%w: userId does not match token", chat.ErrUnauthenticated)
		}
		return uid, nil
	}
	if !h.cfg.AllowAnonymousJoin {
		return "", fmt.Errorf("%w: join requires a token", chat.ErrUnauthenticated)
	}
	if !models.ValidParticipantID(p.UserID) {
		return "", fmt.Errorf("%w: malformed userId", chat.ErrInvalidInput)
	}
	return p.UserID, nil
}

func (h *Handler) join(c *Client, userID string) {
	if h.manager.Join(c, userID) {
		h.log.Debugw("websocket joined", "connectionId", c.id, "userId", userID)
	}
	frame, _ := Encode(EventJoined, JoinedPayload{UserID: userID})
	c.enqueue(frame)
}
