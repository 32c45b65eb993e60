package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"socialchat/chat"
	"socialchat/models"
	"socialchat/users"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Presence reports whether a user has a live realtime connection.
type Presence interface {
	Online(ctx context.Context, userID string) bool
}

type UserHandler struct {
	dir      users.Directory
	presence Presence
	timeout  time.Duration
	log      *zap.SugaredLogger
}

func NewUserHandler(dir users.Directory, presence Presence, timeout time.Duration, log *zap.SugaredLogger) *UserHandler {
	return &UserHandler{dir: dir, presence: presence, timeout: timeout, log: log}
}

// GetUser handles GET /api/users/:id: the chat header for a peer. Unknown
// users still get 200 with placeholder data.
func (h *UserHandler) GetUser(c *gin.Context) {
	id := c.Param("id")
	if !models.ValidParticipantID(id) {
		respondError(c, fmt.Errorf("%w: malformed user id", chat.ErrInvalidInput))
		return
	}
	id = h.dir.Canonical(id)

	ctx, cancel := requestContext(c, h.timeout)
	defer cancel()

	profile := models.UnknownProfile(id)
	profiles, err := h.dir.Profiles(ctx, []string{id})
	if err != nil {
		h.log.Warnw("profile lookup failed", "userId", id, "error", err)
	} else if p, ok := profiles[id]; ok {
		profile = p
	}

	status := "offline"
	if h.presence != nil && h.presence.Online(ctx, id) {
		status = "online"
	}
	c.JSON(http.StatusOK, gin.H{"user": profile, "status": status})
}
