package handlers

import (
	"fmt"
	"net/http"
	"time"

	"socialchat/chat"
	"socialchat/middleware"

	"github.com/gin-gonic/gin"
)

// ConversationHandler serves the conversation and message routes. The
// authenticated user is always one side of the pair; :peerId is the other.
type ConversationHandler struct {
	svc     *chat.Service
	timeout time.Duration
}

func NewConversationHandler(svc *chat.Service, timeout time.Duration) *ConversationHandler {
	return &ConversationHandler{svc: svc, timeout: timeout}
}

type sendMessageRequest struct {
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// SendMessage handles POST /api/conversations/:peerId/messages.
func (h *ConversationHandler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: %v", chat.ErrInvalidInput, err))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	ctx, cancel := requestContext(c, h.timeout)
	defer cancel()

	res, err := h.svc.SendMessage(ctx, chat.SendInput{
		SenderID:       middleware.UserID(c),
		ReceiverID:     c.Param("peerId"),
		Text:           req.Text,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	if res.Replayed {
		c.JSON(http.StatusOK, gin.H{"message": res.Message, "replayed": true})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": res.Message})
}

// GetMessages handles GET /api/conversations/:peerId/messages.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	ctx, cancel := requestContext(c, h.timeout)
	defer cancel()

	msgs, err := h.svc.GetMessages(ctx, middleware.UserID(c), c.Param("peerId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
