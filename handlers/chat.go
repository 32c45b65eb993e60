package handlers

import (
	"net/http"

	"socialchat/middleware"

	"github.com/gin-gonic/gin"
)

// ListConversations handles GET /api/conversations.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	ctx, cancel := requestContext(c, h.timeout)
	defer cancel()

	summaries, err := h.svc.ListConversations(ctx, middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

// CreateConversation handles POST /api/conversations/:peerId. It answers 201
// when the conversation is new and 200 when it already existed.
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	ctx, cancel := requestContext(c, h.timeout)
	defer cancel()

	conv, created, err := h.svc.CreateConversation(ctx, middleware.UserID(c), c.Param("peerId"))
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"conversation": conv})
}

// DeleteConversation handles DELETE /api/conversations/:peerId.
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	ctx, cancel := requestContext(c, h.timeout)
	defer cancel()

	if err := h.svc.DeleteConversation(ctx, middleware.UserID(c), c.Param("peerId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
