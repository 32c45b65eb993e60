package handlers

import (
	"fmt"
	"net/http"
	"time"

	"socialchat/chat"
	"socialchat/middleware"
	"socialchat/push"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type PushHandler struct {
	subs      push.SubscriptionStore
	publicKey string
	timeout   time.Duration
	log       *zap.SugaredLogger
}

func NewPushHandler(subs push.SubscriptionStore, publicKey string, timeout time.Duration, log *zap.SugaredLogger) *PushHandler {
	return &PushHandler{subs: subs, publicKey: publicKey, timeout: timeout, log: log}
}

// GetVapidPublicKey handles GET /api/vapid-public-key.
func (h *PushHandler) GetVapidPublicKey(c *gin.Context) {
	if h.publicKey == "" {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "VAPID public key not configured",
			"code":  chat.Code(chat.ErrNotFound),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": h.publicKey})
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys" binding:"required"`
}

// SubscribePush handles POST /api/subscribe. A user keeps one subscription;
// subscribing again replaces it.
func (h *PushHandler) SubscribePush(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: %v", chat.ErrInvalidInput, err))
		return
	}

	ctx, cancel := requestContext(c, h.timeout)
	defer cancel()

	userID := middleware.UserID(c)
	err := h.subs.Save(ctx, userID, webpush.Subscription{
		Endpoint: req.Endpoint,
		Keys: webpush.Keys{
			P256dh: req.Keys.P256dh,
			Auth:   req.Keys.Auth,
		},
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.log.Infow("push subscription saved", "userId", userID)
	c.JSON(http.StatusOK, gin.H{"userId": userID})
}
