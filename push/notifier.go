package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"socialchat/models"
	"socialchat/users"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
)

const maxBodyRunes = 100

// Presence tells whether a user has a live realtime connection.
type Presence interface {
	Online(ctx context.Context, userID string) bool
}

// SendFunc matches webpush.SendNotification.
type SendFunc func(message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
}

// Notifier pushes new messages to receivers without a live connection. Sends
// run in the background; Wait blocks until they finish.
type Notifier struct {
	subs     SubscriptionStore
	presence Presence
	users    users.Directory
	cfg      Config
	send     SendFunc
	log      *zap.SugaredLogger
	wg       sync.WaitGroup
}

func NewNotifier(subs SubscriptionStore, presence Presence, dir users.Directory, cfg Config, log *zap.SugaredLogger) *Notifier {
	return &Notifier{
		subs:     subs,
		presence: presence,
		users:    dir,
		cfg:      cfg,
		send:     webpush.SendNotification,
		log:      log,
	}
}

// WithSender replaces the webpush transport.
func (n *Notifier) WithSender(send SendFunc) *Notifier {
	n.send = send
	return n
}

func (n *Notifier) MessageCreated(ctx context.Context, msg *models.Message) {
	if msg.ReceiverID == msg.SenderID {
		return
	}
	if n.presence != nil && n.presence.Online(ctx, msg.ReceiverID) {
		return
	}
	m := *msg
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.log.Errorw("panic in push notification", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.notify(ctx, &m)
	}()
}

func (n *Notifier) ConversationDeleted(context.Context, *models.Conversation) {}

// Wait blocks until background sends are done.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) notify(ctx context.Context, msg *models.Message) {
	sub, err := n.subs.Find(ctx, msg.ReceiverID)
	if errors.Is(err, ErrNoSubscription) {
		return
	}
	if err != nil {
		n.log.Warnw("push subscription lookup failed", "userId", msg.ReceiverID, "error", err)
		return
	}

	payload, err := json.Marshal(n.payload(ctx, msg))
	if err != nil {
		n.log.Errorw("marshal push payload", "error", err)
		return
	}

	resp, err := n.send(payload, sub, &webpush.Options{
		Subscriber:      n.cfg.Subscriber,
		VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
		TTL:             30,
	})
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		n.log.Warnw("push send failed", "userId", msg.ReceiverID, "error", err)
		return
	}
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		n.log.Infow("push subscription expired, deleting", "userId", msg.ReceiverID)
		if err := n.subs.Delete(ctx, msg.ReceiverID); err != nil {
			n.log.Warnw("delete expired push subscription", "error", err)
		}
		return
	}
	if resp.StatusCode >= 300 {
		n.log.Warnw("push service refused notification", "userId", msg.ReceiverID, "status", resp.StatusCode)
		return
	}
	n.log.Debugw("push notification sent", "userId", msg.ReceiverID)
}

func (n *Notifier) payload(ctx context.Context, msg *models.Message) map[string]interface{} {
	sender := models.UnknownProfile(msg.SenderID)
	if n.users != nil {
		if profiles, err := n.users.Profiles(ctx, []string{msg.SenderID}); err == nil {
			if p, ok := profiles[msg.SenderID]; ok {
				sender = p
			}
		}
	}
	name := sender.Name
	if name == "" || name == "Unknown" {
		name = "Someone"
	}

	body := []rune(msg.Text)
	text := msg.Text
	if len(body) > maxBodyRunes {
		text = string(body[:maxBodyRunes]) + "..."
	}

	return map[string]interface{}{
		"title": name + " sent a message",
		"body":  text,
		"icon":  sender.Avatar,
		"data": map[string]interface{}{
			"conversationId": msg.ConversationID.Hex(),
			"senderId":       msg.SenderID,
			"timestamp":      msg.CreatedAt.Unix(),
		},
	}
}
