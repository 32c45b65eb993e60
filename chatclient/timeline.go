// Package chatclient is a Go client for the chat API: a timeline that merges
// fetched and pushed messages, a REST client and a realtime session.
package chatclient

import (
	"sync"

	"socialchat/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ApplyResult int

const (
	// Appended means the message was new and is now in the view.
	Appended ApplyResult = iota
	// Resync means the message was already present; the caller should
	// re-fetch the conversation.
	Resync
	// Ignored means the message belongs to another conversation.
	Ignored
)

func (r ApplyResult) String() string {
	switch r {
	case Appended:
		return "appended"
	case Resync:
		return "resync"
	default:
		return "ignored"
	}
}

// Timeline holds the messages of the open conversation between self and peer.
type Timeline struct {
	mu       sync.Mutex
	self     string
	peer     string
	msgs     []models.Message
	ids      map[primitive.ObjectID]struct{}
	onChange func(view []models.Message)
}

func NewTimeline(self, peer string) *Timeline {
	return &Timeline{
		self: self,
		peer: peer,
		ids:  make(map[primitive.ObjectID]struct{}),
	}
}

// OnChange registers fn to be called with the new view after every change.
func (t *Timeline) OnChange(fn func(view []models.Message)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Seed replaces the timeline with msgs, as returned by GetMessages.
func (t *Timeline) Seed(msgs []models.Message) {
	t.mu.Lock()
	t.msgs = t.msgs[:0]
	t.ids = make(map[primitive.ObjectID]struct{}, len(msgs))
	for _, m := range msgs {
		if _, dup := t.ids[m.ID]; dup {
			continue
		}
		t.ids[m.ID] = struct{}{}
		t.msgs = append(t.msgs, m)
	}
	models.SortMessages(t.msgs)
	view, fn := t.viewLocked(), t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(view)
	}
}

// Apply merges a message pushed over the realtime channel. A message already
// in the timeline is discarded and Resync returned.
func (t *Timeline) Apply(msg models.Message) ApplyResult {
	if !msg.BelongsTo(t.self, t.peer) {
		return Ignored
	}
	t.mu.Lock()
	if _, dup := t.ids[msg.ID]; dup {
		t.mu.Unlock()
		return Resync
	}
	t.insertLocked(msg)
	view, fn := t.viewLocked(), t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(view)
	}
	return Appended
}

// AddSent appends the server's response to our own send. It reports false
// when the message was already there.
func (t *Timeline) AddSent(msg models.Message) bool {
	t.mu.Lock()
	if _, dup := t.ids[msg.ID]; dup {
		t.mu.Unlock()
		return false
	}
	t.insertLocked(msg)
	view, fn := t.viewLocked(), t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(view)
	}
	return true
}

// View returns the messages in display order.
func (t *Timeline) View() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.viewLocked()
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

func (t *Timeline) insertLocked(msg models.Message) {
	t.ids[msg.ID] = struct{}{}
	t.msgs = append(t.msgs, msg)
	// Pushes usually arrive in order; only sort when they do not.
	if n := len(t.msgs); n > 1 && t.msgs[n-1].Before(&t.msgs[n-2]) {
		models.SortMessages(t.msgs)
	}
}

func (t *Timeline) viewLocked() []models.Message {
	out := make([]models.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}
