package websocket

import (
	"encoding/json"
	"time"
)

// Event types exchanged over the socket. Clients send join and ping.
const (
	EventConnected           = "connected"
	EventJoin                = "join"
	EventJoined              = "joined"
	EventMessage             = "message"
	EventConversationDeleted = "conversation_deleted"
	EventPing                = "ping"
	EventPong                = "pong"
	EventError               = "error"
)

// Envelope is every frame on the wire: {"type": ..., "payload": ...}.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	Token string `json:"token,omitempty"`
	// UserID is only honored when anonymous joins are enabled. With a token
	// it must match the token's user or be empty.
	UserID string `json:"userId,omitempty"`
}

type JoinedPayload struct {
	UserID string `json:"userId"`
}

type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	Time         int64  `json:"time"`
}

type ErrorPayload struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type ConversationDeletedPayload struct {
	ConversationID string   `json:"conversationId"`
	Participants   []string `json:"participants"`
}

type PongPayload struct {
	Time int64 `json:"time"`
}

// Encode marshals a frame of the given type.
func Encode(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}

func errorFrame(code, msg string) []byte {
	b, _ := Encode(EventError, ErrorPayload{Code: code, Error: msg})
	return b
}

func pongFrame() []byte {
	b, _ := Encode(EventPong, PongPayload{Time: time.Now().Unix()})
	return b
}
