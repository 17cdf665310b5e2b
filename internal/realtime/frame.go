package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lalith-99/afterhours/internal/models"
)

// Frame types.
const (
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypeBroadcast = "broadcast"
	TypeReply     = "reply"
	TypeChanges   = "postgres_changes"
	TypeError     = "error"
)

// Broadcast events sent by clients.
const (
	EventNewMessage     = "new_message"
	EventMessageUpdated = "message_updated"
)

// Change-feed events, named after the SQL operation.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

const topicPrefix = "conversation:"

// MessagesTable is the table name carried in change payloads.
const MessagesTable = "messages"

// Frame is one JSON text message on the realtime socket, in either direction.
// The same struct travels between server instances inside a relay envelope.
type Frame struct {
	Type    string          `json:"type" msgpack:"type"`
	Topic   string          `json:"topic" msgpack:"topic"`
	Event   string          `json:"event,omitempty" msgpack:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty" msgpack:"ref,omitempty"`
}

// ReplyPayload acknowledges a join or leave.
type ReplyPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ChangePayload is the body of a postgres_changes frame. Record is the raw
// row: Sender is never populated.
type ChangePayload struct {
	Type   string         `json:"type"`
	Table  string         `json:"table"`
	Record models.Message `json:"record"`
}

// NewFrame builds a frame with payload encoded as JSON. A nil payload leaves
// the field empty.
func NewFrame(frameType, topic, event string, payload any) (Frame, error) {
	f := Frame{Type: frameType, Topic: topic, Event: event}
	if payload == nil {
		return f, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	f.Payload = raw
	return f, nil
}

// Decode unmarshals the payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("decode %s frame: empty payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Type, err)
	}
	return nil
}

// Topic names the channel of a conversation.
func Topic(conversationID uuid.UUID) string {
	return topicPrefix + conversationID.String()
}

// ParseTopic returns the conversation id behind a topic name.
func ParseTopic(topic string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("unknown topic %q", topic)
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse topic %q: %w", topic, err)
	}
	return id, nil
}
