// ABOUTME: Wire envelopes and payloads exchanged with live WebSocket clients
// ABOUTME: Every frame is {"type": ..., "payload": ...}; errors use {"error": "..."} payloads

package realtime

import (
	"encoding/json"

	"github.com/2389/coven-hub/internal/store"
)

// Client operations.
const (
	OpJoinRoom    = "join_room"
	OpLeaveRoom   = "leave_room"
	OpSendMessage = "send_message"
)

// Server events.
const (
	EventConnectionEstablished = "connection_established"
	EventRoomJoined            = "room_joined"
	EventRoomLeft              = "room_left"
	EventMessageBroadcast      = "message_broadcast"
	EventMessageAck            = "message_ack"
	EventMessageDeleted        = "message_deleted"
	EventChannelCleared        = "channel_cleared"
	EventError                 = "error"
)

// Event is an outbound frame.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// inbound is a client frame before its payload is decoded.
type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Error string `json:"error"`
}

// ConnectionPayload acknowledges a new connection.
type ConnectionPayload struct {
	ConnectionID string `json:"connectionId"`
}

// JoinRoomRequest asks to join a room, optionally as an agent.
type JoinRoomRequest struct {
	RoomID  string `json:"roomId"`
	AgentID string `json:"agentId,omitempty"`
}

// RoomPayload confirms a join or leave.
type RoomPayload struct {
	RoomID  string `json:"roomId"`
	AgentID string `json:"agentId,omitempty"`
}

// SendMessageRequest is a chat message typed into a live connection.
// WorldID is accepted as an alias of ServerID.
type SendMessageRequest struct {
	RoomID     string         `json:"roomId"`
	SenderID   string         `json:"senderId"`
	SenderName string         `json:"senderName,omitempty"`
	Message    string         `json:"message"`
	ServerID   string         `json:"serverId,omitempty"`
	WorldID    string         `json:"worldId,omitempty"`
	MessageID  string         `json:"messageId,omitempty"`
	InReplyTo  string         `json:"inReplyToRootMessageId,omitempty"`
	Metadata   store.Document `json:"metadata,omitempty"`
}

// MessagePayload is a persisted message as shown to room members.
type MessagePayload struct {
	ID         string         `json:"id,omitempty"`
	SenderID   string         `json:"senderId"`
	SenderName string         `json:"senderName,omitempty"`
	Text       string         `json:"text"`
	RoomID     string         `json:"roomId"`
	ChannelID  string         `json:"channelId"`
	ServerID   string         `json:"serverId"`
	CreatedAt  int64          `json:"createdAt"`
	Source     string         `json:"source"`
	InReplyTo  string         `json:"inReplyToRootMessageId,omitempty"`
	Thought    string         `json:"thought,omitempty"`
	Actions    []string       `json:"actions,omitempty"`
	Metadata   store.Document `json:"metadata,omitempty"`
}

// AckPayload confirms a socket-originated message was persisted.
type AckPayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	Status    string `json:"status"`
}

// DeletedPayload announces a removed message.
type DeletedPayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}

// ClearedPayload announces a cleared channel.
type ClearedPayload struct {
	RoomID  string `json:"roomId"`
	Removed int64  `json:"removed"`
}

// MessagePayloadFrom renders a stored message for broadcast.
func MessagePayloadFrom(msg *store.RootMessage, serverID string) MessagePayload {
	return MessagePayload{
		ID:         msg.ID,
		SenderID:   msg.AuthorID,
		SenderName: msg.Metadata.DisplayName(),
		Text:       msg.Content,
		RoomID:     msg.ChannelID,
		ChannelID:  msg.ChannelID,
		ServerID:   serverID,
		CreatedAt:  msg.CreatedAt.UnixMilli(),
		Source:     msg.SourceType,
		InReplyTo:  msg.InReplyToRootMessageID,
		Thought:    msg.RawMessage.Thought(),
		Actions:    msg.RawMessage.Actions(),
		Metadata:   msg.Metadata,
	}
}

func encodeEvent(eventType string, payload any) ([]byte, error) {
	return json.Marshal(Event{Type: eventType, Payload: payload})
}
