// ABOUTME: Store interface and data types for coven-hub persistence
// ABOUTME: Defines servers, channels, participants, root messages and room mirroring records

package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidReply is returned when a message replies to a message that is
// missing or lives in a different channel.
var ErrInvalidReply = errors.New("reply target must be a message in the same channel")

// ChannelType enumerates the kinds of conversation surfaces.
type ChannelType string

// Channel types. DM and GROUP are native; the rest mirror upstream platforms.
const (
	ChannelTypeDM         ChannelType = "DM"
	ChannelTypeGroup      ChannelType = "GROUP"
	ChannelTypeSelf       ChannelType = "SELF"
	ChannelTypeVoiceDM    ChannelType = "VOICE_DM"
	ChannelTypeVoiceGroup ChannelType = "VOICE_GROUP"
	ChannelTypeFeed       ChannelType = "FEED"
	ChannelTypeThread     ChannelType = "THREAD"
	ChannelTypeWorld      ChannelType = "WORLD"
	ChannelTypeForum      ChannelType = "FORUM"
	ChannelTypeAPI        ChannelType = "API"
	ChannelTypeUnknown    ChannelType = "UNKNOWN"
)

// SourceTypeHub tags records that originate inside the hub itself.
const SourceTypeHub = "coven_hub"

// ParseChannelType maps a caller-supplied string onto a known ChannelType.
// Matching is case-insensitive and accepts "DIRECT" as an alias for DM.
func ParseChannelType(s string) (ChannelType, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DM", "DIRECT":
		return ChannelTypeDM, true
	case "GROUP":
		return ChannelTypeGroup, true
	case "SELF":
		return ChannelTypeSelf, true
	case "VOICE_DM":
		return ChannelTypeVoiceDM, true
	case "VOICE_GROUP":
		return ChannelTypeVoiceGroup, true
	case "FEED":
		return ChannelTypeFeed, true
	case "THREAD":
		return ChannelTypeThread, true
	case "WORLD":
		return ChannelTypeWorld, true
	case "FORUM":
		return ChannelTypeForum, true
	case "API":
		return ChannelTypeAPI, true
	case "UNKNOWN":
		return ChannelTypeUnknown, true
	}
	return "", false
}

// MessageServer is a tenant boundary such as a single install or an upstream guild.
type MessageServer struct {
	ID         string
	Name       string
	SourceType string
	SourceID   string
	Metadata   Document
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MessageChannel is a conversation surface within a server.
type MessageChannel struct {
	ID              string
	MessageServerID string
	Name            string
	Type            ChannelType
	SourceType      string
	SourceID        string
	Topic           string
	Metadata        Document
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RootMessage is the canonical persisted form of a message.
type RootMessage struct {
	ID                     string
	ChannelID              string
	AuthorID               string
	Content                string
	RawMessage             Document
	InReplyToRootMessageID string // empty when the message is not a reply
	SourceType             string
	SourceID               string
	Metadata               Document
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// ChannelUpdate carries the mutable fields of a channel. Nil fields are left untouched.
type ChannelUpdate struct {
	Name     *string
	Topic    *string
	Metadata Document
}

// ConceptualRoom is a logical conversation independent of any agent runtime.
type ConceptualRoom struct {
	ID           string
	Name         string
	Type         ChannelType
	OwnerAgentID string
	CreatedAt    time.Time
}

// RoomMapping links a conceptual room to the room id one agent uses for it.
type RoomMapping struct {
	ConceptualRoomID string
	AgentID          string
	AgentRoomID      string
	CreatedAt        time.Time
}

// MessageStore covers servers, channels, participants and root messages.
type MessageStore interface {
	// Servers
	CreateServer(ctx context.Context, server *MessageServer) error
	GetServer(ctx context.Context, id string) (*MessageServer, error)
	ListServers(ctx context.Context) ([]*MessageServer, error)

	// Channels
	CreateChannel(ctx context.Context, channel *MessageChannel, participantIDs []string) error
	GetChannel(ctx context.Context, id string) (*MessageChannel, error)
	ListChannelsForServer(ctx context.Context, serverID string) ([]*MessageChannel, error)
	UpdateChannel(ctx context.Context, id string, update ChannelUpdate) (*MessageChannel, error)
	DeleteChannel(ctx context.Context, id string) error
	FindDMChannel(ctx context.Context, userA, userB, serverID string) (*MessageChannel, error)
	FindOrCreateDMChannel(ctx context.Context, userA, userB, serverID string) (*MessageChannel, error)

	// Participants
	AddParticipants(ctx context.Context, channelID string, userIDs []string) error
	RemoveParticipants(ctx context.Context, channelID string, userIDs []string) error
	GetParticipants(ctx context.Context, channelID string) ([]string, error)

	// Messages
	CreateMessage(ctx context.Context, msg *RootMessage) error
	GetMessage(ctx context.Context, id string) (*RootMessage, error)
	FindMessageBySource(ctx context.Context, sourceType, sourceID string) (*RootMessage, error)
	GetMessagesForChannel(ctx context.Context, channelID string, limit int, before time.Time) ([]*RootMessage, error)
	GetMessagesBefore(ctx context.Context, channelID string, limit int, cursorID string) ([]*RootMessage, error)
	DeleteMessage(ctx context.Context, id string) error
	ClearChannelMessages(ctx context.Context, channelID string) (int64, error)

	// Server/agent associations
	AddAgentToServer(ctx context.Context, serverID, agentID string) error
	RemoveAgentFromServer(ctx context.Context, serverID, agentID string) error
	ListAgentsForServer(ctx context.Context, serverID string) ([]string, error)
	ListServersForAgent(ctx context.Context, agentID string) ([]string, error)
}

// RoomStore persists conceptual rooms, their participants and agent mappings.
type RoomStore interface {
	CreateConceptualRoom(ctx context.Context, room *ConceptualRoom) error
	GetConceptualRoom(ctx context.Context, id string) (*ConceptualRoom, error)
	AddRoomParticipant(ctx context.Context, roomID, participantID string) error
	RemoveRoomParticipant(ctx context.Context, roomID, participantID string) error
	ListRoomParticipants(ctx context.Context, roomID string) ([]string, error)
	SaveRoomMapping(ctx context.Context, mapping *RoomMapping) (*RoomMapping, error)
	GetRoomMapping(ctx context.Context, roomID, agentID string) (*RoomMapping, error)
	ListRoomMappings(ctx context.Context, roomID string) ([]*RoomMapping, error)
}

// Store is the complete persistence surface.
type Store interface {
	MessageStore
	RoomStore

	// Close releases any resources held by the store
	Close() error
}
