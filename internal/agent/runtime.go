// ABOUTME: Runtime is the contract an agent's own room/entity namespace exposes to the hub
// ABOUTME: Room and Entity describe what the mirror service asks a runtime to ensure

package agent

import (
	"context"
	"errors"

	"github.com/2389/coven-hub/internal/store"
)

// ErrUnknownRoom is returned when a runtime is asked about a room it never created.
var ErrUnknownRoom = errors.New("room not found in agent runtime")

// ErrUnknownEntity is returned when a participant entity does not exist in a runtime.
var ErrUnknownEntity = errors.New("entity not found in agent runtime")

// Room is a room inside one agent's namespace.
type Room struct {
	ID               string
	Name             string
	Type             store.ChannelType
	ConceptualRoomID string // back-reference to the shared conversation
	OwnerAgentID     string
}

// Entity is a participant as one agent knows it. Stub entities are created
// on demand with nothing but an id.
type Entity struct {
	ID   string
	Name string
	Stub bool
}

// Runtime is an agent's private view of rooms and participants.
// Implementations must be safe for concurrent use.
type Runtime interface {
	AgentID() string

	// EnsureRoom creates the room if it does not exist. Existing rooms are left as they are.
	EnsureRoom(ctx context.Context, room Room) error

	// EnsureEntity creates the entity if it does not exist.
	EnsureEntity(ctx context.Context, entity Entity) error

	AddParticipant(ctx context.Context, roomID, entityID string) error
	RemoveParticipant(ctx context.Context, roomID, entityID string) error
}
