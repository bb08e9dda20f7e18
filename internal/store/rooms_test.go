// ABOUTME: Tests for conceptual room and room mapping persistence
// ABOUTME: Verifies per-agent mapping uniqueness and participant bookkeeping

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConceptualRoom(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	room := &ConceptualRoom{Name: "planning", Type: ChannelTypeGroup, OwnerAgentID: "agent-owner"}
	require.NoError(t, store.CreateConceptualRoom(ctx, room))
	require.NotEmpty(t, room.ID)

	got, err := store.GetConceptualRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "planning", got.Name)
	assert.Equal(t, ChannelTypeGroup, got.Type)
	assert.Equal(t, "agent-owner", got.OwnerAgentID)

	_, err = store.GetConceptualRoom(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.CreateConceptualRoom(ctx, &ConceptualRoom{ID: room.ID, Name: "x"}), ErrAlreadyExists)
}

func TestRoomParticipants(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	room := &ConceptualRoom{ID: "r1", Name: "r", OwnerAgentID: "owner"}
	require.NoError(t, store.CreateConceptualRoom(ctx, room))

	require.NoError(t, store.AddRoomParticipant(ctx, "r1", "alice"))
	require.NoError(t, store.AddRoomParticipant(ctx, "r1", "alice"))
	require.NoError(t, store.AddRoomParticipant(ctx, "r1", "bob"))

	participants, err := store.ListRoomParticipants(ctx, "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, participants)

	require.NoError(t, store.RemoveRoomParticipant(ctx, "r1", "alice"))
	participants, err = store.ListRoomParticipants(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, participants)

	assert.ErrorIs(t, store.AddRoomParticipant(ctx, "missing", "alice"), ErrNotFound)
}

func TestRoomMappings(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.CreateConceptualRoom(ctx, &ConceptualRoom{ID: "r1", Name: "r", OwnerAgentID: "owner"}))

	saved, err := store.SaveRoomMapping(ctx, &RoomMapping{ConceptualRoomID: "r1", AgentID: "a1", AgentRoomID: "room-a1"})
	require.NoError(t, err)
	assert.Equal(t, "room-a1", saved.AgentRoomID)

	// A second save for the same pair keeps the first entry
	again, err := store.SaveRoomMapping(ctx, &RoomMapping{ConceptualRoomID: "r1", AgentID: "a1", AgentRoomID: "other"})
	require.NoError(t, err)
	assert.Equal(t, "room-a1", again.AgentRoomID)

	_, err = store.SaveRoomMapping(ctx, &RoomMapping{ConceptualRoomID: "r1", AgentID: "a2", AgentRoomID: "room-a2"})
	require.NoError(t, err)

	mappings, err := store.ListRoomMappings(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, mappings, 2)

	byAgent := map[string]string{}
	for _, m := range mappings {
		byAgent[m.AgentID] = m.AgentRoomID
	}
	assert.Equal(t, map[string]string{"a1": "room-a1", "a2": "room-a2"}, byAgent)

	got, err := store.GetRoomMapping(ctx, "r1", "a2")
	require.NoError(t, err)
	assert.Equal(t, "room-a2", got.AgentRoomID)

	_, err = store.GetRoomMapping(ctx, "r1", "a3")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.SaveRoomMapping(ctx, &RoomMapping{ConceptualRoomID: "missing", AgentID: "a1", AgentRoomID: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}
