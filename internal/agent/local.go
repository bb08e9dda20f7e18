// ABOUTME: LocalRuntime is an in-process agent runtime with its own rooms and entities
// ABOUTME: It follows server membership from the bus and hands matching messages to a handler

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/coven-hub/internal/bus"
)

// Handler receives bus messages for servers the agent belongs to.
type Handler func(ctx context.Context, msg bus.NewMessage)

// ServerLister returns the servers an agent is already associated with.
type ServerLister interface {
	ListServersForAgent(ctx context.Context, agentID string) ([]string, error)
}

var _ Runtime = (*LocalRuntime)(nil)

// LocalRuntime keeps rooms, entities and memberships in memory.
type LocalRuntime struct {
	id      string
	handler Handler

	mu       sync.RWMutex
	rooms    map[string]Room
	entities map[string]Entity
	members  map[string]map[string]struct{} // roomID -> entityIDs
	servers  map[string]struct{}

	done   chan struct{}
	logger *slog.Logger
}

// NewLocalRuntime creates a runtime for agentID. handler may be nil.
func NewLocalRuntime(agentID string, handler Handler, logger *slog.Logger) *LocalRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRuntime{
		id:       agentID,
		handler:  handler,
		rooms:    make(map[string]Room),
		entities: make(map[string]Entity),
		members:  make(map[string]map[string]struct{}),
		servers:  make(map[string]struct{}),
		done:     make(chan struct{}),
		logger:   logger.With("component", "local-runtime", "agent_id", agentID),
	}
}

// AgentID returns the agent this runtime belongs to.
func (r *LocalRuntime) AgentID() string {
	return r.id
}

// EnsureRoom creates the room if it does not exist.
func (r *LocalRuntime) EnsureRoom(_ context.Context, room Room) error {
	if room.ID == "" {
		return fmt.Errorf("room id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[room.ID]; ok {
		return nil
	}
	r.rooms[room.ID] = room
	r.members[room.ID] = make(map[string]struct{})
	r.logger.Debug("room created", "room_id", room.ID, "conceptual_room_id", room.ConceptualRoomID)
	return nil
}

// EnsureEntity creates the entity if it does not exist. A full entity
// replaces an earlier stub.
func (r *LocalRuntime) EnsureEntity(_ context.Context, entity Entity) error {
	if entity.ID == "" {
		return fmt.Errorf("entity id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entities[entity.ID]; ok && (!existing.Stub || entity.Stub) {
		return nil
	}
	r.entities[entity.ID] = entity
	return nil
}

// AddParticipant puts an existing entity into an existing room.
func (r *LocalRuntime) AddParticipant(_ context.Context, roomID, entityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.members[roomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	if _, ok := r.entities[entityID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}
	members[entityID] = struct{}{}
	return nil
}

// RemoveParticipant takes an entity out of a room. Removing a non-member is a no-op.
func (r *LocalRuntime) RemoveParticipant(_ context.Context, roomID, entityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.members[roomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	delete(members, entityID)
	return nil
}

// Room returns a room by id.
func (r *LocalRuntime) Room(roomID string) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	return room, ok
}

// Entity returns an entity by id.
func (r *LocalRuntime) Entity(entityID string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[entityID]
	return e, ok
}

// Participants lists a room's members in sorted order.
func (r *LocalRuntime) Participants(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.members[roomID]))
	for id := range r.members[roomID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Servers lists the servers this agent is listening to.
func (r *LocalRuntime) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start loads the agent's servers, subscribes to the bus and processes events
// in the background until ctx is cancelled or the bus closes. Subscriptions
// are in place when Start returns.
func (r *LocalRuntime) Start(ctx context.Context, b *bus.Bus, lister ServerLister) error {
	if lister != nil {
		servers, err := lister.ListServersForAgent(ctx, r.id)
		if err != nil {
			return fmt.Errorf("loading servers for agent: %w", err)
		}
		r.mu.Lock()
		for _, id := range servers {
			r.servers[id] = struct{}{}
		}
		r.mu.Unlock()
	}

	messages, _ := b.NewMessage.Subscribe(ctx, 0)
	updates, _ := b.ServerAgentUpdate.Subscribe(ctx, 0)

	go r.run(ctx, messages, updates)
	return nil
}

// Done is closed when the background loop exits.
func (r *LocalRuntime) Done() <-chan struct{} {
	return r.done
}

func (r *LocalRuntime) run(ctx context.Context, messages <-chan bus.NewMessage, updates <-chan bus.ServerAgentUpdate) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return

		case u, ok := <-updates:
			if !ok {
				return
			}
			r.applyUpdate(u)

		case msg, ok := <-messages:
			if !ok {
				return
			}
			if r.wants(msg) && r.handler != nil {
				r.handler(ctx, msg)
			}
		}
	}
}

func (r *LocalRuntime) applyUpdate(u bus.ServerAgentUpdate) {
	if u.AgentID != r.id {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch u.Type {
	case bus.UpdateAdded:
		r.servers[u.ServerID] = struct{}{}
	case bus.UpdateRemoved:
		delete(r.servers, u.ServerID)
	}
	r.logger.Info("server membership changed", "server_id", u.ServerID, "type", u.Type)
}

// wants reports whether msg is for a server this agent listens to and was
// not written by the agent itself.
func (r *LocalRuntime) wants(msg bus.NewMessage) bool {
	if msg.AuthorID == r.id {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[msg.ServerID]
	return ok
}
