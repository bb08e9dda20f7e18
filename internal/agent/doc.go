// Package agent describes agent runtimes as the hub sees them.
//
// # Runtime
//
// Each agent keeps its own namespace of rooms and participant entities. The
// hub never writes into that namespace directly; it asks the runtime to
// ensure rooms and entities exist and to change room membership:
//
//	type Runtime interface {
//	    AgentID() string
//	    EnsureRoom(ctx, Room) error
//	    EnsureEntity(ctx, Entity) error
//	    AddParticipant(ctx, roomID, entityID string) error
//	    RemoveParticipant(ctx, roomID, entityID string) error
//	}
//
// # Registry
//
// The Registry maps agent ids to runtimes:
//
//	reg := agent.NewRegistry(logger)
//	reg.Register(rt)
//	rt, err := reg.Get("agent-1") // ErrAgentNotFound if absent
//
// # LocalRuntime
//
// LocalRuntime is an in-process Runtime backed by maps. After Start it
// listens on the bus: server_agent_update events for its agent id change the
// set of servers it follows, and new_message events on those servers (not
// authored by the agent) are passed to its Handler.
//
// # Thread Safety
//
// Registry and LocalRuntime are safe for concurrent use.
package agent
