// ABOUTME: Registry tracks the agent runtimes known to this process
// ABOUTME: The mirror service resolves agent ids to runtimes through it

package agent

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrAgentAlreadyRegistered indicates a runtime with the same agent ID is already registered.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// Registry maps agent ids to runtimes.
type Registry struct {
	runtimes map[string]Runtime
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		runtimes: make(map[string]Runtime),
		logger:   logger.With("component", "agent-registry"),
	}
}

// Register adds a runtime.
// Returns ErrAgentAlreadyRegistered if one with the same agent ID exists.
func (r *Registry) Register(rt Runtime) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := rt.AgentID()
	if _, exists := r.runtimes[id]; exists {
		return ErrAgentAlreadyRegistered
	}

	r.runtimes[id] = rt
	r.logger.Info("agent runtime registered", "agent_id", id, "total_agents", len(r.runtimes))
	return nil
}

// Unregister removes a runtime. Unknown ids are ignored.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runtimes[agentID]; exists {
		delete(r.runtimes, agentID)
		r.logger.Info("agent runtime unregistered", "agent_id", agentID, "total_agents", len(r.runtimes))
	}
}

// Get returns the runtime for agentID or ErrAgentNotFound.
func (r *Registry) Get(agentID string) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.runtimes[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return rt, nil
}

// List returns the registered agent ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.runtimes))
	for id := range r.runtimes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
