// ABOUTME: Room mirroring service mapping one conceptual room to a room per agent runtime
// ABOUTME: Creates mirrors on demand and propagates participant changes to every mirror

package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-hub/internal/agent"
	"github.com/2389/coven-hub/internal/store"
)

// ErrRoomNotFound indicates the conceptual room does not exist.
var ErrRoomNotFound = errors.New("conceptual room not found")

// agentNamespace seeds the per-agent namespaces agent room ids are derived in.
var agentNamespace = uuid.MustParse("0b7a9e52-3c1d-4f86-b2e4-5d9a7c31f048")

// AgentRoomID is the id agentID uses for conceptualRoomID. It depends only on
// its inputs, so a lost mapping can be recomputed.
func AgentRoomID(agentID, conceptualRoomID string) string {
	scoped := uuid.NewSHA1(agentNamespace, []byte(agentID))
	return uuid.NewSHA1(scoped, []byte(conceptualRoomID)).String()
}

// Store defines what the service needs from storage
type Store interface {
	CreateConceptualRoom(ctx context.Context, room *store.ConceptualRoom) error
	GetConceptualRoom(ctx context.Context, id string) (*store.ConceptualRoom, error)
	AddRoomParticipant(ctx context.Context, roomID, participantID string) error
	RemoveRoomParticipant(ctx context.Context, roomID, participantID string) error
	ListRoomParticipants(ctx context.Context, roomID string) ([]string, error)
	SaveRoomMapping(ctx context.Context, mapping *store.RoomMapping) (*store.RoomMapping, error)
	GetRoomMapping(ctx context.Context, roomID, agentID string) (*store.RoomMapping, error)
	ListRoomMappings(ctx context.Context, roomID string) ([]*store.RoomMapping, error)
}

// Runtimes resolves agent ids to runtimes
type Runtimes interface {
	Get(agentID string) (agent.Runtime, error)
}

// Options bounds fan-out to agent runtimes.
type Options struct {
	MaxConcurrency int // concurrent runtime calls during propagation (default 8)
}

// Service keeps agent mirrors of conceptual rooms in step.
type Service struct {
	store    Store
	runtimes Runtimes
	limit    int
	logger   *slog.Logger
}

// New creates the mirroring service. Pass nil logger for default.
func New(st Store, runtimes Runtimes, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	return &Service{
		store:    st,
		runtimes: runtimes,
		limit:    opts.MaxConcurrency,
		logger:   logger.With("component", "mirror"),
	}
}

// Propagation reports the per-agent outcome of a participant change.
type Propagation struct {
	Applied []string         // agent ids whose mirror was updated, sorted
	Failed  map[string]error // agent id -> error
}

// CreateConceptualRoom records a new conceptual room and returns its id.
func (s *Service) CreateConceptualRoom(ctx context.Context, name string, roomType store.ChannelType, ownerAgentID string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: room name is required", store.ErrInvalidArgument)
	}
	room := &store.ConceptualRoom{Name: name, Type: roomType, OwnerAgentID: ownerAgentID}
	if err := s.store.CreateConceptualRoom(ctx, room); err != nil {
		return "", fmt.Errorf("creating conceptual room: %w", err)
	}
	s.logger.Info("conceptual room created", "room_id", room.ID, "name", name, "owner", ownerAgentID)
	return room.ID, nil
}

// CreateMirroredRoom makes sure agentID has a room for conceptualRoomID and
// returns its id. The room is created in the agent's runtime, the mapping is
// recorded, and current conceptual participants are added to the new mirror.
// Participant sync failures are logged; RepairMirror retries them.
func (s *Service) CreateMirroredRoom(ctx context.Context, conceptualRoomID, agentID string) (string, error) {
	room, err := s.room(ctx, conceptualRoomID)
	if err != nil {
		return "", err
	}
	mapping, failed, err := s.ensureMirror(ctx, room, agentID)
	if err != nil {
		return "", err
	}
	for participant, syncErr := range failed {
		s.logger.Warn("participant not synced to new mirror",
			"room_id", conceptualRoomID, "agent_id", agentID, "participant_id", participant, "error", syncErr)
	}
	return mapping.AgentRoomID, nil
}

// RepairMirror re-runs mirror creation for one agent, recomputing the agent
// room id if the mapping was lost. Unlike CreateMirroredRoom it fails if any
// participant could not be synced.
func (s *Service) RepairMirror(ctx context.Context, conceptualRoomID, agentID string) (string, error) {
	room, err := s.room(ctx, conceptualRoomID)
	if err != nil {
		return "", err
	}
	mapping, failed, err := s.ensureMirror(ctx, room, agentID)
	if err != nil {
		return "", err
	}
	if len(failed) > 0 {
		errs := make([]error, 0, len(failed))
		for participant, syncErr := range failed {
			errs = append(errs, fmt.Errorf("participant %s: %w", participant, syncErr))
		}
		return mapping.AgentRoomID, fmt.Errorf("repairing mirror for %s: %w", agentID, errors.Join(errs...))
	}
	s.logger.Info("mirror repaired", "room_id", conceptualRoomID, "agent_id", agentID, "agent_room_id", mapping.AgentRoomID)
	return mapping.AgentRoomID, nil
}

// GetMirroredRooms returns agent id -> agent room id for a conceptual room.
func (s *Service) GetMirroredRooms(ctx context.Context, conceptualRoomID string) (map[string]string, error) {
	if _, err := s.room(ctx, conceptualRoomID); err != nil {
		return nil, err
	}
	mappings, err := s.store.ListRoomMappings(ctx, conceptualRoomID)
	if err != nil {
		return nil, fmt.Errorf("listing mirrors: %w", err)
	}
	out := make(map[string]string, len(mappings))
	for _, m := range mappings {
		out[m.AgentID] = m.AgentRoomID
	}
	return out, nil
}

// AddParticipantToMirroredRooms records participantID as a member of the
// conceptual room and adds it to every existing mirror, creating a stub
// entity in each runtime first. One agent failing does not stop the others.
func (s *Service) AddParticipantToMirroredRooms(ctx context.Context, conceptualRoomID, participantID string) (*Propagation, error) {
	if _, err := s.room(ctx, conceptualRoomID); err != nil {
		return nil, err
	}
	if err := s.store.AddRoomParticipant(ctx, conceptualRoomID, participantID); err != nil {
		return nil, fmt.Errorf("recording participant: %w", err)
	}

	return s.propagate(ctx, conceptualRoomID, participantID, "add", func(ctx context.Context, rt agent.Runtime, agentRoomID string) error {
		return addToRuntime(ctx, rt, agentRoomID, participantID)
	})
}

// RemoveParticipantFromMirroredRooms is the inverse of AddParticipantToMirroredRooms.
func (s *Service) RemoveParticipantFromMirroredRooms(ctx context.Context, conceptualRoomID, participantID string) (*Propagation, error) {
	if _, err := s.room(ctx, conceptualRoomID); err != nil {
		return nil, err
	}
	if err := s.store.RemoveRoomParticipant(ctx, conceptualRoomID, participantID); err != nil {
		return nil, fmt.Errorf("removing participant: %w", err)
	}

	return s.propagate(ctx, conceptualRoomID, participantID, "remove", func(ctx context.Context, rt agent.Runtime, agentRoomID string) error {
		return rt.RemoveParticipant(ctx, agentRoomID, participantID)
	})
}

// propagate applies fn to every mirror that exists now, at most s.limit at a time.
func (s *Service) propagate(
	ctx context.Context,
	conceptualRoomID, participantID, op string,
	fn func(ctx context.Context, rt agent.Runtime, agentRoomID string) error,
) (*Propagation, error) {
	mappings, err := s.store.ListRoomMappings(ctx, conceptualRoomID)
	if err != nil {
		return nil, fmt.Errorf("listing mirrors: %w", err)
	}

	result := &Propagation{Failed: make(map[string]error)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.limit)
	for _, m := range mappings {
		g.Go(func() error {
			err := s.applyToMirror(ctx, m, fn)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[m.AgentID] = err
				s.logger.Warn("mirror propagation failed",
					"op", op,
					"room_id", conceptualRoomID,
					"agent_id", m.AgentID,
					"participant_id", participantID,
					"error", err,
				)
				return nil
			}
			result.Applied = append(result.Applied, m.AgentID)
			return nil
		})
	}
	// Workers never return errors; failures are collected per agent
	_ = g.Wait()

	sort.Strings(result.Applied)
	s.logger.Info("participant change propagated",
		"op", op,
		"room_id", conceptualRoomID,
		"participant_id", participantID,
		"applied", len(result.Applied),
		"failed", len(result.Failed),
	)
	return result, nil
}

func (s *Service) applyToMirror(
	ctx context.Context,
	m *store.RoomMapping,
	fn func(ctx context.Context, rt agent.Runtime, agentRoomID string) error,
) error {
	rt, err := s.runtimes.Get(m.AgentID)
	if err != nil {
		return err
	}
	return fn(ctx, rt, m.AgentRoomID)
}

// ensureMirror creates the agent's room, records the mapping and syncs
// current participants. It returns per-participant sync failures.
func (s *Service) ensureMirror(ctx context.Context, room *store.ConceptualRoom, agentID string) (*store.RoomMapping, map[string]error, error) {
	if agentID == "" {
		return nil, nil, fmt.Errorf("%w: agent id is required", store.ErrInvalidArgument)
	}
	rt, err := s.runtimes.Get(agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving runtime for %s: %w", agentID, err)
	}

	agentRoomID := AgentRoomID(agentID, room.ID)
	if existing, err := s.store.GetRoomMapping(ctx, room.ID, agentID); err == nil {
		agentRoomID = existing.AgentRoomID
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("reading mapping: %w", err)
	}

	err = rt.EnsureRoom(ctx, agent.Room{
		ID:               agentRoomID,
		Name:             room.Name,
		Type:             room.Type,
		ConceptualRoomID: room.ID,
		OwnerAgentID:     room.OwnerAgentID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("ensuring room in runtime %s: %w", agentID, err)
	}

	mapping, err := s.store.SaveRoomMapping(ctx, &store.RoomMapping{
		ConceptualRoomID: room.ID,
		AgentID:          agentID,
		AgentRoomID:      agentRoomID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("saving mapping: %w", err)
	}

	participants, err := s.store.ListRoomParticipants(ctx, room.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing participants: %w", err)
	}
	failed := make(map[string]error)
	for _, p := range participants {
		if err := addToRuntime(ctx, rt, mapping.AgentRoomID, p); err != nil {
			failed[p] = err
		}
	}

	s.logger.Debug("mirror ensured",
		"room_id", room.ID,
		"agent_id", agentID,
		"agent_room_id", mapping.AgentRoomID,
		"participants", len(participants),
	)
	return mapping, failed, nil
}

func addToRuntime(ctx context.Context, rt agent.Runtime, agentRoomID, participantID string) error {
	if err := rt.EnsureEntity(ctx, agent.Entity{ID: participantID, Stub: true}); err != nil {
		return fmt.Errorf("ensuring entity: %w", err)
	}
	if err := rt.AddParticipant(ctx, agentRoomID, participantID); err != nil {
		return fmt.Errorf("adding participant: %w", err)
	}
	return nil
}

func (s *Service) room(ctx context.Context, id string) (*store.ConceptualRoom, error) {
	room, err := s.store.GetConceptualRoom(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading conceptual room: %w", err)
	}
	return room, nil
}
