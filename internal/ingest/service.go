// ABOUTME: Ingestion service shared by every message producer (GUI, agents, external platforms, sockets)
// ABOUTME: Persists first, then emits on the bus and broadcasts to live rooms in commit order

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-hub/internal/bus"
	"github.com/2389/coven-hub/internal/dedupe"
	"github.com/2389/coven-hub/internal/realtime"
	"github.com/2389/coven-hub/internal/store"
)

// SourceTypeExternal tags externally ingested messages that name no platform.
const SourceTypeExternal = "external"

// Store defines what the service needs from storage
type Store interface {
	GetServer(ctx context.Context, id string) (*store.MessageServer, error)
	GetChannel(ctx context.Context, id string) (*store.MessageChannel, error)
	CreateChannel(ctx context.Context, channel *store.MessageChannel, participantIDs []string) error
	FindDMChannel(ctx context.Context, userA, userB, serverID string) (*store.MessageChannel, error)
	AddParticipants(ctx context.Context, channelID string, userIDs []string) error
	GetParticipants(ctx context.Context, channelID string) ([]string, error)

	CreateMessage(ctx context.Context, msg *store.RootMessage) error
	GetMessage(ctx context.Context, id string) (*store.RootMessage, error)
	FindMessageBySource(ctx context.Context, sourceType, sourceID string) (*store.RootMessage, error)
	DeleteMessage(ctx context.Context, id string) error
	ClearChannelMessages(ctx context.Context, channelID string) (int64, error)

	AddAgentToServer(ctx context.Context, serverID, agentID string) error
	RemoveAgentFromServer(ctx context.Context, serverID, agentID string) error
}

// Publisher emits events on the in-process bus
type Publisher interface {
	PublishNewMessage(m bus.NewMessage) int
	PublishServerAgentUpdate(u bus.ServerAgentUpdate) int
}

// Broadcaster delivers events to live room members
type Broadcaster interface {
	Broadcast(roomID, eventType string, payload any) int
}

// Options tunes external-ingest deduplication.
type Options struct {
	DedupeTTL        time.Duration // default 10m
	DedupeMaxEntries int           // default 10000
}

// Service is the single write path for root messages. Every producer goes
// through persist so the bus and live rooms see messages in commit order.
type Service struct {
	store     Store
	publisher Publisher
	rooms     Broadcaster
	seen      *dedupe.Cache
	locks     *keyedMutex
	logger    *slog.Logger
}

// New creates the ingestion service. Pass nil logger for default.
func New(st Store, publisher Publisher, rooms Broadcaster, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 10 * time.Minute
	}
	if opts.DedupeMaxEntries <= 0 {
		opts.DedupeMaxEntries = 10000
	}
	return &Service{
		store:     st,
		publisher: publisher,
		rooms:     rooms,
		seen:      dedupe.New(opts.DedupeTTL, opts.DedupeMaxEntries),
		locks:     newKeyedMutex(),
		logger:    logger.With("component", "ingest"),
	}
}

// Close stops the dedupe cache's cleanup goroutine.
func (s *Service) Close() {
	s.seen.Close()
}

// MessageRequest carries the fields common to every ingestion path.
type MessageRequest struct {
	ChannelID  string
	ServerID   string
	AuthorID   string
	Content    string
	MessageID  string // optional caller-chosen id; repeats are treated as retries
	InReplyTo  string
	RawMessage store.Document
	Metadata   store.Document
	SourceType string
	SourceID   string
}

// PostRequest is a GUI post. The extra fields only matter when the channel
// has to be provisioned.
type PostRequest struct {
	MessageRequest
	ChannelName  string
	ChannelType  string // "DIRECT"/"DM", "GROUP", ...; falls back to metadata hints
	TargetUserID string // second DM participant; falls back to metadata.targetUserId
}

// Result describes what an ingestion call did.
type Result struct {
	Message        *store.RootMessage
	Channel        *store.MessageChannel
	ChannelCreated bool
	Duplicate      bool // already stored; nothing was emitted
	Published      int  // bus subscribers that accepted the event
	Broadcast      int  // live connections that accepted the event
}

type fanout struct {
	publish bool
}

func (r MessageRequest) validate() error {
	var missing []string
	if r.ChannelID == "" {
		missing = append(missing, "channelId")
	}
	if r.ServerID == "" {
		missing = append(missing, "serverId")
	}
	if r.AuthorID == "" {
		missing = append(missing, "authorId")
	}
	if strings.TrimSpace(r.Content) == "" {
		missing = append(missing, "content")
	}
	if len(missing) > 0 {
		return invalid("%s required", strings.Join(missing, ", "))
	}
	if !r.Metadata.Valid() {
		return invalid("metadata must be a JSON object")
	}
	if !r.RawMessage.Valid() {
		return invalid("rawMessage must be a JSON object")
	}
	return nil
}

// Submit stores an agent-authored reply that agents have already processed.
// It is broadcast to live rooms but not published on the bus, so agents do
// not receive their own replies as new input.
func (s *Service) Submit(ctx context.Context, req MessageRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	channel, err := s.existingChannel(ctx, req.ChannelID, req.ServerID)
	if err != nil {
		return nil, err
	}
	return s.persist(ctx, channel, req, fanout{publish: false})
}

// IngestExternal stores a message relayed from an external platform. A repeat
// of the same (sourceType, sourceId) returns the stored message unchanged.
func (s *Service) IngestExternal(ctx context.Context, req MessageRequest) (*Result, error) {
	if req.SourceType == "" {
		req.SourceType = SourceTypeExternal
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.SourceID != "" {
		if msg := s.recall(ctx, req.SourceType, req.SourceID); msg != nil {
			s.logger.Debug("duplicate external message",
				"source_type", req.SourceType, "source_id", req.SourceID, "message_id", msg.ID)
			return &Result{Message: msg, Duplicate: true}, nil
		}
	}

	channel, err := s.existingChannel(ctx, req.ChannelID, req.ServerID)
	if err != nil {
		return nil, err
	}
	return s.persist(ctx, channel, req, fanout{publish: true})
}

// PostGUI stores a message typed by a human client, provisioning the channel
// on first use.
func (s *Service) PostGUI(ctx context.Context, req PostRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	plan, err := s.planChannel(ctx, req)
	if err != nil {
		return nil, err
	}
	prior, err := s.checkMessage(ctx, plan.channelID(), req.MessageRequest)
	if err != nil {
		return nil, err
	}
	if prior != nil && plan.existing != nil {
		return &Result{Message: prior, Channel: plan.existing, Duplicate: true}, nil
	}

	channel, created, err := s.provision(ctx, plan, req)
	if err != nil {
		return nil, err
	}

	// A DM redirect lands the message in the pair's existing channel
	req.ChannelID = channel.ID

	result, err := s.persist(ctx, channel, req.MessageRequest, fanout{publish: true})
	if err != nil {
		return nil, err
	}
	result.ChannelCreated = created
	return result, nil
}

// SendSocketMessage implements realtime.MessageSender. It runs the GUI post
// sequence; returned errors are safe to show to the client.
func (s *Service) SendSocketMessage(ctx context.Context, req realtime.SendMessageRequest) (string, error) {
	post := PostRequest{
		MessageRequest: MessageRequest{
			ChannelID: req.RoomID,
			ServerID:  req.ServerID,
			AuthorID:  req.SenderID,
			Content:   req.Message,
			MessageID: req.MessageID,
			InReplyTo: req.InReplyTo,
			Metadata:  req.Metadata,
		},
	}

	if post.ServerID == "" {
		if channel, err := s.store.GetChannel(ctx, req.RoomID); err == nil {
			post.ServerID = channel.MessageServerID
		}
	}
	if req.SenderName != "" && post.Metadata.DisplayName() == "" {
		md, err := post.Metadata.Set("displayName", req.SenderName)
		if err == nil {
			post.Metadata = md
		}
	}

	result, err := s.PostGUI(ctx, post)
	if err != nil {
		return "", clientError(err)
	}
	return result.Message.ID, nil
}

// clientError strips internal detail from errors shown over a socket.
func clientError(err error) error {
	switch {
	case IsValidation(err):
		return err
	case errors.Is(err, store.ErrNotFound):
		return errors.New(strings.TrimSuffix(err.Error(), ": "+store.ErrNotFound.Error()) + " not found")
	default:
		return errors.New("failed to send message")
	}
}

// DeleteMessage removes one message and tells the channel's room. When
// channelID is set the message must belong to that channel.
func (s *Service) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if messageID == "" {
		return invalid("messageId required")
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if channelID != "" && msg.ChannelID != channelID {
		return fmt.Errorf("message %s in channel %s: %w", messageID, channelID, store.ErrNotFound)
	}

	unlock := s.locks.Lock(msg.ChannelID)
	defer unlock()

	if err := s.store.DeleteMessage(context.WithoutCancel(ctx), messageID); err != nil {
		return err
	}
	n := s.rooms.Broadcast(msg.ChannelID, realtime.EventMessageDeleted,
		realtime.DeletedPayload{MessageID: messageID, RoomID: msg.ChannelID})

	s.logger.Info("deleted message", "message_id", messageID, "channel_id", msg.ChannelID, "broadcast", n)
	return nil
}

// ClearChannel removes every message in a channel and tells its room.
func (s *Service) ClearChannel(ctx context.Context, channelID string) (int64, error) {
	if channelID == "" {
		return 0, invalid("channelId required")
	}
	if _, err := s.store.GetChannel(ctx, channelID); err != nil {
		return 0, err
	}

	unlock := s.locks.Lock(channelID)
	defer unlock()

	removed, err := s.store.ClearChannelMessages(context.WithoutCancel(ctx), channelID)
	if err != nil {
		return 0, err
	}
	s.rooms.Broadcast(channelID, realtime.EventChannelCleared,
		realtime.ClearedPayload{RoomID: channelID, Removed: removed})

	s.logger.Info("cleared channel", "channel_id", channelID, "removed", removed)
	return removed, nil
}

// AddAgentToServer associates an agent with a server and tells agent hosts.
func (s *Service) AddAgentToServer(ctx context.Context, serverID, agentID string) error {
	if serverID == "" || agentID == "" {
		return invalid("serverId and agentId required")
	}
	if err := s.store.AddAgentToServer(ctx, serverID, agentID); err != nil {
		return err
	}
	s.publisher.PublishServerAgentUpdate(bus.ServerAgentUpdate{
		Type: bus.UpdateAdded, ServerID: serverID, AgentID: agentID,
	})
	s.logger.Info("agent added to server", "server_id", serverID, "agent_id", agentID)
	return nil
}

// RemoveAgentFromServer drops the association and tells agent hosts.
func (s *Service) RemoveAgentFromServer(ctx context.Context, serverID, agentID string) error {
	if serverID == "" || agentID == "" {
		return invalid("serverId and agentId required")
	}
	if err := s.store.RemoveAgentFromServer(ctx, serverID, agentID); err != nil {
		return err
	}
	s.publisher.PublishServerAgentUpdate(bus.ServerAgentUpdate{
		Type: bus.UpdateRemoved, ServerID: serverID, AgentID: agentID,
	})
	s.logger.Info("agent removed from server", "server_id", serverID, "agent_id", agentID)
	return nil
}

// existingChannel loads a channel that must already exist on serverID.
func (s *Service) existingChannel(ctx context.Context, channelID, serverID string) (*store.MessageChannel, error) {
	channel, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("channel %s: %w", channelID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("looking up channel: %w", err)
	}
	if channel.MessageServerID != serverID {
		return nil, invalid("channel %s does not belong to server %s", channelID, serverID)
	}
	return channel, nil
}

// recall finds an already-ingested external message, cache first.
func (s *Service) recall(ctx context.Context, sourceType, sourceID string) *store.RootMessage {
	key := dedupe.SourceKey(sourceType, sourceID)
	if id, ok := s.seen.Lookup(key); ok {
		msg, err := s.store.GetMessage(ctx, id)
		if err == nil {
			return msg
		}
		// Deleted since; fall through to the durable index
		s.seen.Forget(key)
	}

	msg, err := s.store.FindMessageBySource(ctx, sourceType, sourceID)
	if err != nil {
		return nil
	}
	s.seen.Remember(key, msg.ID)
	return msg
}

// persist writes the message and fans it out while holding the channel lock,
// so emission order matches commit order. Once the write commits, fan-out
// problems are logged and the call still succeeds.
func (s *Service) persist(ctx context.Context, channel *store.MessageChannel, req MessageRequest, f fanout) (*Result, error) {
	// Ingestion is not cancellable once started
	ctx = context.WithoutCancel(ctx)

	msg := &store.RootMessage{
		ID:                     req.MessageID,
		ChannelID:              channel.ID,
		AuthorID:               req.AuthorID,
		Content:                req.Content,
		RawMessage:             req.RawMessage,
		InReplyToRootMessageID: req.InReplyTo,
		SourceType:             req.SourceType,
		SourceID:               req.SourceID,
		Metadata:               req.Metadata,
	}
	if msg.InReplyToRootMessageID == "" {
		msg.InReplyToRootMessageID = s.rawReplyTarget(ctx, channel.ID, req.RawMessage)
	}

	unlock := s.locks.Lock(channel.ID)
	defer unlock()

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			if prior := s.priorAttempt(ctx, channel.ID, req); prior != nil {
				return &Result{Message: prior, Channel: channel, Duplicate: true}, nil
			}
			return nil, invalid("message %s already exists", req.MessageID)
		}
		return nil, fmt.Errorf("persisting message: %w", err)
	}

	if msg.SourceID != "" {
		s.seen.Remember(dedupe.SourceKey(msg.SourceType, msg.SourceID), msg.ID)
	}

	result := &Result{Message: msg, Channel: channel}
	if f.publish {
		result.Published = s.publisher.PublishNewMessage(bus.FromRootMessage(msg, channel))
	}
	result.Broadcast = s.rooms.Broadcast(channel.ID, realtime.EventMessageBroadcast,
		realtime.MessagePayloadFrom(msg, channel.MessageServerID))

	s.logger.Debug("ingested message",
		"message_id", msg.ID,
		"channel_id", channel.ID,
		"author_id", msg.AuthorID,
		"source_type", msg.SourceType,
		"published", result.Published,
		"broadcast", result.Broadcast,
	)
	return result, nil
}

// checkMessage rejects a message the store would refuse in channelID, so a
// bad post leaves no provisioned channel behind. A stored message with the
// same caller-chosen id in that channel is returned as a retry.
func (s *Service) checkMessage(ctx context.Context, channelID string, req MessageRequest) (*store.RootMessage, error) {
	if req.InReplyTo != "" {
		target, err := s.store.GetMessage(ctx, req.InReplyTo)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("looking up reply target: %w", err)
		}
		if err != nil || target.ChannelID != channelID {
			return nil, invalid("reply target %s is not a message in channel %s", req.InReplyTo, channelID)
		}
	}

	if req.MessageID == "" {
		return nil, nil
	}
	prior, err := s.store.GetMessage(ctx, req.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up message id: %w", err)
	}
	if prior.ChannelID != channelID {
		return nil, invalid("message %s already exists", req.MessageID)
	}
	return prior, nil
}

// rawReplyTarget reads a reply marker from the raw payload. Markers that do
// not name a stored message in the same channel are ignored.
func (s *Service) rawReplyTarget(ctx context.Context, channelID string, raw store.Document) string {
	id := raw.ReplyTo()
	if id == "" {
		return ""
	}
	target, err := s.store.GetMessage(ctx, id)
	if err != nil || target.ChannelID != channelID {
		return ""
	}
	return id
}

// priorAttempt returns the stored message a retried request collided with.
func (s *Service) priorAttempt(ctx context.Context, channelID string, req MessageRequest) *store.RootMessage {
	var prior *store.RootMessage
	var err error
	switch {
	case req.SourceID != "":
		prior, err = s.store.FindMessageBySource(ctx, req.SourceType, req.SourceID)
	case req.MessageID != "":
		prior, err = s.store.GetMessage(ctx, req.MessageID)
	default:
		return nil
	}
	if err != nil || prior.ChannelID != channelID {
		return nil
	}
	return prior
}
