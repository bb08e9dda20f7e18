// ABOUTME: In-process publish/subscribe bus for ingested messages and agent membership changes
// ABOUTME: Delivery is fire-and-forget; full subscriber buffers drop events instead of blocking

package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-hub/internal/store"
)

const (
	// DefaultBufferSize is the per-subscriber channel buffer.
	DefaultBufferSize = 64
)

// Event names, as seen by subscribers and in logs.
const (
	EventNewMessage        = "new_message"
	EventServerAgentUpdate = "server_agent_update"
)

// NewMessage is the denormalized form of a persisted root message.
type NewMessage struct {
	ID                     string            `json:"id"`
	ChannelID              string            `json:"channelId"`
	ServerID               string            `json:"serverId"`
	ChannelType            store.ChannelType `json:"channelType"`
	AuthorID               string            `json:"authorId"`
	AuthorDisplayName      string            `json:"authorDisplayName,omitempty"`
	Content                string            `json:"content"`
	InReplyToRootMessageID string            `json:"inReplyToRootMessageId,omitempty"`
	SourceType             string            `json:"sourceType"`
	SourceID               string            `json:"sourceId,omitempty"`
	RawMessage             store.Document    `json:"rawMessage,omitempty"`
	Metadata               store.Document    `json:"metadata,omitempty"`
	CreatedAt              time.Time         `json:"createdAt"`
	UpdatedAt              time.Time         `json:"updatedAt"`
}

// UpdateType says whether an agent joined or left a server.
type UpdateType string

// Server/agent update kinds.
const (
	UpdateAdded   UpdateType = "added"
	UpdateRemoved UpdateType = "removed"
)

// ServerAgentUpdate tells agent hosts to start or stop listening to a server.
type ServerAgentUpdate struct {
	Type     UpdateType `json:"type"`
	ServerID string     `json:"serverId"`
	AgentID  string     `json:"agentId"`
}

// Topic is a typed fan-out point. Subscribers registered at publish time get
// the event if their buffer has room; everyone else misses it.
type Topic[T any] struct {
	name   string
	mu     sync.RWMutex
	subs   map[string]chan T
	closed bool
	logger *slog.Logger
}

func newTopic[T any](name string, logger *slog.Logger) *Topic[T] {
	return &Topic[T]{
		name:   name,
		subs:   make(map[string]chan T),
		logger: logger.With("topic", name),
	}
}

// Name returns the event name carried by this topic.
func (t *Topic[T]) Name() string {
	return t.name
}

// Subscribe registers a subscriber and returns its channel and id.
// A bufferSize of 0 or less uses DefaultBufferSize. The subscription is
// removed and its channel closed when ctx is cancelled.
func (t *Topic[T]) Subscribe(ctx context.Context, bufferSize int) (<-chan T, string) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	subID := uuid.New().String()
	ch := make(chan T, bufferSize)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(ch)
		return ch, subID
	}
	t.subs[subID] = ch
	t.mu.Unlock()

	t.logger.Debug("subscriber added", "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		t.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish offers v to every current subscriber without blocking and returns
// how many accepted it. Calls made one after another are received in that order.
func (t *Topic[T]) Publish(v T) int {
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send
	t.mu.RLock()
	defer t.mu.RUnlock()

	delivered := 0
	for id, ch := range t.subs {
		select {
		case ch <- v:
			delivered++
		default:
			t.logger.Debug("dropped event for slow subscriber", "sub_id", id)
		}
	}
	return delivered
}

// Unsubscribe removes a subscription and closes its channel.
func (t *Topic[T]) Unsubscribe(subID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.subs[subID]
	if !ok {
		return
	}
	delete(t.subs, subID)
	close(ch)

	t.logger.Debug("subscriber removed", "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions.
func (t *Topic[T]) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

func (t *Topic[T]) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	t.closed = true
}

// Bus groups the hub's topics.
type Bus struct {
	NewMessage        *Topic[NewMessage]
	ServerAgentUpdate *Topic[ServerAgentUpdate]
	logger            *slog.Logger
}

// New creates a bus. Pass nil logger for default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus")
	return &Bus{
		NewMessage:        newTopic[NewMessage](EventNewMessage, logger),
		ServerAgentUpdate: newTopic[ServerAgentUpdate](EventServerAgentUpdate, logger),
		logger:            logger,
	}
}

// PublishNewMessage emits a new_message event and returns how many subscribers took it.
func (b *Bus) PublishNewMessage(m NewMessage) int {
	return b.NewMessage.Publish(m)
}

// PublishServerAgentUpdate emits a server_agent_update event.
func (b *Bus) PublishServerAgentUpdate(u ServerAgentUpdate) int {
	return b.ServerAgentUpdate.Publish(u)
}

// Close closes every subscriber channel. Publishing afterwards is a no-op.
func (b *Bus) Close() {
	b.NewMessage.close()
	b.ServerAgentUpdate.close()
	b.logger.Debug("bus closed")
}

// FromRootMessage denormalizes a stored message for publication.
func FromRootMessage(msg *store.RootMessage, channel *store.MessageChannel) NewMessage {
	out := NewMessage{
		ID:                     msg.ID,
		ChannelID:              msg.ChannelID,
		AuthorID:               msg.AuthorID,
		AuthorDisplayName:      msg.Metadata.DisplayName(),
		Content:                msg.Content,
		InReplyToRootMessageID: msg.InReplyToRootMessageID,
		SourceType:             msg.SourceType,
		SourceID:               msg.SourceID,
		RawMessage:             msg.RawMessage,
		Metadata:               msg.Metadata,
		CreatedAt:              msg.CreatedAt,
		UpdatedAt:              msg.UpdatedAt,
	}
	if channel != nil {
		out.ServerID = channel.MessageServerID
		out.ChannelType = channel.Type
	}
	return out
}
