// ABOUTME: Matrix bridge core for coven-hub
// ABOUTME: Ingests Matrix room messages into hub channels and relays hub replies back

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-hub/internal/dedupe"
)

const (
	// eventDedupeTTL covers the window in which a homeserver may redeliver an event.
	eventDedupeTTL     = 10 * time.Minute
	eventDedupeEntries = 10000

	// networkTimeout is the timeout for Matrix API calls.
	networkTimeout = 10 * time.Second

	followBackoffMin = time.Second
	followBackoffMax = 30 * time.Second
)

// Bridge connects Matrix rooms to coven-hub channels.
type Bridge struct {
	config *Config
	matrix *mautrix.Client
	hub    *HubClient
	seen   *dedupe.Cache
	logger *slog.Logger

	// joins carries newly provisioned channel ids to the WebSocket follower.
	joins chan string

	// ctx is the parent context for message processing goroutines
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates a new Matrix bridge.
func NewBridge(cfg *Config, logger *slog.Logger) (*Bridge, error) {
	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Bridge{
		config: cfg,
		matrix: client,
		hub:    NewHubClient(cfg.Hub.URL, cfg.Hub.ServerID, logger),
		seen:   dedupe.New(eventDedupeTTL, eventDedupeEntries),
		logger: logger.With("component", "matrix_bridge"),
		joins:  make(chan string, 64),
	}, nil
}

// Login authenticates against the homeserver with the configured password.
func (b *Bridge) Login(ctx context.Context) error {
	resp, err := b.matrix.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: b.config.Matrix.Username,
		},
		Password:                 b.config.Matrix.Password,
		InitialDeviceDisplayName: "coven-hub-matrix",
		StoreCredentials:         true,
	})
	if err != nil {
		return err
	}
	b.logger.Info("logged in to matrix", "user_id", resp.UserID.String(), "device_id", resp.DeviceID.String())
	return nil
}

// UserID returns the logged-in Matrix user.
func (b *Bridge) UserID() string {
	return b.matrix.UserID.String()
}

// Run starts the bridge and blocks until context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting matrix bridge",
		"homeserver", b.config.Matrix.Homeserver,
		"user_id", b.UserID(),
		"hub", b.config.Hub.URL,
		"server_id", b.config.Hub.ServerID,
	)

	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.cancel()
	defer b.seen.Close()

	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	syncer.OnSync(b.matrix.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)
	syncer.OnEventType(event.StateMember, b.handleMemberEvent)

	if b.config.Bridge.RelayReplies {
		go b.followHub(b.ctx)
	}

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.matrix.SyncWithContext(b.ctx)
	}()

	b.logger.Info("matrix bridge running")

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		b.cancel()
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMemberEvent accepts invites to allowed rooms.
func (b *Bridge) handleMemberEvent(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || content.Membership != event.MembershipInvite {
		return
	}
	if evt.GetStateKey() != b.UserID() || !isRoomAllowed(b.config.Bridge.AllowedRooms, evt.RoomID.String()) {
		return
	}

	joinCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := b.matrix.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		b.logger.Warn("failed to accept invite", "room", evt.RoomID.String(), "error", err)
		return
	}
	b.logger.Info("joined room", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
}

// handleMessageEvent processes incoming Matrix messages.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.matrix.UserID {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	roomID := evt.RoomID.String()
	if !isRoomAllowed(b.config.Bridge.AllowedRooms, roomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}

	body, ok := commandBody(b.config.Bridge.CommandPrefix, content.Body)
	if !ok {
		return
	}

	eventID := evt.ID.String()
	if b.seen.CheckAndMark(eventID) {
		b.logger.Debug("skipping redelivered event", "event_id", eventID)
		return
	}

	b.logger.Info("received message",
		"room", roomID,
		"sender", evt.Sender.String(),
		"content", truncate(body, 50),
	)

	// Sync must not block on the hub
	go b.forward(b.ctx, evt.RoomID, evt.Sender, eventID, body)
}

// forward provisions the room's channel if needed and ingests the message.
func (b *Bridge) forward(ctx context.Context, roomID id.RoomID, sender id.UserID, eventID, body string) {
	roomStr := roomID.String()
	_, known := b.hub.RoomFor(ChannelIDForRoom(roomStr))

	channelID, err := b.hub.EnsureChannel(ctx, roomStr, "")
	if err != nil {
		b.seen.Forget(eventID)
		b.logger.Error("failed to provision hub channel", "room", roomStr, "error", err)
		return
	}
	if !known {
		select {
		case b.joins <- channelID:
		default:
			// picked up by Channels() on the next reconnect
		}
	}

	metadata, err := json.Marshal(map[string]string{
		"displayName":  displayName(sender),
		"matrixRoomId": roomStr,
	})
	if err != nil {
		b.logger.Error("encoding metadata", "error", err)
		return
	}

	msgID, duplicate, err := b.hub.Ingest(ctx, IngestRequest{
		ChannelID: channelID,
		AuthorID:  sender.String(),
		Content:   body,
		SourceID:  eventID,
		Metadata:  metadata,
	})
	if err != nil {
		b.seen.Forget(eventID)
		b.logger.Error("hub ingest failed", "room", roomStr, "event_id", eventID, "error", err)
		return
	}

	b.logger.Debug("ingested message",
		"room", roomStr,
		"channel_id", channelID,
		"message_id", msgID,
		"duplicate", duplicate,
	)
}

// followHub relays hub broadcasts into Matrix, reconnecting with backoff.
func (b *Bridge) followHub(ctx context.Context) {
	backoff := followBackoffMin
	for {
		started := time.Now()
		err := b.hub.Follow(ctx, b.joins, b.relay)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > followBackoffMax {
			backoff = followBackoffMin
		}
		b.logger.Warn("hub websocket disconnected", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, followBackoffMax)
	}
}

// relay posts a hub message into the Matrix room its channel mirrors.
func (b *Bridge) relay(msg HubMessage) {
	if !shouldRelay(msg) {
		return
	}
	channelID := msg.ChannelID
	if channelID == "" {
		channelID = msg.RoomID
	}
	roomID, ok := b.hub.RoomFor(channelID)
	if !ok {
		return
	}

	b.logger.Info("relaying hub message", "room", roomID, "message_id", msg.ID, "sender", msg.SenderID)
	b.sendMessage(id.RoomID(roomID), formatRelay(msg))
}

// sendMessage sends a text message to a room.
func (b *Bridge) sendMessage(roomID id.RoomID, text string) {
	ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
	defer cancel()
	if _, err := b.matrix.SendText(ctx, roomID, text); err != nil {
		b.logger.Error("failed to send message", "room", roomID.String(), "error", err)
	}
}

// isRoomAllowed checks if the room is in the allowed list. An empty list allows all.
func isRoomAllowed(allowed []string, roomID string) bool {
	return len(allowed) == 0 || slices.Contains(allowed, roomID)
}

// commandBody strips the command prefix, reporting false when the message
// should be ignored.
func commandBody(prefix, body string) (string, bool) {
	if prefix != "" {
		if !strings.HasPrefix(body, prefix) {
			return "", false
		}
		body = strings.TrimPrefix(body, prefix)
	}
	body = strings.TrimSpace(body)
	return body, body != ""
}

// shouldRelay reports whether a hub message belongs in Matrix. Messages that
// came from Matrix are already there.
func shouldRelay(msg HubMessage) bool {
	return msg.Source != SourceTypeMatrix && strings.TrimSpace(msg.Text) != ""
}

func formatRelay(msg HubMessage) string {
	name := msg.SenderName
	if name == "" {
		name = msg.SenderID
	}
	return fmt.Sprintf("%s: %s", name, msg.Text)
}

// displayName falls back to the localpart of a Matrix user id.
func displayName(userID id.UserID) string {
	localpart, _, err := userID.Parse()
	if err != nil || localpart == "" {
		return userID.String()
	}
	return localpart
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
