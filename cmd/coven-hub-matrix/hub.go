// ABOUTME: coven-hub API client for the Matrix bridge
// ABOUTME: Provisions one channel per Matrix room, ingests events and follows the hub's WebSocket

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SourceTypeMatrix tags channels and messages that came from Matrix.
const SourceTypeMatrix = "matrix"

// matrixRoomNamespace scopes the name-based UUIDs derived from room ids.
var matrixRoomNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://matrix.org/coven-hub/room"))

// ChannelIDForRoom maps a Matrix room id to its hub channel id. The mapping
// is stable so a restarted bridge finds the channels it created before.
func ChannelIDForRoom(roomID string) string {
	return uuid.NewSHA1(matrixRoomNamespace, []byte(roomID)).String()
}

// createChannelRequest is the body for POST /api/channels.
type createChannelRequest struct {
	ID         string `json:"id"`
	ServerID   string `json:"serverId"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	SourceType string `json:"sourceType"`
	SourceID   string `json:"sourceId"`
}

// IngestRequest is the body for POST /api/messages/ingest-external.
type IngestRequest struct {
	ChannelID  string          `json:"channelId"`
	ServerID   string          `json:"serverId"`
	AuthorID   string          `json:"authorId"`
	Content    string          `json:"content"`
	SourceType string          `json:"sourceType"`
	SourceID   string          `json:"sourceId"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// ingestResponse is the subset of the ingest response the bridge reads.
type ingestResponse struct {
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
	Duplicate bool `json:"duplicate"`
}

// HubMessage is a broadcast message received over the WebSocket.
type HubMessage struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
	RoomID     string `json:"roomId"`
	ChannelID  string `json:"channelId"`
	Source     string `json:"source"`
}

type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HubClient talks to the coven-hub HTTP API.
type HubClient struct {
	baseURL  string
	serverID string
	client   *http.Client
	logger   *slog.Logger

	// channels already known to exist, keyed by channel id
	ensured sync.Map
}

// NewHubClient creates a client for the hub at baseURL posting into serverID.
func NewHubClient(baseURL, serverID string, logger *slog.Logger) *HubClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HubClient{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		serverID: serverID,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger.With("component", "hub_client"),
	}
}

// EnsureChannel makes sure the channel for a Matrix room exists and returns its id.
func (h *HubClient) EnsureChannel(ctx context.Context, roomID, roomName string) (string, error) {
	channelID := ChannelIDForRoom(roomID)
	if _, ok := h.ensured.Load(channelID); ok {
		return channelID, nil
	}

	if roomName == "" {
		roomName = roomID
	}
	req := createChannelRequest{
		ID:         channelID,
		ServerID:   h.serverID,
		Name:       roomName,
		Type:       "GROUP",
		SourceType: SourceTypeMatrix,
		SourceID:   roomID,
	}

	status, body, err := h.post(ctx, "/api/channels", req)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusCreated:
		h.logger.Info("created hub channel", "room", roomID, "channel_id", channelID)
	case http.StatusConflict:
		// created on an earlier run
	default:
		return "", responseError("creating channel", status, body)
	}

	h.ensured.Store(channelID, roomID)
	return channelID, nil
}

// Ingest posts a Matrix event to the hub. The returned flag reports whether
// the hub had already stored this event.
func (h *HubClient) Ingest(ctx context.Context, req IngestRequest) (string, bool, error) {
	if req.ServerID == "" {
		req.ServerID = h.serverID
	}
	if req.SourceType == "" {
		req.SourceType = SourceTypeMatrix
	}

	status, body, err := h.post(ctx, "/api/messages/ingest-external", req)
	if err != nil {
		return "", false, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", false, responseError("ingesting message", status, body)
	}

	var resp ingestResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", false, fmt.Errorf("decoding ingest response: %w", err)
	}
	return resp.Message.ID, resp.Duplicate, nil
}

// RoomFor returns the Matrix room behind an ensured channel.
func (h *HubClient) RoomFor(channelID string) (string, bool) {
	v, ok := h.ensured.Load(channelID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Channels returns the ids of every ensured channel.
func (h *HubClient) Channels() []string {
	var ids []string
	h.ensured.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

func (h *HubClient) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func responseError(action string, status int, body []byte) error {
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("%s: hub error (%d): %s", action, status, errResp.Error)
	}
	return fmt.Errorf("%s: hub returned status %d: %s", action, status, strings.TrimSpace(string(body)))
}

// websocketURL converts the hub base URL into its /ws endpoint.
func (h *HubClient) websocketURL() (string, error) {
	u, err := url.Parse(h.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing hub url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Follow connects to the hub WebSocket, joins every ensured channel and calls
// onMessage for each broadcast until ctx is cancelled or the connection drops.
// Channel ids sent on joins are joined as they arrive.
func (h *HubClient) Follow(ctx context.Context, joins <-chan string, onMessage func(HubMessage)) error {
	wsURL, err := h.websocketURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing hub websocket: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	join := func(channelID string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(map[string]any{
			"type":    "join_room",
			"payload": map[string]string{"roomId": channelID},
		})
	}

	for _, channelID := range h.Channels() {
		if err := join(channelID); err != nil {
			return fmt.Errorf("joining %s: %w", channelID, err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-ctx.Done():
				writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				writeMu.Unlock()
				conn.Close()
				return
			case <-done:
				return
			case channelID := <-joins:
				if err := join(channelID); err != nil {
					h.logger.Warn("failed to join hub room", "channel_id", channelID, "error", err)
				}
			}
		}
	}()

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading hub websocket: %w", err)
		}

		switch frame.Type {
		case "message_broadcast":
			var msg HubMessage
			if err := json.Unmarshal(frame.Payload, &msg); err != nil {
				h.logger.Debug("undecodable broadcast", "error", err)
				continue
			}
			onMessage(msg)
		case "error":
			var e errorResponse
			_ = json.Unmarshal(frame.Payload, &e)
			h.logger.Warn("hub websocket error", "error", e.Error)
		}
	}
}
