// ABOUTME: HTTP API handlers for servers, channels, messages, ingestion and mirrored rooms
// ABOUTME: Maps JSON requests onto the store, ingestion and mirror services with uniform error replies

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-hub/internal/agent"
	"github.com/2389/coven-hub/internal/ingest"
	"github.com/2389/coven-hub/internal/mirror"
	"github.com/2389/coven-hub/internal/store"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// ServerResponse is the JSON form of a message server.
type ServerResponse struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	SourceType string         `json:"sourceType"`
	SourceID   string         `json:"sourceId,omitempty"`
	Metadata   store.Document `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// ChannelResponse is the JSON form of a channel.
type ChannelResponse struct {
	ID         string            `json:"id"`
	ServerID   string            `json:"serverId"`
	Name       string            `json:"name"`
	Type       store.ChannelType `json:"type"`
	SourceType string            `json:"sourceType"`
	SourceID   string            `json:"sourceId,omitempty"`
	Topic      string            `json:"topic,omitempty"`
	Metadata   store.Document    `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// MessageResponse is the JSON form of a root message.
type MessageResponse struct {
	ID                     string         `json:"id"`
	ChannelID              string         `json:"channelId"`
	AuthorID               string         `json:"authorId"`
	Content                string         `json:"content"`
	InReplyToRootMessageID string         `json:"inReplyToRootMessageId,omitempty"`
	SourceType             string         `json:"sourceType"`
	SourceID               string         `json:"sourceId,omitempty"`
	RawMessage             store.Document `json:"rawMessage,omitempty"`
	Metadata               store.Document `json:"metadata,omitempty"`
	CreatedAt              time.Time      `json:"createdAt"`
	UpdatedAt              time.Time      `json:"updatedAt"`
}

// IngestResponse is returned by every message ingestion route.
type IngestResponse struct {
	Message        MessageResponse  `json:"message"`
	Channel        *ChannelResponse `json:"channel,omitempty"`
	ChannelCreated bool             `json:"channelCreated,omitempty"`
	Duplicate      bool             `json:"duplicate,omitempty"`
}

// MessageHistoryResponse is the JSON response for GET /api/channels/{channelId}/messages.
// NextBeforeID is the exact cursor for the following (older) page; NextBefore
// is the last row's timestamp and can skip rows sharing it. Both are empty
// when the history is exhausted.
type MessageHistoryResponse struct {
	ChannelID    string            `json:"channelId"`
	Messages     []MessageResponse `json:"messages"`
	NextBefore   string            `json:"nextBefore,omitempty"`
	NextBeforeID string            `json:"nextBeforeId,omitempty"`
}

// CreateServerRequest is the JSON body for POST /api/servers.
type CreateServerRequest struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name"`
	SourceType string         `json:"sourceType,omitempty"`
	SourceID   string         `json:"sourceId,omitempty"`
	Metadata   store.Document `json:"metadata,omitempty"`
}

// CreateChannelRequest is the JSON body for POST /api/channels.
type CreateChannelRequest struct {
	ID             string         `json:"id,omitempty"`
	ServerID       string         `json:"serverId"`
	Name           string         `json:"name"`
	Type           string         `json:"type,omitempty"`
	Topic          string         `json:"topic,omitempty"`
	SourceType     string         `json:"sourceType,omitempty"`
	SourceID       string         `json:"sourceId,omitempty"`
	Metadata       store.Document `json:"metadata,omitempty"`
	ParticipantIDs []string       `json:"participantIds,omitempty"`
}

// UpdateChannelRequest is the JSON body for PATCH /api/channels/{channelId}.
type UpdateChannelRequest struct {
	Name     *string        `json:"name,omitempty"`
	Topic    *string        `json:"topic,omitempty"`
	Metadata store.Document `json:"metadata,omitempty"`
}

// ParticipantsRequest is the JSON body for channel participant changes.
type ParticipantsRequest struct {
	UserIDs []string `json:"userIds"`
}

// DMChannelRequest is the JSON body for POST /api/dm-channels.
type DMChannelRequest struct {
	ServerID string `json:"serverId"`
	UserA    string `json:"userA"`
	UserB    string `json:"userB"`
}

// AgentServerRequest is the JSON body for POST /api/servers/{serverId}/agents.
type AgentServerRequest struct {
	AgentID string `json:"agentId"`
}

// MessageRequest is the JSON body shared by the ingestion routes.
type MessageRequest struct {
	ChannelID              string         `json:"channelId"`
	ServerID               string         `json:"serverId"`
	AuthorID               string         `json:"authorId"`
	Content                string         `json:"content"`
	MessageID              string         `json:"messageId,omitempty"`
	InReplyToRootMessageID string         `json:"inReplyToRootMessageId,omitempty"`
	RawMessage             store.Document `json:"rawMessage,omitempty"`
	Metadata               store.Document `json:"metadata,omitempty"`
	SourceType             string         `json:"sourceType,omitempty"`
	SourceID               string         `json:"sourceId,omitempty"`

	// Only read by GUI posts, when the channel has to be created.
	ChannelName  string `json:"channelName,omitempty"`
	ChannelType  string `json:"channelType,omitempty"`
	TargetUserID string `json:"targetUserId,omitempty"`
}

// CreateRoomRequest is the JSON body for POST /api/rooms.
type CreateRoomRequest struct {
	Name         string `json:"name"`
	Type         string `json:"type,omitempty"`
	OwnerAgentID string `json:"ownerAgentId,omitempty"`
}

// MirrorResponse describes one agent's mirror of a conceptual room.
type MirrorResponse struct {
	RoomID      string `json:"roomId"`
	AgentID     string `json:"agentId"`
	AgentRoomID string `json:"agentRoomId"`
}

// RoomParticipantRequest is the JSON body for POST /api/rooms/{roomId}/participants.
type RoomParticipantRequest struct {
	ParticipantID string `json:"participantId"`
}

// PropagationResponse reports which mirrors took a participant change.
type PropagationResponse struct {
	Applied []string          `json:"applied"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// registerAPIRoutes registers the REST API on mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/servers", g.handleListServers)
	mux.HandleFunc("POST /api/servers", g.handleCreateServer)
	mux.HandleFunc("GET /api/servers/{serverId}", g.handleGetServer)
	mux.HandleFunc("GET /api/servers/{serverId}/channels", g.handleListChannels)
	mux.HandleFunc("GET /api/servers/{serverId}/agents", g.handleListServerAgents)
	mux.HandleFunc("POST /api/servers/{serverId}/agents", g.handleAddServerAgent)
	mux.HandleFunc("DELETE /api/servers/{serverId}/agents/{agentId}", g.handleRemoveServerAgent)

	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("GET /api/agents/{agentId}/servers", g.handleListAgentServers)

	mux.HandleFunc("POST /api/channels", g.handleCreateChannel)
	mux.HandleFunc("GET /api/channels/{channelId}", g.handleGetChannel)
	mux.HandleFunc("PATCH /api/channels/{channelId}", g.handleUpdateChannel)
	mux.HandleFunc("DELETE /api/channels/{channelId}", g.handleDeleteChannel)
	mux.HandleFunc("GET /api/channels/{channelId}/participants", g.handleGetParticipants)
	mux.HandleFunc("POST /api/channels/{channelId}/participants", g.handleAddParticipants)
	mux.HandleFunc("DELETE /api/channels/{channelId}/participants", g.handleRemoveParticipants)
	mux.HandleFunc("GET /api/channels/{channelId}/messages", g.handleMessageHistory)
	mux.HandleFunc("POST /api/channels/{channelId}/messages", g.handlePostMessage)
	mux.HandleFunc("DELETE /api/channels/{channelId}/messages", g.handleClearChannel)
	mux.HandleFunc("DELETE /api/channels/{channelId}/messages/{messageId}", g.handleDeleteMessage)

	mux.HandleFunc("POST /api/dm-channels", g.handleDMChannel)
	mux.HandleFunc("POST /api/messages/submit", g.handleSubmitMessage)
	mux.HandleFunc("POST /api/messages/ingest-external", g.handleIngestExternal)

	mux.HandleFunc("POST /api/rooms", g.handleCreateRoom)
	mux.HandleFunc("GET /api/rooms/{roomId}/mirrors", g.handleListMirrors)
	mux.HandleFunc("POST /api/rooms/{roomId}/mirrors", g.handleCreateMirror)
	mux.HandleFunc("POST /api/rooms/{roomId}/mirrors/{agentId}/repair", g.handleRepairMirror)
	mux.HandleFunc("POST /api/rooms/{roomId}/participants", g.handleAddRoomParticipant)
	mux.HandleFunc("DELETE /api/rooms/{roomId}/participants/{participantId}", g.handleRemoveRoomParticipant)
}

// handleListServers handles GET /api/servers.
func (g *Gateway) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := g.store.ListServers(r.Context())
	if err != nil {
		g.sendError(w, err)
		return
	}

	response := make([]ServerResponse, 0, len(servers))
	for _, s := range servers {
		response = append(response, toServerResponse(s))
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleCreateServer handles POST /api/servers.
func (g *Gateway) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req CreateServerRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	server := &store.MessageServer{
		ID:         req.ID,
		Name:       req.Name,
		SourceType: req.SourceType,
		SourceID:   req.SourceID,
		Metadata:   req.Metadata,
	}
	if err := g.store.CreateServer(r.Context(), server); err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, toServerResponse(server))
}

// handleGetServer handles GET /api/servers/{serverId}.
func (g *Gateway) handleGetServer(w http.ResponseWriter, r *http.Request) {
	server, err := g.store.GetServer(r.Context(), r.PathValue("serverId"))
	if err != nil {
		g.sendError(w, fmt.Errorf("server: %w", err))
		return
	}
	g.sendJSON(w, http.StatusOK, toServerResponse(server))
}

// handleListChannels handles GET /api/servers/{serverId}/channels.
func (g *Gateway) handleListChannels(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("serverId")
	if _, err := g.store.GetServer(r.Context(), serverID); err != nil {
		g.sendError(w, fmt.Errorf("server: %w", err))
		return
	}

	channels, err := g.store.ListChannelsForServer(r.Context(), serverID)
	if err != nil {
		g.sendError(w, err)
		return
	}

	response := make([]ChannelResponse, 0, len(channels))
	for _, c := range channels {
		response = append(response, toChannelResponse(c))
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleListServerAgents handles GET /api/servers/{serverId}/agents.
func (g *Gateway) handleListServerAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.store.ListAgentsForServer(r.Context(), r.PathValue("serverId"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string][]string{"agentIds": nonNil(agents)})
}

// handleAddServerAgent handles POST /api/servers/{serverId}/agents.
func (g *Gateway) handleAddServerAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentServerRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	serverID := r.PathValue("serverId")
	if _, err := g.store.GetServer(r.Context(), serverID); err != nil {
		g.sendError(w, fmt.Errorf("server: %w", err))
		return
	}
	if err := g.ingest.AddAgentToServer(r.Context(), serverID, req.AgentID); err != nil {
		g.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRemoveServerAgent handles DELETE /api/servers/{serverId}/agents/{agentId}.
func (g *Gateway) handleRemoveServerAgent(w http.ResponseWriter, r *http.Request) {
	if err := g.ingest.RemoveAgentFromServer(r.Context(), r.PathValue("serverId"), r.PathValue("agentId")); err != nil {
		g.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListAgents handles GET /api/agents. It lists runtimes registered in this process.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, map[string][]string{"agentIds": nonNil(g.registry.List())})
}

// handleListAgentServers handles GET /api/agents/{agentId}/servers.
func (g *Gateway) handleListAgentServers(w http.ResponseWriter, r *http.Request) {
	servers, err := g.store.ListServersForAgent(r.Context(), r.PathValue("agentId"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string][]string{"serverIds": nonNil(servers)})
}

// handleCreateChannel handles POST /api/channels.
func (g *Gateway) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.ServerID == "" || req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "serverId and name are required")
		return
	}

	channelType := store.ChannelTypeGroup
	if req.Type != "" {
		parsed, ok := store.ParseChannelType(req.Type)
		if !ok {
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown channel type %q", req.Type))
			return
		}
		channelType = parsed
	}
	if channelType == store.ChannelTypeDM {
		g.sendJSONError(w, http.StatusBadRequest, "direct channels are created with POST /api/dm-channels")
		return
	}

	if _, err := g.store.GetServer(r.Context(), req.ServerID); err != nil {
		g.sendError(w, fmt.Errorf("server: %w", err))
		return
	}

	channel := &store.MessageChannel{
		ID:              req.ID,
		MessageServerID: req.ServerID,
		Name:            req.Name,
		Type:            channelType,
		SourceType:      req.SourceType,
		SourceID:        req.SourceID,
		Topic:           req.Topic,
		Metadata:        req.Metadata,
	}
	if err := g.store.CreateChannel(r.Context(), channel, req.ParticipantIDs); err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, toChannelResponse(channel))
}

// handleGetChannel handles GET /api/channels/{channelId}.
func (g *Gateway) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	channel, err := g.store.GetChannel(r.Context(), r.PathValue("channelId"))
	if err != nil {
		g.sendError(w, fmt.Errorf("channel: %w", err))
		return
	}
	g.sendJSON(w, http.StatusOK, toChannelResponse(channel))
}

// handleUpdateChannel handles PATCH /api/channels/{channelId}.
func (g *Gateway) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	var req UpdateChannelRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	channel, err := g.store.UpdateChannel(r.Context(), r.PathValue("channelId"), store.ChannelUpdate{
		Name:     req.Name,
		Topic:    req.Topic,
		Metadata: req.Metadata,
	})
	if err != nil {
		g.sendError(w, fmt.Errorf("channel: %w", err))
		return
	}
	g.sendJSON(w, http.StatusOK, toChannelResponse(channel))
}

// handleDeleteChannel handles DELETE /api/channels/{channelId}.
func (g *Gateway) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := g.store.DeleteChannel(r.Context(), r.PathValue("channelId")); err != nil {
		g.sendError(w, fmt.Errorf("channel: %w", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetParticipants handles GET /api/channels/{channelId}/participants.
func (g *Gateway) handleGetParticipants(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelId")
	if _, err := g.store.GetChannel(r.Context(), channelID); err != nil {
		g.sendError(w, fmt.Errorf("channel: %w", err))
		return
	}

	participants, err := g.store.GetParticipants(r.Context(), channelID)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, ParticipantsRequest{UserIDs: nonNil(participants)})
}

// handleAddParticipants handles POST /api/channels/{channelId}/participants.
func (g *Gateway) handleAddParticipants(w http.ResponseWriter, r *http.Request) {
	var req ParticipantsRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if len(req.UserIDs) == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "userIds is required")
		return
	}
	if err := g.store.AddParticipants(r.Context(), r.PathValue("channelId"), req.UserIDs); err != nil {
		g.sendError(w, fmt.Errorf("channel: %w", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRemoveParticipants handles DELETE /api/channels/{channelId}/participants.
func (g *Gateway) handleRemoveParticipants(w http.ResponseWriter, r *http.Request) {
	var req ParticipantsRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if len(req.UserIDs) == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "userIds is required")
		return
	}
	if err := g.store.RemoveParticipants(r.Context(), r.PathValue("channelId"), req.UserIDs); err != nil {
		g.sendError(w, fmt.Errorf("channel: %w", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMessageHistory handles GET /api/channels/{channelId}/messages.
// Supports ?limit=N with ?beforeId=<message id> or ?before=<RFC3339 timestamp>
// for backward paging; beforeId wins when both are set.
func (g *Gateway) handleMessageHistory(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelId")

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var before time.Time
	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		t, err := time.Parse(time.RFC3339Nano, beforeStr)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "before must be an RFC3339 timestamp")
			return
		}
		before = t
	}

	if _, err := g.store.GetChannel(r.Context(), channelID); err != nil {
		g.sendError(w, fmt.Errorf("channel: %w", err))
		return
	}

	var messages []*store.RootMessage
	var err error
	if beforeID := r.URL.Query().Get("beforeId"); beforeID != "" {
		messages, err = g.store.GetMessagesBefore(r.Context(), channelID, limit, beforeID)
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusBadRequest, "beforeId must name a message in this channel")
			return
		}
	} else {
		messages, err = g.store.GetMessagesForChannel(r.Context(), channelID, limit, before)
	}
	if err != nil {
		g.sendError(w, err)
		return
	}

	response := MessageHistoryResponse{
		ChannelID: channelID,
		Messages:  make([]MessageResponse, 0, len(messages)),
	}
	for _, m := range messages {
		response.Messages = append(response.Messages, toMessageResponse(m))
	}
	if limit > 0 && len(messages) == limit {
		last := messages[len(messages)-1]
		response.NextBefore = last.CreatedAt.UTC().Format(time.RFC3339Nano)
		response.NextBeforeID = last.ID
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handlePostMessage handles POST /api/channels/{channelId}/messages, the GUI
// post path. The channel is created when it does not exist yet.
func (g *Gateway) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	req.ChannelID = r.PathValue("channelId")

	result, err := g.ingest.PostGUI(r.Context(), ingest.PostRequest{
		MessageRequest: req.toIngest(),
		ChannelName:    req.ChannelName,
		ChannelType:    req.ChannelType,
		TargetUserID:   req.TargetUserID,
	})
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendIngestResult(w, result)
}

// handleClearChannel handles DELETE /api/channels/{channelId}/messages.
func (g *Gateway) handleClearChannel(w http.ResponseWriter, r *http.Request) {
	removed, err := g.ingest.ClearChannel(r.Context(), r.PathValue("channelId"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// handleDeleteMessage handles DELETE /api/channels/{channelId}/messages/{messageId}.
func (g *Gateway) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := g.ingest.DeleteMessage(r.Context(), r.PathValue("channelId"), r.PathValue("messageId")); err != nil {
		g.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDMChannel handles POST /api/dm-channels, returning the single direct
// channel for a user pair and creating it on first use.
func (g *Gateway) handleDMChannel(w http.ResponseWriter, r *http.Request) {
	var req DMChannelRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.ServerID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "serverId is required")
		return
	}
	if _, err := g.store.GetServer(r.Context(), req.ServerID); err != nil {
		g.sendError(w, fmt.Errorf("server: %w", err))
		return
	}

	channel, err := g.store.FindOrCreateDMChannel(r.Context(), req.UserA, req.UserB, req.ServerID)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toChannelResponse(channel))
}

// handleSubmitMessage handles POST /api/messages/submit, the agent-submit path.
func (g *Gateway) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	result, err := g.ingest.Submit(r.Context(), req.toIngest())
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendIngestResult(w, result)
}

// handleIngestExternal handles POST /api/messages/ingest-external for platform adapters.
func (g *Gateway) handleIngestExternal(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	result, err := g.ingest.IngestExternal(r.Context(), req.toIngest())
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendIngestResult(w, result)
}

// handleCreateRoom handles POST /api/rooms.
func (g *Gateway) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	roomType := store.ChannelTypeGroup
	if req.Type != "" {
		parsed, ok := store.ParseChannelType(req.Type)
		if !ok {
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown room type %q", req.Type))
			return
		}
		roomType = parsed
	}

	id, err := g.mirror.CreateConceptualRoom(r.Context(), req.Name, roomType, req.OwnerAgentID)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleListMirrors handles GET /api/rooms/{roomId}/mirrors.
func (g *Gateway) handleListMirrors(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	mirrors, err := g.mirror.GetMirroredRooms(r.Context(), roomID)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"roomId": roomID, "mirrors": mirrors})
}

// handleCreateMirror handles POST /api/rooms/{roomId}/mirrors.
func (g *Gateway) handleCreateMirror(w http.ResponseWriter, r *http.Request) {
	var req AgentServerRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	roomID := r.PathValue("roomId")
	agentRoomID, err := g.mirror.CreateMirroredRoom(r.Context(), roomID, req.AgentID)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, MirrorResponse{RoomID: roomID, AgentID: req.AgentID, AgentRoomID: agentRoomID})
}

// handleRepairMirror handles POST /api/rooms/{roomId}/mirrors/{agentId}/repair.
func (g *Gateway) handleRepairMirror(w http.ResponseWriter, r *http.Request) {
	roomID, agentID := r.PathValue("roomId"), r.PathValue("agentId")
	agentRoomID, err := g.mirror.RepairMirror(r.Context(), roomID, agentID)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, MirrorResponse{RoomID: roomID, AgentID: agentID, AgentRoomID: agentRoomID})
}

// handleAddRoomParticipant handles POST /api/rooms/{roomId}/participants.
func (g *Gateway) handleAddRoomParticipant(w http.ResponseWriter, r *http.Request) {
	var req RoomParticipantRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.ParticipantID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "participantId is required")
		return
	}

	result, err := g.mirror.AddParticipantToMirroredRooms(r.Context(), r.PathValue("roomId"), req.ParticipantID)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toPropagationResponse(result))
}

// handleRemoveRoomParticipant handles DELETE /api/rooms/{roomId}/participants/{participantId}.
func (g *Gateway) handleRemoveRoomParticipant(w http.ResponseWriter, r *http.Request) {
	result, err := g.mirror.RemoveParticipantFromMirroredRooms(r.Context(), r.PathValue("roomId"), r.PathValue("participantId"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toPropagationResponse(result))
}

// toIngest converts the wire request into the ingestion service's form.
func (m MessageRequest) toIngest() ingest.MessageRequest {
	return ingest.MessageRequest{
		ChannelID:  m.ChannelID,
		ServerID:   m.ServerID,
		AuthorID:   m.AuthorID,
		Content:    m.Content,
		MessageID:  m.MessageID,
		InReplyTo:  m.InReplyToRootMessageID,
		RawMessage: m.RawMessage,
		Metadata:   m.Metadata,
		SourceType: m.SourceType,
		SourceID:   m.SourceID,
	}
}

// sendIngestResult writes 201 for a new message and 200 for a recognised repeat.
func (g *Gateway) sendIngestResult(w http.ResponseWriter, result *ingest.Result) {
	response := IngestResponse{
		Message:        toMessageResponse(result.Message),
		ChannelCreated: result.ChannelCreated,
		Duplicate:      result.Duplicate,
	}
	if result.Channel != nil {
		ch := toChannelResponse(result.Channel)
		response.Channel = &ch
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	g.sendJSON(w, status, response)
}

// decodeBody decodes a JSON request body into v, replying 400 on failure.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// sendError maps a service error onto an HTTP status and JSON error body.
// Unexpected errors are logged and reported generically.
func (g *Gateway) sendError(w http.ResponseWriter, err error) {
	switch {
	case ingest.IsValidation(err):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, mirror.ErrRoomNotFound),
		errors.Is(err, agent.ErrAgentNotFound):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAlreadyExists):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSON writes v as a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func toServerResponse(s *store.MessageServer) ServerResponse {
	return ServerResponse{
		ID:         s.ID,
		Name:       s.Name,
		SourceType: s.SourceType,
		SourceID:   s.SourceID,
		Metadata:   s.Metadata,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

func toChannelResponse(c *store.MessageChannel) ChannelResponse {
	return ChannelResponse{
		ID:         c.ID,
		ServerID:   c.MessageServerID,
		Name:       c.Name,
		Type:       c.Type,
		SourceType: c.SourceType,
		SourceID:   c.SourceID,
		Topic:      c.Topic,
		Metadata:   c.Metadata,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func toMessageResponse(m *store.RootMessage) MessageResponse {
	return MessageResponse{
		ID:                     m.ID,
		ChannelID:              m.ChannelID,
		AuthorID:               m.AuthorID,
		Content:                m.Content,
		InReplyToRootMessageID: m.InReplyToRootMessageID,
		SourceType:             m.SourceType,
		SourceID:               m.SourceID,
		RawMessage:             m.RawMessage,
		Metadata:               m.Metadata,
		CreatedAt:              m.CreatedAt,
		UpdatedAt:              m.UpdatedAt,
	}
}

func toPropagationResponse(p *mirror.Propagation) PropagationResponse {
	resp := PropagationResponse{Applied: nonNil(p.Applied)}
	if len(p.Failed) > 0 {
		resp.Failed = make(map[string]string, len(p.Failed))
		for agentID, err := range p.Failed {
			resp.Failed[agentID] = err.Error()
		}
	}
	return resp
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
