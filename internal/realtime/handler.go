// ABOUTME: WebSocket endpoint that attaches live clients to the Hub
// ABOUTME: Decodes client operations and pumps queued frames out with ping/pong keepalive

package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MessageSender persists a socket-originated message and fans it out the same
// way HTTP ingestion does. Returned errors are shown to the client verbatim.
type MessageSender interface {
	SendSocketMessage(ctx context.Context, req SendMessageRequest) (messageID string, err error)
}

// Options configures the WebSocket endpoint.
type Options struct {
	AllowedOrigins  []string      // empty or ["*"] allows all
	SendBuffer      int           // queued frames per connection (default 64)
	WriteTimeout    time.Duration // per-frame write deadline (default 10s)
	PingInterval    time.Duration // keepalive ping period (default 30s)
	MaxMessageBytes int64         // read limit per client frame (default 64KB)
	SendTimeout     time.Duration // bound on one send_message ingestion (default 30s)
}

func (o *Options) applyDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
}

// Handler upgrades HTTP requests and serves one connection per request.
type Handler struct {
	hub      *Hub
	sender   MessageSender
	upgrader websocket.Upgrader
	opts     Options
	logger   *slog.Logger
}

// NewHandler creates the endpoint. Pass nil logger for default.
func NewHandler(hub *Hub, sender MessageSender, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Handler{
		hub:      hub,
		sender:   sender,
		upgrader: makeUpgrader(opts.AllowedOrigins),
		opts:     opts,
		logger:   logger.With("component", "realtime-ws"),
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP runs one connection until the client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := NewConn(uuid.New().String(), h.opts.SendBuffer)
	h.hub.Register(conn)
	h.logger.Info("client connected", "conn_id", conn.ID(), "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ws, conn)
	}()

	h.hub.Send(conn, EventConnectionEstablished, ConnectionPayload{ConnectionID: conn.ID()})

	h.readPump(r.Context(), ws, conn)

	h.hub.Disconnect(conn)
	<-writerDone
	_ = ws.Close()
	h.logger.Info("client disconnected", "conn_id", conn.ID())
}

func (h *Handler) readPump(ctx context.Context, ws *websocket.Conn, conn *Conn) {
	pongWait := h.opts.PingInterval * 2
	ws.SetReadLimit(h.opts.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("client read error", "conn_id", conn.ID(), "error", err)
			}
			return
		}
		// Any message resets the read deadline.
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		h.handleFrame(ctx, conn, data)
	}
}

func (h *Handler) writePump(ws *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("write failed", "conn_id", conn.ID(), "error", err)
				// Unblock the reader so the connection is torn down
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = ws.Close()
				return
			}
		case <-conn.Done():
			h.flush(ws, conn)
			_ = ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes frames that were queued before disconnect.
func (h *Handler) flush(ws *websocket.Conn, conn *Conn) {
	for {
		select {
		case frame := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *Handler) handleFrame(ctx context.Context, conn *Conn, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		h.sendError(conn, "invalid message format")
		return
	}

	switch in.Type {
	case OpJoinRoom:
		var req JoinRoomRequest
		if err := decodePayload(in.Payload, &req); err != nil || req.RoomID == "" {
			h.sendError(conn, "roomId is required")
			return
		}
		if err := h.hub.JoinRoom(conn, req.RoomID, req.AgentID); err != nil {
			h.sendError(conn, err.Error())
			return
		}
		h.hub.Send(conn, EventRoomJoined, RoomPayload(req))

	case OpLeaveRoom:
		var req RoomPayload
		if err := decodePayload(in.Payload, &req); err != nil || req.RoomID == "" {
			h.sendError(conn, "roomId is required")
			return
		}
		h.hub.LeaveRoom(conn, req.RoomID)
		h.hub.Send(conn, EventRoomLeft, RoomPayload{RoomID: req.RoomID})

	case OpSendMessage:
		var req SendMessageRequest
		if err := decodePayload(in.Payload, &req); err != nil {
			h.sendError(conn, "invalid send_message payload")
			return
		}
		h.handleSend(ctx, conn, req)

	default:
		h.sendError(conn, "unknown message type: "+in.Type)
	}
}

func (h *Handler) handleSend(ctx context.Context, conn *Conn, req SendMessageRequest) {
	if req.ServerID == "" {
		req.ServerID = req.WorldID
	}
	if req.RoomID == "" || req.SenderID == "" || req.Message == "" {
		h.sendError(conn, "roomId, senderId and message are required")
		return
	}

	// A client hanging up mid-send must not roll back the write
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.SendTimeout)
	defer cancel()

	id, err := h.sender.SendSocketMessage(sendCtx, req)
	if err != nil {
		h.logger.Warn("socket send failed", "conn_id", conn.ID(), "room_id", req.RoomID, "error", err)
		h.sendError(conn, err.Error())
		return
	}

	h.hub.Send(conn, EventMessageAck, AckPayload{MessageID: id, RoomID: req.RoomID, Status: "sent"})
}

func (h *Handler) sendError(conn *Conn, msg string) {
	h.hub.Send(conn, EventError, ErrorPayload{Error: msg})
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(raw, v)
}
