// ABOUTME: Tests for the bridge's hub client against a fake hub
// ABOUTME: Covers channel provisioning, ingest responses and the WebSocket follower

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHub records API calls and answers like coven-hub.
type fakeHub struct {
	mu       sync.Mutex
	channels map[string]createChannelRequest
	ingested []IngestRequest
	joined   chan string
	sockets  chan *websocket.Conn
}

func newFakeHub(t *testing.T) (*fakeHub, *httptest.Server) {
	t.Helper()
	fh := &fakeHub{
		channels: make(map[string]createChannelRequest),
		joined:   make(chan string, 16),
		sockets:  make(chan *websocket.Conn, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/channels", func(w http.ResponseWriter, r *http.Request) {
		var req createChannelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fh.mu.Lock()
		defer fh.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if _, ok := fh.channels[req.ID]; ok {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(errorResponse{Error: "already exists"})
			return
		}
		fh.channels[req.ID] = req
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": req.ID})
	})
	mux.HandleFunc("POST /api/messages/ingest-external", func(w http.ResponseWriter, r *http.Request) {
		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fh.mu.Lock()
		defer fh.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if _, ok := fh.channels[req.ChannelID]; !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(errorResponse{Error: "channel not found"})
			return
		}
		for _, prev := range fh.ingested {
			if prev.SourceID == req.SourceID {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"message":   map[string]string{"id": "m-" + prev.SourceID},
					"duplicate": true,
				})
				return
			}
		}
		fh.ingested = append(fh.ingested, req)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"id": "m-" + req.SourceID},
		})
	})

	upgrader := websocket.Upgrader{}
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fh.sockets <- conn
		for {
			var frame wsFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == "join_room" {
				var p struct {
					RoomID string `json:"roomId"`
				}
				_ = json.Unmarshal(frame.Payload, &p)
				fh.joined <- p.RoomID
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fh, srv
}

func TestChannelIDForRoom_Stable(t *testing.T) {
	a := ChannelIDForRoom("!abc:example.org")
	assert.Equal(t, a, ChannelIDForRoom("!abc:example.org"))
	assert.NotEqual(t, a, ChannelIDForRoom("!xyz:example.org"))
	assert.Len(t, a, 36)
}

func TestHubClient_EnsureChannel(t *testing.T) {
	fh, srv := newFakeHub(t)
	client := NewHubClient(srv.URL+"/", "S1", nil)
	ctx := t.Context()

	channelID, err := client.EnsureChannel(ctx, "!abc:example.org", "")
	require.NoError(t, err)
	assert.Equal(t, ChannelIDForRoom("!abc:example.org"), channelID)

	created := fh.channels[channelID]
	assert.Equal(t, "S1", created.ServerID)
	assert.Equal(t, "GROUP", created.Type)
	assert.Equal(t, SourceTypeMatrix, created.SourceType)
	assert.Equal(t, "!abc:example.org", created.SourceID)
	assert.Equal(t, "!abc:example.org", created.Name)

	room, ok := client.RoomFor(channelID)
	require.True(t, ok)
	assert.Equal(t, "!abc:example.org", room)

	// A fresh client after a restart sees the conflict and carries on.
	restarted := NewHubClient(srv.URL, "S1", nil)
	again, err := restarted.EnsureChannel(ctx, "!abc:example.org", "")
	require.NoError(t, err)
	assert.Equal(t, channelID, again)
	assert.Equal(t, []string{channelID}, restarted.Channels())
}

func TestHubClient_Ingest(t *testing.T) {
	fh, srv := newFakeHub(t)
	client := NewHubClient(srv.URL, "S1", nil)
	ctx := t.Context()

	channelID, err := client.EnsureChannel(ctx, "!abc:example.org", "Lobby")
	require.NoError(t, err)

	req := IngestRequest{
		ChannelID: channelID,
		AuthorID:  "@alice:example.org",
		Content:   "hello",
		SourceID:  "$event1",
		Metadata:  json.RawMessage(`{"displayName":"alice"}`),
	}
	msgID, dup, err := client.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "m-$event1", msgID)
	assert.False(t, dup)

	msgID, dup, err = client.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "m-$event1", msgID)
	assert.True(t, dup)

	require.Len(t, fh.ingested, 1)
	assert.Equal(t, "S1", fh.ingested[0].ServerID)
	assert.Equal(t, SourceTypeMatrix, fh.ingested[0].SourceType)
}

func TestHubClient_IngestError(t *testing.T) {
	_, srv := newFakeHub(t)
	client := NewHubClient(srv.URL, "S1", nil)

	_, _, err := client.Ingest(t.Context(), IngestRequest{
		ChannelID: "unknown",
		AuthorID:  "@alice:example.org",
		Content:   "hello",
		SourceID:  "$event1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel not found")
	assert.Contains(t, err.Error(), "404")
}

func TestHubClient_WebsocketURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080":     "ws://localhost:8080/ws",
		"https://hub.example.org/":  "wss://hub.example.org/ws",
		"https://hub.example.org/x": "wss://hub.example.org/x/ws",
	}
	for in, want := range tests {
		got, err := NewHubClient(in, "S1", nil).websocketURL()
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestHubClient_Follow(t *testing.T) {
	fh, srv := newFakeHub(t)
	client := NewHubClient(srv.URL, "S1", nil)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	first, err := client.EnsureChannel(ctx, "!one:example.org", "")
	require.NoError(t, err)

	joins := make(chan string, 1)
	received := make(chan HubMessage, 1)
	followErr := make(chan error, 1)
	go func() {
		followErr <- client.Follow(ctx, joins, func(m HubMessage) { received <- m })
	}()

	waitJoin := func(want string) {
		t.Helper()
		select {
		case got := <-fh.joined:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for join of %s", want)
		}
	}
	waitJoin(first)

	second := ChannelIDForRoom("!two:example.org")
	joins <- second
	waitJoin(second)

	var sock *websocket.Conn
	select {
	case sock = <-fh.sockets:
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection")
	}
	require.NoError(t, sock.WriteJSON(map[string]any{
		"type": "message_broadcast",
		"payload": map[string]any{
			"id":        "m1",
			"senderId":  "eliza",
			"text":      "hi there",
			"channelId": first,
			"roomId":    first,
			"source":    "agent_response",
		},
	}))

	select {
	case m := <-received:
		assert.Equal(t, "m1", m.ID)
		assert.Equal(t, "hi there", m.Text)
		assert.Equal(t, first, m.ChannelID)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered")
	}

	cancel()
	select {
	case err := <-followErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not return after cancel")
	}
}
