// ABOUTME: Tests for the ingestion service against a real SQLite store, bus and hub
// ABOUTME: Covers auto-provisioning, fan-out rules, dedupe, ordering and deletion events

package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-hub/internal/bus"
	"github.com/2389/coven-hub/internal/realtime"
	"github.com/2389/coven-hub/internal/store"
)

type harness struct {
	svc   *Service
	store *store.SQLiteStore
	bus   *bus.Bus
	hub   *realtime.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.New(nil)
	t.Cleanup(b.Close)

	hub := realtime.NewHub(nil)
	svc := New(st, b, hub, Options{}, nil)
	t.Cleanup(svc.Close)

	require.NoError(t, st.CreateServer(t.Context(), &store.MessageServer{ID: "S1", Name: "Local"}))

	return &harness{svc: svc, store: st, bus: b, hub: hub}
}

// watch registers a live connection in roomID.
func (h *harness) watch(t *testing.T, roomID string) *realtime.Conn {
	t.Helper()
	c := realtime.NewConn("watch-"+roomID, 64)
	h.hub.Register(c)
	require.NoError(t, h.hub.JoinRoom(c, roomID, ""))
	return c
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func nextFrame(t *testing.T, c *realtime.Conn) frame {
	t.Helper()
	select {
	case data := <-c.Outbound():
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}
	return frame{}
}

func noFrame(t *testing.T, c *realtime.Conn) {
	t.Helper()
	select {
	case data := <-c.Outbound():
		t.Fatalf("unexpected frame: %s", data)
	default:
	}
}

func nextBus(t *testing.T, ch <-chan bus.NewMessage) bus.NewMessage {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("no bus event received")
	}
	return bus.NewMessage{}
}

func noBus(t *testing.T, ch <-chan bus.NewMessage) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected bus event: %+v", m)
	default:
	}
}

func post(channelID, authorID, content string) PostRequest {
	return PostRequest{MessageRequest: MessageRequest{
		ChannelID: channelID,
		ServerID:  "S1",
		AuthorID:  authorID,
		Content:   content,
	}}
}

func TestPostGUI_AutoProvisionsUnknownChannel(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	events, _ := h.bus.NewMessage.Subscribe(ctx, 8)

	result, err := h.svc.PostGUI(ctx, post("C1", "U1", "hello"))
	require.NoError(t, err)
	require.NotEmpty(t, result.Message.ID)
	assert.True(t, result.ChannelCreated)
	assert.False(t, result.Duplicate)
	assert.Equal(t, 1, result.Published)

	channel, err := h.store.GetChannel(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, store.ChannelTypeGroup, channel.Type)
	assert.Equal(t, "Channel C1", channel.Name)

	members, err := h.store.GetParticipants(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, []string{"U1"}, members)

	history, err := h.store.GetMessagesForChannel(ctx, "C1", 50, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, result.Message.ID, history[0].ID)
	assert.False(t, history[0].CreatedAt.After(time.Now()))

	ev := nextBus(t, events)
	assert.Equal(t, result.Message.ID, ev.ID)
	assert.Equal(t, "S1", ev.ServerID)
	assert.Equal(t, store.ChannelTypeGroup, ev.ChannelType)
}

func TestPostGUI_ExistingChannelAddsAuthor(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	_, err := h.svc.PostGUI(ctx, post("C1", "U1", "first"))
	require.NoError(t, err)
	result, err := h.svc.PostGUI(ctx, post("C1", "U2", "second"))
	require.NoError(t, err)
	assert.False(t, result.ChannelCreated)

	members, err := h.store.GetParticipants(ctx, "C1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"U1", "U2"}, members)
}

func TestPostGUI_UnknownServerFailsClosed(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	req := post("C1", "U1", "hello")
	req.ServerID = "nope"
	_, err := h.svc.PostGUI(ctx, req)
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, IsValidation(err))

	_, err = h.store.GetChannel(ctx, "C1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostGUI_ValidationHappensBeforeWrites(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	require.NoError(t, h.store.CreateServer(ctx, &store.MessageServer{ID: "S2", Name: "Other"}))

	other := post("C-other", "U1", "elsewhere")
	other.MessageID = "taken-id"
	_, err := h.svc.PostGUI(ctx, other)
	require.NoError(t, err)

	foreign := &store.MessageChannel{ID: "C-foreign", MessageServerID: "S2", Name: "foreign"}
	require.NoError(t, h.store.CreateChannel(ctx, foreign, []string{"U9"}))

	tests := []struct {
		name string
		mut  func(*PostRequest)
	}{
		{"missing channel", func(r *PostRequest) { r.ChannelID = "" }},
		{"missing server", func(r *PostRequest) { r.ServerID = "" }},
		{"missing author", func(r *PostRequest) { r.AuthorID = "" }},
		{"blank content", func(r *PostRequest) { r.Content = "   " }},
		{"metadata not object", func(r *PostRequest) { r.Metadata = store.Document(`[1]`) }},
		{"unknown reply target", func(r *PostRequest) { r.InReplyTo = "no-such-message" }},
		{"reply target in another channel", func(r *PostRequest) { r.InReplyTo = "taken-id" }},
		{"message id taken in another channel", func(r *PostRequest) { r.MessageID = "taken-id" }},
		{"direct without target", func(r *PostRequest) { r.ChannelType = "DIRECT" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := post("C-invalid", "U1", "hello")
			tt.mut(&req)
			_, err := h.svc.PostGUI(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	_, err = h.store.GetChannel(ctx, "C-invalid")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Rejected posts into existing channels leave the participant sets alone
	bad := post("C-other", "U2", "reply to nothing")
	bad.InReplyTo = "no-such-message"
	_, err = h.svc.PostGUI(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	members, err := h.store.GetParticipants(ctx, "C-other")
	require.NoError(t, err)
	assert.Equal(t, []string{"U1"}, members)

	_, err = h.svc.PostGUI(ctx, post("C-foreign", "U1", "wrong server"))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	members, err = h.store.GetParticipants(ctx, "C-foreign")
	require.NoError(t, err)
	assert.Equal(t, []string{"U9"}, members)
}

func TestResolveChannel_ProvisionsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	req := post("C-resolve", "U1", "unused")
	req.ChannelName = "planning"
	first, created, err := h.svc.ResolveChannel(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "planning", first.Name)

	req.AuthorID = "U2"
	second, created, err := h.svc.ResolveChannel(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	members, err := h.store.GetParticipants(ctx, "C-resolve")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"U1", "U2"}, members)
}

func TestPostGUI_ServerMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	require.NoError(t, h.store.CreateServer(ctx, &store.MessageServer{ID: "S2", Name: "Other"}))

	_, err := h.svc.PostGUI(ctx, post("C1", "U1", "hello"))
	require.NoError(t, err)

	req := post("C1", "U1", "wrong server")
	req.ServerID = "S2"
	_, err = h.svc.PostGUI(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPostGUI_DirectChannelFromMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	req := post("D1", "U1", "hi there")
	req.Metadata = store.Document(`{"isDm":true,"targetUserId":"U2","displayName":"Una"}`)

	result, err := h.svc.PostGUI(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.ChannelCreated)
	assert.Equal(t, "D1", result.Channel.ID)
	assert.Equal(t, store.ChannelTypeDM, result.Channel.Type)
	assert.Equal(t, store.DMChannelName("U1", "U2"), result.Channel.Name)

	members, err := h.store.GetParticipants(ctx, "D1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"U1", "U2"}, members)

	// The pair's DM is now found by either ordering
	found, err := h.store.FindOrCreateDMChannel(ctx, "U2", "U1", "S1")
	require.NoError(t, err)
	assert.Equal(t, "D1", found.ID)
}

func TestPostGUI_DirectChannelNeedsSecondParticipant(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	req := post("D1", "U1", "hi")
	req.ChannelType = "DIRECT"
	_, err := h.svc.PostGUI(ctx, req)
	require.ErrorIs(t, err, ErrInvalidRequest)

	req.TargetUserID = "U1"
	_, err = h.svc.PostGUI(ctx, req)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.store.GetChannel(ctx, "D1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostGUI_DirectChannelRedirectsToExistingPair(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	existing, err := h.store.FindOrCreateDMChannel(ctx, "U1", "U2", "S1")
	require.NoError(t, err)

	req := post("D-new", "U2", "hello again")
	req.ChannelType = "DM"
	req.TargetUserID = "U1"
	result, err := h.svc.PostGUI(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.ChannelCreated)
	assert.Equal(t, existing.ID, result.Channel.ID)
	assert.Equal(t, existing.ID, result.Message.ChannelID)

	_, err = h.store.GetChannel(ctx, "D-new")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostGUI_DirectChannelRacesFindOrCreate(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	for i := range 40 {
		serverID := fmt.Sprintf("S-race-%d", i)
		require.NoError(t, h.store.CreateServer(ctx, &store.MessageServer{ID: serverID, Name: serverID}))

		var wg sync.WaitGroup
		var found *store.MessageChannel
		var result *Result
		var findErr, postErr error
		start := make(chan struct{})

		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			found, findErr = h.store.FindOrCreateDMChannel(ctx, "U1", "U2", serverID)
		}()
		go func() {
			defer wg.Done()
			<-start
			req := post(fmt.Sprintf("C-dm-%d", i), "U1", "hi")
			req.ServerID = serverID
			req.ChannelType = "DIRECT"
			req.TargetUserID = "U2"
			result, postErr = h.svc.PostGUI(ctx, req)
		}()
		close(start)
		wg.Wait()

		require.NoError(t, findErr)
		require.NoError(t, postErr)
		assert.Equal(t, found.ID, result.Channel.ID, "iteration %d", i)
		assert.Equal(t, found.ID, result.Message.ChannelID, "iteration %d", i)

		channels, err := h.store.ListChannelsForServer(ctx, serverID)
		require.NoError(t, err)
		require.Len(t, channels, 1, "iteration %d", i)

		members, err := h.store.GetParticipants(ctx, found.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"U1", "U2"}, members)
	}
}

func TestPostGUI_DirectChannelIgnoresRequestedName(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	req := post("D-named", "U1", "hello")
	req.ChannelType = "DIRECT"
	req.TargetUserID = "U2"
	req.ChannelName = "Una and me"
	result, err := h.svc.PostGUI(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, store.DMChannelName("U1", "U2"), result.Channel.Name)

	again := post("D-other", "U2", "hi back")
	again.ChannelType = "DIRECT"
	again.TargetUserID = "U1"
	again.ChannelName = "something else"
	result, err = h.svc.PostGUI(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, "D-named", result.Channel.ID)
}

func TestPostGUI_DirectChannelRejectsOutsider(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	dm, err := h.store.FindOrCreateDMChannel(ctx, "U1", "U2", "S1")
	require.NoError(t, err)

	_, err = h.svc.PostGUI(ctx, post(dm.ID, "U3", "let me in"))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.svc.PostGUI(ctx, post(dm.ID, "U2", "member post"))
	assert.NoError(t, err)
}

func TestPostGUI_ConcurrentFirstPosts(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	authors := []string{"U1", "U2", "U3", "U4"}
	results := make([]*Result, len(authors))
	errs := make([]error, len(authors))

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, author := range authors {
		wg.Add(1)
		go func(i int, author string) {
			defer wg.Done()
			<-start
			results[i], errs[i] = h.svc.PostGUI(ctx, post("C-race", author, "first!"))
		}(i, author)
	}
	close(start)
	wg.Wait()

	created := 0
	for i := range authors {
		require.NoError(t, errs[i])
		assert.Equal(t, "C-race", results[i].Channel.ID)
		if results[i].ChannelCreated {
			created++
		}
	}
	assert.GreaterOrEqual(t, created, 1)

	channels, err := h.store.ListChannelsForServer(ctx, "S1")
	require.NoError(t, err)
	assert.Len(t, channels, 1)

	members, err := h.store.GetParticipants(ctx, "C-race")
	require.NoError(t, err)
	assert.ElementsMatch(t, authors, members)

	history, err := h.store.GetMessagesForChannel(ctx, "C-race", 50, time.Time{})
	require.NoError(t, err)
	assert.Len(t, history, len(authors))
}

func TestPostGUI_RetryWithSameMessageID(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	events, _ := h.bus.NewMessage.Subscribe(ctx, 8)

	req := post("C1", "U1", "once")
	req.MessageID = "client-msg-1"

	first, err := h.svc.PostGUI(ctx, req)
	require.NoError(t, err)
	second, err := h.svc.PostGUI(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	nextBus(t, events)
	noBus(t, events)
}

func TestSubmit_BroadcastsWithoutBus(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	events, _ := h.bus.NewMessage.Subscribe(ctx, 8)

	_, err := h.svc.PostGUI(ctx, post("C1", "U1", "question"))
	require.NoError(t, err)
	nextBus(t, events)

	room := h.watch(t, "C1")

	result, err := h.svc.Submit(ctx, MessageRequest{
		ChannelID:  "C1",
		ServerID:   "S1",
		AuthorID:   "agent-1",
		Content:    "answer",
		RawMessage: store.Document(`{"thought":"easy one","actions":["REPLY"]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Published)
	assert.Equal(t, 1, result.Broadcast)
	noBus(t, events)

	f := nextFrame(t, room)
	require.Equal(t, realtime.EventMessageBroadcast, f.Type)
	var p realtime.MessagePayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, "answer", p.Text)
	assert.Equal(t, "agent-1", p.SenderID)
	assert.Equal(t, "S1", p.ServerID)
	assert.Equal(t, "easy one", p.Thought)
	assert.Equal(t, []string{"REPLY"}, p.Actions)
}

func TestSubmit_RequiresExistingChannel(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Submit(t.Context(), MessageRequest{ChannelID: "ghost", ServerID: "S1", AuthorID: "a", Content: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngestExternal_DeduplicatesBySource(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	events, _ := h.bus.NewMessage.Subscribe(ctx, 8)

	_, err := h.svc.PostGUI(ctx, post("C1", "U1", "setup"))
	require.NoError(t, err)
	nextBus(t, events)

	req := MessageRequest{
		ChannelID:  "C1",
		ServerID:   "S1",
		AuthorID:   "@kim:matrix.org",
		Content:    "from matrix",
		SourceType: "matrix",
		SourceID:   "$evt1",
	}
	first, err := h.svc.IngestExternal(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "matrix", first.Message.SourceType)
	assert.Equal(t, 1, first.Published)
	nextBus(t, events)

	second, err := h.svc.IngestExternal(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	noBus(t, events)

	// A fresh service has an empty cache and falls back to the store
	fresh := New(h.store, h.bus, h.hub, Options{}, nil)
	defer fresh.Close()
	third, err := fresh.IngestExternal(ctx, req)
	require.NoError(t, err)
	assert.True(t, third.Duplicate)
	assert.Equal(t, first.Message.ID, third.Message.ID)

	history, err := h.store.GetMessagesForChannel(ctx, "C1", 50, time.Time{})
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestIngestExternal_DefaultsSourceType(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	_, err := h.svc.PostGUI(ctx, post("C1", "U1", "setup"))
	require.NoError(t, err)

	result, err := h.svc.IngestExternal(ctx, MessageRequest{ChannelID: "C1", ServerID: "S1", AuthorID: "x", Content: "y"})
	require.NoError(t, err)
	assert.Equal(t, SourceTypeExternal, result.Message.SourceType)
}

func TestIngestExternal_MissingChannel(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.IngestExternal(t.Context(), MessageRequest{ChannelID: "ghost", ServerID: "S1", AuthorID: "x", Content: "y"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSequentialPostsKeepOrder(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	events, _ := h.bus.NewMessage.Subscribe(ctx, 32)

	var ids []string
	for i := range 10 {
		result, err := h.svc.PostGUI(ctx, post("C1", "U1", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		ids = append(ids, result.Message.ID)
	}

	for _, id := range ids {
		assert.Equal(t, id, nextBus(t, events).ID)
	}

	history, err := h.store.GetMessagesForChannel(ctx, "C1", 50, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, len(ids))
	for i, msg := range history {
		assert.Equal(t, ids[len(ids)-1-i], msg.ID, "history is newest first")
	}
}

func TestConcurrentPostsBusOrderMatchesHistory(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	_, err := h.svc.PostGUI(ctx, post("C1", "U1", "setup"))
	require.NoError(t, err)
	events, _ := h.bus.NewMessage.Subscribe(ctx, 64)

	const writers = 20
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.PostGUI(ctx, post("C1", fmt.Sprintf("U%d", i%4), fmt.Sprintf("msg %d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var busOrder []string
	for range writers {
		busOrder = append(busOrder, nextBus(t, events).ID)
	}

	history, err := h.store.GetMessagesForChannel(ctx, "C1", writers, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, writers)

	var commitOrder []string
	for i := len(history) - 1; i >= 0; i-- {
		commitOrder = append(commitOrder, history[i].ID)
	}
	assert.Equal(t, commitOrder, busOrder)
	assert.Equal(t, 0, h.svc.locks.size())
}

func TestDeleteMessage_ClearsReplyAndBroadcasts(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	original, err := h.svc.PostGUI(ctx, post("C1", "U1", "original"))
	require.NoError(t, err)

	reply := post("C1", "U2", "reply")
	reply.InReplyTo = original.Message.ID
	replied, err := h.svc.PostGUI(ctx, reply)
	require.NoError(t, err)
	assert.Equal(t, original.Message.ID, replied.Message.InReplyToRootMessageID)

	room := h.watch(t, "C1")
	require.NoError(t, h.svc.DeleteMessage(ctx, "C1", original.Message.ID))

	f := nextFrame(t, room)
	require.Equal(t, realtime.EventMessageDeleted, f.Type)
	var p realtime.DeletedPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, original.Message.ID, p.MessageID)
	assert.Equal(t, "C1", p.RoomID)

	kept, err := h.store.GetMessage(ctx, replied.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, "reply", kept.Content)
	assert.Empty(t, kept.InReplyToRootMessageID)
}

func TestDeleteMessage_WrongChannel(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	result, err := h.svc.PostGUI(ctx, post("C1", "U1", "x"))
	require.NoError(t, err)

	err = h.svc.DeleteMessage(ctx, "C2", result.Message.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = h.svc.DeleteMessage(ctx, "", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRawReplyMarkerIsValidated(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	original, err := h.svc.PostGUI(ctx, post("C1", "U1", "original"))
	require.NoError(t, err)

	valid := post("C1", "U1", "follow-up")
	valid.RawMessage = store.Document(fmt.Sprintf(`{"inReplyTo":%q}`, original.Message.ID))
	result, err := h.svc.PostGUI(ctx, valid)
	require.NoError(t, err)
	assert.Equal(t, original.Message.ID, result.Message.InReplyToRootMessageID)

	dangling := post("C1", "U1", "follow-up")
	dangling.RawMessage = store.Document(`{"inReplyTo":"upstream-only-id"}`)
	result, err = h.svc.PostGUI(ctx, dangling)
	require.NoError(t, err)
	assert.Empty(t, result.Message.InReplyToRootMessageID)
}

func TestExplicitReplyAcrossChannelsIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	other, err := h.svc.PostGUI(ctx, post("C2", "U1", "elsewhere"))
	require.NoError(t, err)

	req := post("C1", "U1", "reply")
	req.InReplyTo = other.Message.ID
	_, err = h.svc.PostGUI(ctx, req)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestClearChannel_Broadcasts(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	for i := range 3 {
		_, err := h.svc.PostGUI(ctx, post("C1", "U1", fmt.Sprint(i)))
		require.NoError(t, err)
	}
	room := h.watch(t, "C1")

	removed, err := h.svc.ClearChannel(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	f := nextFrame(t, room)
	require.Equal(t, realtime.EventChannelCleared, f.Type)
	assert.JSONEq(t, `{"roomId":"C1","removed":3}`, string(f.Payload))

	_, err = h.svc.ClearChannel(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAgentServerAssociationPublishesUpdates(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	updates, _ := h.bus.ServerAgentUpdate.Subscribe(ctx, 4)

	require.NoError(t, h.svc.AddAgentToServer(ctx, "S1", "agent-1"))
	require.NoError(t, h.svc.RemoveAgentFromServer(ctx, "S1", "agent-1"))

	want := []bus.ServerAgentUpdate{
		{Type: bus.UpdateAdded, ServerID: "S1", AgentID: "agent-1"},
		{Type: bus.UpdateRemoved, ServerID: "S1", AgentID: "agent-1"},
	}
	for _, w := range want {
		select {
		case got := <-updates:
			assert.Equal(t, w, got)
		case <-time.After(time.Second):
			t.Fatal("no update received")
		}
	}

	err := h.svc.AddAgentToServer(ctx, "missing", "agent-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, h.svc.AddAgentToServer(ctx, "S1", ""), ErrInvalidRequest)
}

func TestSendSocketMessage(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	_, err := h.svc.PostGUI(ctx, post("C1", "U1", "setup"))
	require.NoError(t, err)
	room := h.watch(t, "C1")

	id, err := h.svc.SendSocketMessage(ctx, realtime.SendMessageRequest{
		RoomID:     "C1",
		SenderID:   "U2",
		SenderName: "Uma",
		Message:    "typed live",
	})
	require.NoError(t, err)

	f := nextFrame(t, room)
	require.Equal(t, realtime.EventMessageBroadcast, f.Type)
	var p realtime.MessagePayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, id, p.ID)
	assert.Equal(t, "S1", p.ServerID, "server id is taken from the channel")
	assert.Equal(t, "Uma", p.SenderName)
	noFrame(t, room)
}

func TestSendSocketMessage_ClientErrors(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	_, err := h.svc.SendSocketMessage(ctx, realtime.SendMessageRequest{RoomID: "new-room", SenderID: "U1", Message: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serverId")

	_, err = h.svc.SendSocketMessage(ctx, realtime.SendMessageRequest{RoomID: "new-room", SenderID: "U1", Message: "x", ServerID: "S9"})
	require.Error(t, err)
	assert.Equal(t, "server S9 not found", err.Error())
}

func TestClientErrorHidesInternalFailures(t *testing.T) {
	err := clientError(errors.New("database is locked"))
	assert.Equal(t, "failed to send message", err.Error())
}
