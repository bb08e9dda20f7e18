// ABOUTME: Tests for the Matrix bridge's message filtering and relay formatting
// ABOUTME: Covers room allow-lists, command prefixes and echo suppression

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/id"
)

func TestIsRoomAllowed(t *testing.T) {
	assert.True(t, isRoomAllowed(nil, "!any:example.org"))
	assert.True(t, isRoomAllowed([]string{"!a:x", "!b:x"}, "!b:x"))
	assert.False(t, isRoomAllowed([]string{"!a:x"}, "!b:x"))
}

func TestCommandBody(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		body   string
		want   string
		wantOK bool
	}{
		{"no prefix", "", "  hello  ", "hello", true},
		{"blank", "", "   ", "", false},
		{"prefixed", "!hub ", "!hub what's up", "what's up", true},
		{"missing prefix", "!hub ", "what's up", "", false},
		{"prefix only", "!hub ", "!hub ", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := commandBody(tt.prefix, tt.body)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShouldRelay(t *testing.T) {
	assert.True(t, shouldRelay(HubMessage{Text: "hi", Source: "agent_response"}))
	assert.True(t, shouldRelay(HubMessage{Text: "hi", Source: "client_chat"}))
	assert.False(t, shouldRelay(HubMessage{Text: "hi", Source: SourceTypeMatrix}))
	assert.False(t, shouldRelay(HubMessage{Text: "  ", Source: "agent_response"}))
}

func TestFormatRelay(t *testing.T) {
	assert.Equal(t, "Eliza: hello", formatRelay(HubMessage{SenderID: "eliza", SenderName: "Eliza", Text: "hello"}))
	assert.Equal(t, "eliza: hello", formatRelay(HubMessage{SenderID: "eliza", Text: "hello"}))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "alice", displayName(id.UserID("@alice:example.org")))
	assert.Equal(t, "not-a-user", displayName(id.UserID("not-a-user")))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "covenbot_matrix.org", slugify("@covenbot:matrix.org"))
	assert.Equal(t, "a_b", slugify("a:b/"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "héll...", truncate("héllo world", 4))
}
