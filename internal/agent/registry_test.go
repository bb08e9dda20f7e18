// ABOUTME: Tests for the runtime registry
// ABOUTME: Validates registration, duplicate rejection, lookup and listing

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry(nil)

	require.NoError(t, reg.Register(NewLocalRuntime("b-agent", nil, nil)))
	require.NoError(t, reg.Register(NewLocalRuntime("a-agent", nil, nil)))
	assert.ErrorIs(t, reg.Register(NewLocalRuntime("a-agent", nil, nil)), ErrAgentAlreadyRegistered)

	rt, err := reg.Get("a-agent")
	require.NoError(t, err)
	assert.Equal(t, "a-agent", rt.AgentID())

	assert.Equal(t, []string{"a-agent", "b-agent"}, reg.List())

	reg.Unregister("a-agent")
	reg.Unregister("never-registered")

	_, err = reg.Get("a-agent")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.Equal(t, []string{"b-agent"}, reg.List())
}
