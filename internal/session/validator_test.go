package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTokenRoundTrip(t *testing.T) {
	v := NewValidator("secret", Config{})
	s, err := v.CreateSession("alice", "10.0.0.1", "agent/1.0")
	require.NoError(t, err)
	assert.Len(t, strings.Split(s.SessionToken, ":"), 4)

	assert.True(t, v.ValidateSession(s.SessionToken, "alice", "10.0.0.1", "agent/1.0"))
}

func TestSessionRejectsWrongAgent(t *testing.T) {
	v := NewValidator("secret", Config{})
	s, err := v.CreateSession("alice", "10.0.0.1", "agent/1.0")
	require.NoError(t, err)

	assert.False(t, v.ValidateSession(s.SessionToken, "mallory", "10.0.0.1", "agent/1.0"))
}

func TestSessionRejectsForgedSignature(t *testing.T) {
	v := NewValidator("secret", Config{})
	s, err := v.CreateSession("alice", "10.0.0.1", "agent/1.0")
	require.NoError(t, err)

	parts := strings.Split(s.SessionToken, ":")
	forged := strings.Join(parts[:3], ":") + ":" + strings.Repeat("00", 32)
	assert.False(t, v.ValidateSession(forged, "alice", "10.0.0.1", "agent/1.0"))

	other := NewValidator("different-secret", Config{})
	so, err := other.CreateSession("alice", "10.0.0.1", "agent/1.0")
	require.NoError(t, err)
	assert.False(t, v.ValidateSession(so.SessionToken, "alice", "10.0.0.1", "agent/1.0"))
}

func TestHijackFlagsRejectSession(t *testing.T) {
	v := NewValidator("secret", Config{})
	s, err := v.CreateSession("alice", "10.0.0.1", "agent/1.0")
	require.NoError(t, err)

	// IP change flags the session and rejects it.
	assert.False(t, v.ValidateSession(s.SessionToken, "alice", "203.0.113.9", "agent/1.0"))

	// The session stays rejected until suspicion is cleared.
	assert.False(t, v.ValidateSession(s.SessionToken, "alice", "10.0.0.1", "agent/1.0"))
	v.ClearSuspicion(s.SessionID)
	assert.True(t, v.ValidateSession(s.SessionToken, "alice", "10.0.0.1", "agent/1.0"))
}

func TestUserAgentChangeFlagged(t *testing.T) {
	v := NewValidator("secret", Config{})
	s, err := v.CreateSession("alice", "10.0.0.1", "agent/1.0")
	require.NoError(t, err)

	assert.False(t, v.ValidateSession(s.SessionToken, "alice", "10.0.0.1", "other/9.9"))
}

func TestPerAgentCapEvictsOldest(t *testing.T) {
	v := NewValidator("secret", Config{MaxPerAgent: 2})

	first, err := v.CreateSession("alice", "10.0.0.1", "a")
	require.NoError(t, err)
	_, err = v.CreateSession("alice", "10.0.0.1", "a")
	require.NoError(t, err)
	_, err = v.CreateSession("alice", "10.0.0.1", "a")
	require.NoError(t, err)

	assert.Len(t, v.ActiveSessions("alice"), 2)
	assert.False(t, v.ValidateSession(first.SessionToken, "alice", "10.0.0.1", "a"))
}

func TestInactivityExpiry(t *testing.T) {
	v := NewValidator("secret", Config{Timeout: 30 * time.Millisecond})
	s, err := v.CreateSession("alice", "10.0.0.1", "a")
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.False(t, v.ValidateSession(s.SessionToken, "alice", "10.0.0.1", "a"))
	assert.Empty(t, v.ActiveSessions("alice"))
}

func TestRevokeSession(t *testing.T) {
	v := NewValidator("secret", Config{})
	s, err := v.CreateSession("alice", "10.0.0.1", "a")
	require.NoError(t, err)

	v.RevokeSession(s.SessionID, "operator request")
	assert.False(t, v.ValidateSession(s.SessionToken, "alice", "10.0.0.1", "a"))
}

func TestMessageReplayWindow(t *testing.T) {
	v := NewValidator("secret", Config{ReplayWindow: 50 * time.Millisecond})

	msg := []byte(`{"op":"respond"}`)
	assert.True(t, v.ValidateMessage(msg, "alice"))
	assert.False(t, v.ValidateMessage(msg, "alice"))

	// Same payload from a different agent is a different message.
	assert.True(t, v.ValidateMessage(msg, "bob"))

	time.Sleep(80 * time.Millisecond)
	v.CleanupExpired()
	assert.True(t, v.ValidateMessage(msg, "alice"))
}

func TestWebSocketURLValidation(t *testing.T) {
	v := NewValidator("secret", Config{})

	assert.True(t, v.ValidateWebSocketURL("wss://bridge.local/ws/notifications", "alice"))
	assert.True(t, v.ValidateWebSocketURL("ws://bridge.local/ws?agent_id=alice", "alice"))

	assert.False(t, v.ValidateWebSocketURL("http://bridge.local/ws", "alice"))
	assert.False(t, v.ValidateWebSocketURL("ws://bridge.local/ws?agent_id=mallory", "alice"))
	assert.False(t, v.ValidateWebSocketURL("wss://bridge.local/ws?session_token=abc", "alice"))
	assert.False(t, v.ValidateWebSocketURL("wss://bridge.local/ws?api_secret=abc", "alice"))
}
