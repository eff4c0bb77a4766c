package identity

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	r := NewRegistry("secret")
	token := r.MintToken("alice")

	assert.NoError(t, r.VerifyToken("alice", token))
	assert.ErrorIs(t, r.VerifyToken("bob", token), ErrBadToken)
	assert.ErrorIs(t, r.VerifyToken("alice", "garbage"), ErrBadToken)
	assert.ErrorIs(t, r.VerifyToken("alice", "notanumber:deadbeef"), ErrBadToken)
}

func TestTokenFreshnessWindow(t *testing.T) {
	r := NewRegistry("secret")

	stale := time.Now().Add(-10 * time.Minute).Unix()
	token := fmt.Sprintf("%d:%s", stale, r.sign("alice", stale))
	assert.ErrorIs(t, r.VerifyToken("alice", token), ErrTokenExpired)

	future := time.Now().Add(10 * time.Minute).Unix()
	token = fmt.Sprintf("%d:%s", future, r.sign("alice", future))
	assert.ErrorIs(t, r.VerifyToken("alice", token), ErrTokenExpired)
}

func TestTokenBoundToSecret(t *testing.T) {
	a := NewRegistry("secret-a")
	b := NewRegistry("secret-b")
	assert.ErrorIs(t, b.VerifyToken("alice", a.MintToken("alice")), ErrBadToken)
}

func TestChallengeWindow(t *testing.T) {
	r := NewRegistry("secret")
	now := time.Now()

	assert.True(t, r.VerifyChallenge("alice", r.ChallengeForMinute("alice", now)))
	assert.True(t, r.VerifyChallenge("alice", r.ChallengeForMinute("alice", now.Add(-time.Minute))))
	assert.False(t, r.VerifyChallenge("alice", r.ChallengeForMinute("alice", now.Add(-3*time.Minute))))
	assert.False(t, r.VerifyChallenge("bob", r.ChallengeForMinute("alice", now)))
}

func TestRolePermissions(t *testing.T) {
	r := NewRegistry("secret")

	_, err := r.Authenticate("guest-1", RoleGuest, 0)
	require.NoError(t, err)
	_, err = r.Authenticate("agent-1", RoleAgent, 0)
	require.NoError(t, err)
	_, err = r.Authenticate("expert-1", RoleExpertAgent, 0)
	require.NoError(t, err)

	assert.NoError(t, r.Authorize("guest-1", PermEventsRead))
	assert.Error(t, r.Authorize("guest-1", PermElicitation))

	assert.NoError(t, r.Authorize("agent-1", PermElicitation))
	assert.Error(t, r.Authorize("agent-1", PermCommandExecution))

	assert.NoError(t, r.Authorize("expert-1", PermExpertCoord))
	assert.NoError(t, r.Authorize("expert-1", PermCommandExecution))
	assert.Error(t, r.Authorize("expert-1", PermAdmin))

	assert.ErrorIs(t, r.Authorize("stranger", PermEventsRead), ErrUnknownAgent)
}

func TestIdentityTTL(t *testing.T) {
	r := NewRegistry("secret")
	_, err := r.Authenticate("alice", RoleAgent, 20*time.Millisecond)
	require.NoError(t, err)

	_, err = r.Lookup("alice")
	assert.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = r.Lookup("alice")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRevokeAndClose(t *testing.T) {
	r := NewRegistry("secret")
	_, err := r.Authenticate("alice", RoleAgent, 0)
	require.NoError(t, err)

	r.Revoke("alice")
	_, err = r.Lookup("alice")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	r.Close()
	_, err = r.Authenticate("bob", RoleAgent, 0)
	assert.ErrorIs(t, err, ErrRegistryClosed)
}
