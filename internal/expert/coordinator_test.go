package expert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/lighthouse-sub001/internal/identity"
)

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *identity.Registry) {
	t.Helper()
	registry := identity.NewRegistry("secret")
	c := NewCoordinator(registry, nil, nil, nil, cfg)
	t.Cleanup(c.Close)
	return c, registry
}

func register(t *testing.T, c *Coordinator, r *identity.Registry, agentID string, caps ...string) string {
	t.Helper()
	token, err := c.RegisterExpert(agentID, caps, r.ChallengeForMinute(agentID, time.Now()))
	require.NoError(t, err)
	return token
}

func TestRegisterAndAuthenticate(t *testing.T) {
	c, r := newTestCoordinator(t, Config{})
	token := register(t, c, r, "expert-a", "analysis", "search")

	e := c.AuthenticateExpert(token)
	require.NotNil(t, e)
	assert.Equal(t, "expert-a", e.AgentID)
	assert.Equal(t, StatusAvailable, e.Status)
	assert.Equal(t, 1.0, e.SuccessRate)
	assert.True(t, e.Capabilities["analysis"])

	assert.Nil(t, c.AuthenticateExpert("not-a-token"))
}

func TestRegisterRejectsBadChallenge(t *testing.T) {
	c, r := newTestCoordinator(t, Config{})

	_, err := c.RegisterExpert("expert-a", []string{"analysis"}, "wrong-challenge")
	assert.Error(t, err)

	// A challenge minted for another agent does not transfer.
	_, err = c.RegisterExpert("expert-a", []string{"analysis"}, r.ChallengeForMinute("expert-b", time.Now()))
	assert.Error(t, err)
}

func TestRegisterRateLimit(t *testing.T) {
	c, r := newTestCoordinator(t, Config{RegisterPerMin: 2})

	register(t, c, r, "expert-a", "analysis")
	register(t, c, r, "expert-a", "analysis")
	_, err := c.RegisterExpert("expert-a", []string{"analysis"}, r.ChallengeForMinute("expert-a", time.Now()))
	assert.Error(t, err)

	// Per-agent buckets: another agent registers freely.
	register(t, c, r, "expert-b", "analysis")
}

func TestDelegationTieBreaksOnAgentID(t *testing.T) {
	c, r := newTestCoordinator(t, Config{})
	requester := register(t, c, r, "requester", "analysis")
	register(t, c, r, "bob", "analysis")
	register(t, c, r, "carol", "analysis")

	id, err := c.DelegateCommand(requester, "analyze", map[string]interface{}{"target": "main.go"}, []string{"analysis"}, 60)
	require.NoError(t, err)
	assert.Equal(t, "bob", c.delegations[id].ExpertID)
}

func TestDelegationPrefersHigherScore(t *testing.T) {
	c, r := newTestCoordinator(t, Config{})
	requester := register(t, c, r, "requester", "analysis")
	register(t, c, r, "bob", "analysis")
	register(t, c, r, "carol", "analysis")

	first, err := c.DelegateCommand(requester, "analyze", nil, []string{"analysis"}, 60)
	require.NoError(t, err)
	require.Equal(t, "bob", c.delegations[first].ExpertID)

	// A slow failure drags bob's score under carol's.
	require.NoError(t, c.CompleteDelegation(first, false, 10*time.Second))

	second, err := c.DelegateCommand(requester, "analyze", nil, []string{"analysis"}, 60)
	require.NoError(t, err)
	assert.Equal(t, "carol", c.delegations[second].ExpertID)
}

func TestDelegationSkipsBusyAndSelf(t *testing.T) {
	c, r := newTestCoordinator(t, Config{})
	requester := register(t, c, r, "requester", "analysis")
	register(t, c, r, "bob", "analysis")

	first, err := c.DelegateCommand(requester, "analyze", nil, []string{"analysis"}, 60)
	require.NoError(t, err)
	require.Equal(t, "bob", c.delegations[first].ExpertID)

	// Bob is busy and the requester never selects itself.
	_, err = c.DelegateCommand(requester, "analyze", nil, []string{"analysis"}, 60)
	assert.Error(t, err)
}

func TestDelegationRejectsDangerousCommands(t *testing.T) {
	c, r := newTestCoordinator(t, Config{})
	requester := register(t, c, r, "requester", "analysis", "execution")
	register(t, c, r, "bob", "analysis", "execution")

	cases := []map[string]interface{}{
		{"cmd": "rm -rf /tmp/work"},
		{"cmd": "cat /etc/passwd"},
		{"nested": map[string]interface{}{"args": []interface{}{"a", "b && c"}}},
	}
	for _, data := range cases {
		_, err := c.DelegateCommand(requester, "execute", data, []string{"execution"}, 60)
		assert.Error(t, err, "data %v must be rejected", data)
	}

	_, err := c.DelegateCommand(requester, "transmogrify", nil, nil, 60)
	assert.Error(t, err, "unknown command type must be rejected")
}

func TestDelegationRequiresRequesterCapability(t *testing.T) {
	c, r := newTestCoordinator(t, Config{})
	requester := register(t, c, r, "requester", "search")
	register(t, c, r, "bob", "analysis")

	_, err := c.DelegateCommand(requester, "analyze", nil, []string{"analysis"}, 60)
	assert.Error(t, err)

	// delegate_any overrides the per-type capability requirement.
	override := register(t, c, r, "super", "delegate_any")
	_, err = c.DelegateCommand(override, "analyze", nil, []string{"analysis"}, 60)
	assert.NoError(t, err)
}

func TestDelegationNoCapableExpert(t *testing.T) {
	c, r := newTestCoordinator(t, Config{})
	requester := register(t, c, r, "requester", "review")
	register(t, c, r, "bob", "analysis")

	_, err := c.DelegateCommand(requester, "review", nil, []string{"review"}, 60)
	assert.Error(t, err)
}

func TestCompleteDelegationRollingStats(t *testing.T) {
	c, r := newTestCoordinator(t, Config{})
	requester := register(t, c, r, "requester", "analysis")
	bobToken := register(t, c, r, "bob", "analysis")

	first, err := c.DelegateCommand(requester, "analyze", nil, []string{"analysis"}, 60)
	require.NoError(t, err)
	require.NoError(t, c.CompleteDelegation(first, true, 2*time.Second))

	bob := c.AuthenticateExpert(bobToken)
	require.NotNil(t, bob)
	assert.Equal(t, int64(1), bob.CommandsCompleted)
	assert.Equal(t, StatusAvailable, bob.Status)
	assert.InDelta(t, 1.0, bob.SuccessRate, 1e-9)
	assert.InDelta(t, 2.0, bob.AverageResponseTime, 1e-9)

	second, err := c.DelegateCommand(requester, "analyze", nil, []string{"analysis"}, 60)
	require.NoError(t, err)
	require.NoError(t, c.CompleteDelegation(second, false, 4*time.Second))

	bob = c.AuthenticateExpert(bobToken)
	require.NotNil(t, bob)
	assert.Equal(t, int64(2), bob.CommandsCompleted)
	assert.InDelta(t, 0.5, bob.SuccessRate, 1e-9)
	assert.InDelta(t, 3.0, bob.AverageResponseTime, 1e-9)

	assert.Error(t, c.CompleteDelegation(second, true, time.Second), "double completion rejected")
}

func TestCollaborationSessionLifecycle(t *testing.T) {
	c, r := newTestCoordinator(t, Config{})
	coord := register(t, c, r, "coordinator", "analysis")
	register(t, c, r, "bob", "analysis")
	register(t, c, r, "carol", "review")

	id, err := c.StartCollaborationSession(coord, []string{"bob", "carol"}, map[string]interface{}{"topic": "incident"})
	require.NoError(t, err)

	bobCh, ok := c.SessionChannel(id, "bob")
	require.True(t, ok)
	carolCh, ok := c.SessionChannel(id, "carol")
	require.True(t, ok)
	assert.NotEqual(t, bobCh, carolCh)
	_, ok = c.SessionChannel(id, "mallory")
	assert.False(t, ok)

	require.NoError(t, c.EndCollaborationSession(id, "work complete"))
	_, ok = c.SessionChannel(id, "bob")
	assert.False(t, ok)
	assert.Empty(t, c.experts["bob"].Sessions)

	assert.Error(t, c.EndCollaborationSession(id, "again"))
}

func TestSessionStartIsAllOrNothing(t *testing.T) {
	c, r := newTestCoordinator(t, Config{})
	coord := register(t, c, r, "coordinator", "analysis")
	register(t, c, r, "bob", "analysis")

	_, err := c.StartCollaborationSession(coord, []string{"bob", "ghost"}, nil)
	require.Error(t, err)

	assert.Empty(t, c.sessions)
	assert.Empty(t, c.experts["bob"].Sessions)
}

func TestStaleHeartbeatDisconnects(t *testing.T) {
	c, r := newTestCoordinator(t, Config{HeartbeatStale: time.Minute})
	coord := register(t, c, r, "coordinator", "analysis")
	register(t, c, r, "bob", "analysis")

	id, err := c.StartCollaborationSession(coord, []string{"bob"}, nil)
	require.NoError(t, err)

	c.mu.Lock()
	c.experts["bob"].LastHeartbeat = time.Now().Add(-5 * time.Minute)
	c.mu.Unlock()
	c.disconnectStale(time.Now().UTC())

	assert.Equal(t, StatusOffline, c.experts["bob"].Status)
	_, ok := c.SessionChannel(id, "bob")
	assert.False(t, ok, "stale participant's session is torn down")

	// A heartbeat revives the offline expert.
	assert.True(t, c.Heartbeat("bob"))
	assert.Equal(t, StatusAvailable, c.experts["bob"].Status)
}
