// Package identity provides the shared IdentityRegistry: authenticated agent
// identities, role-based permissions, and HMAC-signed agent tokens.
//
// The registry is an explicit, injected value. Every store and manager that
// needs authentication receives the same *Registry at construction; there is
// no process-global lookup. Lifecycle is New -> share -> Close.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Role determines an agent's permission set.
type Role string

const (
	RoleGuest       Role = "guest"
	RoleAgent       Role = "agent"
	RoleExpertAgent Role = "expert_agent"
	RoleSystemAgent Role = "system_agent"
	RoleAdmin       Role = "admin"
)

// Permission gates individual operations.
type Permission string

const (
	PermEventsRead       Permission = "events:read"
	PermEventsWrite      Permission = "events:write"
	PermElicitation      Permission = "elicitation"
	PermExpertCoord      Permission = "expert_coordination"
	PermCommandExecution Permission = "command_execution"
	PermAdmin            Permission = "admin"
)

// rolePermissions is the fixed role -> permissions mapping.
var rolePermissions = map[Role][]Permission{
	RoleGuest:       {PermEventsRead},
	RoleAgent:       {PermEventsRead, PermEventsWrite, PermElicitation},
	RoleExpertAgent: {PermEventsRead, PermEventsWrite, PermElicitation, PermExpertCoord, PermCommandExecution},
	RoleSystemAgent: {PermEventsRead, PermEventsWrite, PermElicitation, PermExpertCoord, PermCommandExecution},
	RoleAdmin:       {PermEventsRead, PermEventsWrite, PermElicitation, PermExpertCoord, PermCommandExecution, PermAdmin},
}

// Identity is an authenticated agent.
type Identity struct {
	AgentID           string
	Role              Role
	Permissions       map[Permission]bool
	AllowedAggregates []string
	AllowedStreams    []string
	MaxRequestsPerMin int
	MaxBatchSize      int
	AuthenticatedAt   time.Time
	ExpiresAt         time.Time
}

// HasPermission reports whether the identity carries the permission.
func (id *Identity) HasPermission(p Permission) bool {
	return id != nil && id.Permissions[p]
}

// Expired reports whether the identity's authentication window has lapsed.
func (id *Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && now.After(id.ExpiresAt)
}

// TokenSkew is the accepted clock skew for HMAC agent tokens.
const TokenSkew = 5 * time.Minute

var (
	ErrUnknownAgent   = errors.New("identity: unknown agent")
	ErrBadToken       = errors.New("identity: invalid token")
	ErrTokenExpired   = errors.New("identity: token outside freshness window")
	ErrRegistryClosed = errors.New("identity: registry closed")
)

// Registry is the shared identity cache.
type Registry struct {
	mu     sync.RWMutex
	secret []byte
	agents map[string]*Identity
	closed bool
}

// NewRegistry creates a registry keyed by the store secret.
func NewRegistry(secret string) *Registry {
	return &Registry{
		secret: []byte(secret),
		agents: make(map[string]*Identity),
	}
}

// Authenticate registers (or refreshes) an agent under a role and returns its
// identity. The identity is valid for ttl; zero means no expiry.
func (r *Registry) Authenticate(agentID string, role Role, ttl time.Duration) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	perms := make(map[Permission]bool)
	for _, p := range rolePermissions[role] {
		perms[p] = true
	}
	now := time.Now()
	id := &Identity{
		AgentID:           agentID,
		Role:              role,
		Permissions:       perms,
		MaxRequestsPerMin: 60,
		MaxBatchSize:      1000,
		AuthenticatedAt:   now,
	}
	if ttl > 0 {
		id.ExpiresAt = now.Add(ttl)
	}
	r.agents[agentID] = id
	return id, nil
}

// Lookup returns the identity for an agent, or ErrUnknownAgent.
func (r *Registry) Lookup(agentID string) (*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	id, ok := r.agents[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	if id.Expired(time.Now()) {
		return nil, ErrTokenExpired
	}
	return id, nil
}

// Authorize checks that the agent exists and holds the permission.
func (r *Registry) Authorize(agentID string, p Permission) error {
	id, err := r.Lookup(agentID)
	if err != nil {
		return err
	}
	if !id.HasPermission(p) {
		return fmt.Errorf("identity: agent %s lacks %s", agentID, p)
	}
	return nil
}

// Revoke removes an agent from the registry.
func (r *Registry) Revoke(agentID string) {
	r.mu.Lock()
	delete(r.agents, agentID)
	r.mu.Unlock()
}

// Close empties the registry and refuses further use.
func (r *Registry) Close() {
	r.mu.Lock()
	r.agents = make(map[string]*Identity)
	r.closed = true
	r.mu.Unlock()
}

// MintToken issues an HMAC token of the form "{unix_ts}:{hex_hmac}" bound to
// the agent id.
func (r *Registry) MintToken(agentID string) string {
	ts := time.Now().Unix()
	return fmt.Sprintf("%d:%s", ts, r.sign(agentID, ts))
}

// VerifyToken checks an HMAC token against the agent id within the +/-5 minute
// freshness window. Comparison is constant time.
func (r *Registry) VerifyToken(agentID, token string) error {
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return ErrBadToken
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ErrBadToken
	}
	skew := time.Since(time.Unix(ts, 0))
	if skew > TokenSkew || skew < -TokenSkew {
		return ErrTokenExpired
	}
	expected := r.sign(agentID, ts)
	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return ErrBadToken
	}
	return nil
}

// ChallengeForMinute computes the expert registration challenge for the
// current minute: HMAC(secret, "{agent_id}:{unix_minute}").
func (r *Registry) ChallengeForMinute(agentID string, t time.Time) string {
	mac := hmac.New(sha256.New, r.secret)
	fmt.Fprintf(mac, "%s:%d", agentID, t.Unix()/60)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyChallenge accepts the challenge for the current or previous minute.
func (r *Registry) VerifyChallenge(agentID, challenge string) bool {
	now := time.Now()
	for _, t := range []time.Time{now, now.Add(-time.Minute)} {
		if hmac.Equal([]byte(r.ChallengeForMinute(agentID, t)), []byte(challenge)) {
			return true
		}
	}
	return false
}

func (r *Registry) sign(agentID string, ts int64) string {
	mac := hmac.New(sha256.New, r.secret)
	fmt.Fprintf(mac, "%s:%d", agentID, ts)
	return hex.EncodeToString(mac.Sum(nil))
}
