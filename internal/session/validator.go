// Package session gates both ends of every elicitation with session-bound
// HMAC tokens, detects hijacking, and bounds session lifetime.
package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// State of a tracked session.
type State string

const (
	StateActive     State = "active"
	StateExpired    State = "expired"
	StateRevoked    State = "revoked"
	StateSuspicious State = "suspicious"
	StateHijacked   State = "hijacked"
)

// Session is one authenticated connection context for an agent.
type Session struct {
	SessionID     string
	AgentID       string
	SessionToken  string
	CreatedAt     time.Time
	LastActivity  time.Time
	IP            string
	UserAgent     string
	CommandCount  int64
	State         State
	SecurityFlags []string
}

// Config bounds session behavior.
type Config struct {
	Timeout       time.Duration // inactivity before expiry
	MaxPerAgent   int
	MaxLifetime   time.Duration
	CommandPerMin int64
	ReplayWindow  time.Duration
	Logger        *slog.Logger
}

// Validator owns the session table. A single RWMutex guards it; validation is
// a read-mostly path.
type Validator struct {
	mu       sync.Mutex
	cfg      Config
	secret   []byte
	sessions map[string]*Session  // session_id -> session
	byAgent  map[string][]string  // agent_id -> session_ids, oldest first
	seenMsgs map[string]time.Time // message hash -> first seen
	logger   *slog.Logger
}

func NewValidator(secret string, cfg Config) *Validator {
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Hour
	}
	if cfg.MaxPerAgent == 0 {
		cfg.MaxPerAgent = 3
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 8 * time.Hour
	}
	if cfg.CommandPerMin == 0 {
		cfg.CommandPerMin = 100
	}
	if cfg.ReplayWindow == 0 {
		cfg.ReplayWindow = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Validator{
		cfg:      cfg,
		secret:   []byte(secret),
		sessions: make(map[string]*Session),
		byAgent:  make(map[string][]string),
		seenMsgs: make(map[string]time.Time),
		logger:   cfg.Logger.With("component", "session"),
	}
}

// CreateSession mints a session bound to the agent and its connection
// attributes. Exceeding the per-agent cap evicts the oldest session.
func (v *Validator) CreateSession(agentID, ip, userAgent string) (*Session, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	sessionID := hex.EncodeToString(raw[:])
	now := time.Now()

	v.mu.Lock()
	defer v.mu.Unlock()

	for len(v.byAgent[agentID]) >= v.cfg.MaxPerAgent {
		oldest := v.byAgent[agentID][0]
		v.removeLocked(oldest, StateRevoked)
		v.logger.Info("evicted oldest session over cap", "agent", agentID, "session", oldest)
	}

	s := &Session{
		SessionID:    sessionID,
		AgentID:      agentID,
		CreatedAt:    now,
		LastActivity: now,
		IP:           ip,
		UserAgent:    userAgent,
		State:        StateActive,
	}
	s.SessionToken = v.mintToken(sessionID, agentID, now.Unix())
	v.sessions[sessionID] = s
	v.byAgent[agentID] = append(v.byAgent[agentID], sessionID)
	return s, nil
}

// mintToken builds "{session_id}:{agent_id}:{issued_ts}:{hmac_sha256}".
func (v *Validator) mintToken(sessionID, agentID string, issued int64) string {
	base := fmt.Sprintf("%s:%s:%d", sessionID, agentID, issued)
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(base))
	return base + ":" + hex.EncodeToString(mac.Sum(nil))
}

// ValidateSession verifies the token's HMAC in constant time, binds it to the
// claimed agent, enforces timeouts, and flags hijacking signals. A session
// flagged suspicious is rejected until cleared.
func (v *Validator) ValidateSession(token, agentID, ip, userAgent string) bool {
	parts := strings.Split(token, ":")
	if len(parts) != 4 {
		return false
	}
	sessionID, tokenAgent, tsStr, sig := parts[0], parts[1], parts[2], parts[3]
	issued, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return false
	}
	expected := v.mintToken(sessionID, tokenAgent, issued)
	expectedSig := expected[strings.LastIndexByte(expected, ':')+1:]
	if !hmac.Equal([]byte(expectedSig), []byte(sig)) {
		return false
	}
	if tokenAgent != agentID {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	s, ok := v.sessions[sessionID]
	if !ok || s.State != StateActive {
		return false
	}
	now := time.Now()
	if now.Sub(s.LastActivity) > v.cfg.Timeout {
		v.removeLocked(sessionID, StateExpired)
		return false
	}

	flags := s.SecurityFlags[:0]
	if s.IP != "" && ip != "" && s.IP != ip {
		flags = append(flags, "ip_change")
	}
	if s.UserAgent != "" && userAgent != "" && s.UserAgent != userAgent {
		flags = append(flags, "user_agent_change")
	}
	if now.Sub(s.CreatedAt) > v.cfg.MaxLifetime {
		flags = append(flags, "lifetime_exceeded")
	}
	s.CommandCount++
	elapsedMin := now.Sub(s.CreatedAt).Minutes()
	if elapsedMin >= 1 && float64(s.CommandCount)/elapsedMin > float64(v.cfg.CommandPerMin) {
		flags = append(flags, "command_rate")
	}
	s.SecurityFlags = flags
	if len(flags) > 0 {
		s.State = StateSuspicious
		v.logger.Warn("session flagged suspicious", "session", sessionID, "agent", agentID, "flags", flags)
		return false
	}

	s.LastActivity = now
	return true
}

// RevokeSession terminates a session with a reason.
func (v *Validator) RevokeSession(sessionID, reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.sessions[sessionID]; ok {
		v.removeLocked(sessionID, StateRevoked)
		v.logger.Info("session revoked", "session", sessionID, "reason", reason)
	}
}

// ClearSuspicion restores a suspicious session after operator review.
func (v *Validator) ClearSuspicion(sessionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.sessions[sessionID]; ok && s.State == StateSuspicious {
		s.State = StateActive
		s.SecurityFlags = nil
	}
}

// CleanupExpired drops sessions past the inactivity timeout and stale replay
// hashes. Returns sessions removed.
func (v *Validator) CleanupExpired() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := time.Now()
	removed := 0
	for id, s := range v.sessions {
		if now.Sub(s.LastActivity) > v.cfg.Timeout {
			v.removeLocked(id, StateExpired)
			removed++
		}
	}
	for hash, seen := range v.seenMsgs {
		if now.Sub(seen) > v.cfg.ReplayWindow {
			delete(v.seenMsgs, hash)
		}
	}
	return removed
}

// ValidateWebSocketURL rejects subscription URLs that smuggle a different
// agent identity or credentials in query parameters.
func (v *Validator) ValidateWebSocketURL(rawURL, agentID string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return false
	}
	q := u.Query()
	if claimed := q.Get("agent_id"); claimed != "" && claimed != agentID {
		v.logger.Warn("websocket url claims different agent", "url_agent", claimed, "agent", agentID)
		return false
	}
	for key := range q {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "token") || strings.Contains(lower, "secret") || strings.Contains(lower, "password") {
			return false
		}
	}
	return true
}

// ValidateMessage rejects a message whose (payload, agent) hash was already
// observed inside the replay window.
func (v *Validator) ValidateMessage(msg []byte, agentID string) bool {
	sum := sha256.New()
	sum.Write(msg)
	sum.Write([]byte(agentID))
	hash := hex.EncodeToString(sum.Sum(nil))

	v.mu.Lock()
	defer v.mu.Unlock()
	now := time.Now()
	if seen, ok := v.seenMsgs[hash]; ok && now.Sub(seen) <= v.cfg.ReplayWindow {
		v.logger.Warn("message replay rejected", "agent", agentID)
		return false
	}
	v.seenMsgs[hash] = now
	return true
}

// ActiveSessions lists an agent's sessions, oldest first.
func (v *Validator) ActiveSessions(agentID string) []*Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := v.byAgent[agentID]
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := v.sessions[id]; ok {
			copy := *s
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// removeLocked drops a session from both indices. Caller holds v.mu.
func (v *Validator) removeLocked(sessionID string, terminal State) {
	s, ok := v.sessions[sessionID]
	if !ok {
		return
	}
	s.State = terminal
	delete(v.sessions, sessionID)
	ids := v.byAgent[s.AgentID]
	for i, id := range ids {
		if id == sessionID {
			v.byAgent[s.AgentID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(v.byAgent[s.AgentID]) == 0 {
		delete(v.byAgent, s.AgentID)
	}
}

// RunCleanup sweeps expired sessions until ctx is done.
func (v *Validator) RunCleanup(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if removed := v.CleanupExpired(); removed > 0 {
				v.logger.Debug("session cleanup", "removed", removed)
			}
		}
	}
}
