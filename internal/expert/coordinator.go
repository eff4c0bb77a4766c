// Package expert hosts the expert coordination front end: challenge-based
// registration, capability-matched command delegation, and time-bounded
// collaboration sessions.
package expert

import (
	"crypto/hmac"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tachyon-beep/lighthouse-sub001/internal/audit"
	"github.com/tachyon-beep/lighthouse-sub001/internal/eventstore"
	"github.com/tachyon-beep/lighthouse-sub001/internal/identity"
)

// Status of a registered expert.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
	StatusSuspended Status = "suspended"
)

// Expert is one registered expert agent.
type Expert struct {
	AgentID             string
	Identity            *identity.Identity
	Capabilities        map[string]bool
	Status              Status
	AuthToken           string
	SessionKey          string
	LastHeartbeat       time.Time
	CommandsCompleted   int64
	AverageResponseTime float64 // seconds
	SuccessRate         float64
	CurrentContexts     map[string]bool // in-flight delegation ids
	Sessions            map[string]bool // collaboration session ids
}

// Delegation records one routed command.
type Delegation struct {
	ID             string
	RequesterID    string
	ExpertID       string
	CommandType    string
	CommandData    map[string]interface{}
	RequiredCaps   []string
	TimeoutSeconds int
	CreatedAt      time.Time
	CompletedAt    time.Time
	Succeeded      bool
	Done           bool
}

// Session is a collaboration workspace. Participants and channels are held
// here; experts hold only session ids, so the many-to-many relation resolves
// through the two indices without back-references.
type Session struct {
	ID            string
	CoordinatorID string
	Participants  map[string]bool
	Channels      map[string]string // participant -> opaque channel id
	Context       map[string]interface{}
	StartedAt     time.Time
	LastActivity  time.Time
}

// Config tunes the coordinator's background behavior.
type Config struct {
	HeartbeatStale time.Duration // default 10m
	SessionIdleMax time.Duration // default 24h
	StatsRefresh   time.Duration // default 30s
	RegisterPerMin int           // default 60
}

// Coordinator owns the expert registry. One RWMutex covers experts,
// delegations, and sessions; every operation is a short critical section.
type Coordinator struct {
	registry *identity.Registry
	store    *eventstore.Store
	auditor  *audit.Logger
	logger   *slog.Logger
	cfg      Config

	mu          sync.RWMutex
	experts     map[string]*Expert
	delegations map[string]*Delegation
	sessions    map[string]*Session

	limitMu   sync.Mutex
	regLimits map[string]*rate.Limiter

	done chan struct{}
	wg   sync.WaitGroup
}

// NewCoordinator starts the heartbeat monitor, session cleanup, and stats
// refresh loops.
func NewCoordinator(registry *identity.Registry, store *eventstore.Store, auditor *audit.Logger, logger *slog.Logger, cfg Config) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatStale <= 0 {
		cfg.HeartbeatStale = 10 * time.Minute
	}
	if cfg.SessionIdleMax <= 0 {
		cfg.SessionIdleMax = 24 * time.Hour
	}
	if cfg.StatsRefresh <= 0 {
		cfg.StatsRefresh = 30 * time.Second
	}
	if cfg.RegisterPerMin <= 0 {
		cfg.RegisterPerMin = 60
	}
	c := &Coordinator{
		registry:    registry,
		store:       store,
		auditor:     auditor,
		logger:      logger.With("component", "expert"),
		cfg:         cfg,
		experts:     make(map[string]*Expert),
		delegations: make(map[string]*Delegation),
		sessions:    make(map[string]*Session),
		regLimits:   make(map[string]*rate.Limiter),
		done:        make(chan struct{}),
	}
	c.wg.Add(3)
	go c.runHeartbeatMonitor()
	go c.runSessionCleanup()
	go c.runStatsRefresh()
	return c
}

// ============================================================================
// REGISTRATION & AUTHENTICATION
// ============================================================================

// RegisterExpert verifies the time-based challenge and admits the expert.
// Registration is all-or-nothing; a failure leaves no trace in the registry.
func (c *Coordinator) RegisterExpert(agentID string, capabilities []string, authChallenge string) (string, error) {
	if agentID == "" {
		return "", c.fail("", "", "registration without agent id")
	}
	if !c.registerAllowed(agentID) {
		return "", c.fail(agentID, audit.ViolationRateLimitExceeded, "registration rate exceeded")
	}
	if !c.registry.VerifyChallenge(agentID, authChallenge) {
		return "", c.fail(agentID, "EXPERT_CHALLENGE_REJECTED", "invalid registration challenge")
	}

	ident, err := c.registry.Authenticate(agentID, identity.RoleExpertAgent, 0)
	if err != nil {
		return "", c.fail(agentID, "EXPERT_CHALLENGE_REJECTED", "identity authentication failed: %v", err)
	}
	for _, p := range []identity.Permission{identity.PermExpertCoord, identity.PermCommandExecution} {
		if !ident.HasPermission(p) {
			c.registry.Revoke(agentID)
			return "", c.fail(agentID, "EXPERT_PERMISSION_DENIED", "missing permission %s", p)
		}
	}

	token := c.registry.MintToken(agentID)
	caps := make(map[string]bool, len(capabilities))
	for _, name := range capabilities {
		caps[name] = true
	}
	e := &Expert{
		AgentID:         agentID,
		Identity:        ident,
		Capabilities:    caps,
		Status:          StatusAvailable,
		AuthToken:       token,
		SessionKey:      uuid.NewString(),
		LastHeartbeat:   time.Now().UTC(),
		SuccessRate:     1.0,
		CurrentContexts: make(map[string]bool),
		Sessions:        make(map[string]bool),
	}

	c.mu.Lock()
	c.experts[agentID] = e
	c.mu.Unlock()

	c.appendEvent(&eventstore.Event{
		EventType:     eventstore.EventAgentRegistered,
		AggregateID:   agentID,
		AggregateType: "expert",
		Data: map[string]interface{}{
			"agent_id":     agentID,
			"capabilities": stringList(capabilities),
		},
		SourceComponent: "expert",
	})
	c.logger.Info("expert registered", "agent", agentID, "capabilities", len(capabilities))
	return token, nil
}

// AuthenticateExpert resolves a token to its expert and refreshes the
// heartbeat. The scan compares every token in constant time rather than
// indexing by token value.
func (c *Coordinator) AuthenticateExpert(authToken string) *Expert {
	c.mu.Lock()
	defer c.mu.Unlock()
	var found *Expert
	for _, e := range c.experts {
		if hmac.Equal([]byte(e.AuthToken), []byte(authToken)) {
			found = e
		}
	}
	if found == nil || found.Status == StatusSuspended {
		return nil
	}
	found.LastHeartbeat = time.Now().UTC()
	out := *found
	return &out
}

// Heartbeat refreshes liveness and revives an offline expert.
func (c *Coordinator) Heartbeat(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.experts[agentID]
	if !ok {
		return false
	}
	e.LastHeartbeat = time.Now().UTC()
	if e.Status == StatusOffline {
		e.Status = StatusAvailable
	}
	return true
}

// ============================================================================
// DELEGATION
// ============================================================================

// DelegateCommand routes a command to the best available expert whose
// capability set covers the requirement. Ties break lexicographically by
// agent id so replayed selections are deterministic.
func (c *Coordinator) DelegateCommand(requesterToken, commandType string, commandData map[string]interface{}, requiredCaps []string, timeoutSeconds int) (string, error) {
	requester := c.AuthenticateExpert(requesterToken)
	if requester == nil {
		return "", c.fail("", "EXPERT_AUTH_FAILED", "delegation with invalid token")
	}
	if err := checkCommandSecurity(commandType, commandData); err != nil {
		return "", c.fail(requester.AgentID, "COMMAND_SECURITY_REJECTED", "command rejected: %v", err)
	}
	if !requesterMayDelegate(requester, commandType) {
		return "", c.fail(requester.AgentID, "COMMAND_SECURITY_REJECTED", "requester lacks capability for %s", commandType)
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 300
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	chosen := c.selectExpertLocked(requester.AgentID, requiredCaps)
	if chosen == nil {
		return "", c.fail(requester.AgentID, "NO_CAPABLE_EXPERT", "no available expert covers %v", requiredCaps)
	}

	d := &Delegation{
		ID:             "delegation_" + uuid.NewString(),
		RequesterID:    requester.AgentID,
		ExpertID:       chosen.AgentID,
		CommandType:    commandType,
		CommandData:    commandData,
		RequiredCaps:   append([]string(nil), requiredCaps...),
		TimeoutSeconds: timeoutSeconds,
		CreatedAt:      time.Now().UTC(),
	}
	chosen.Status = StatusBusy
	chosen.CurrentContexts[d.ID] = true
	c.delegations[d.ID] = d

	c.appendEvent(&eventstore.Event{
		EventType:     eventstore.EventCommandDelegated,
		AggregateID:   d.ID,
		AggregateType: "delegation",
		Data: map[string]interface{}{
			"delegation_id": d.ID,
			"requester":     d.RequesterID,
			"expert":        d.ExpertID,
			"command_type":  commandType,
			"timeout_secs":  timeoutSeconds,
		},
		SourceAgent:     d.RequesterID,
		SourceComponent: "expert",
	})
	c.logger.Info("command delegated", "id", d.ID, "expert", d.ExpertID, "type", commandType)
	return d.ID, nil
}

// selectExpertLocked scores available experts with a covering capability set:
// 0.4*success_rate + 0.3*(1/avg_response_time) + 0.3*(1/(contexts+1)).
func (c *Coordinator) selectExpertLocked(requesterID string, requiredCaps []string) *Expert {
	var candidates []*Expert
	for _, e := range c.experts {
		if e.AgentID == requesterID || e.Status != StatusAvailable {
			continue
		}
		if covers(e.Capabilities, requiredCaps) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := score(candidates[i]), score(candidates[j])
		if si != sj {
			return si > sj
		}
		return candidates[i].AgentID < candidates[j].AgentID
	})
	return candidates[0]
}

func covers(have map[string]bool, need []string) bool {
	for _, name := range need {
		if !have[name] {
			return false
		}
	}
	return true
}

func score(e *Expert) float64 {
	rt := e.AverageResponseTime
	if rt <= 0 {
		rt = 1.0
	}
	return 0.4*e.SuccessRate + 0.3*(1.0/rt) + 0.3*(1.0/float64(len(e.CurrentContexts)+1))
}

// CompleteDelegation closes a delegation, updates the expert's rolling stats,
// and frees it when no other context remains.
func (c *Coordinator) CompleteDelegation(delegationID string, succeeded bool, responseTime time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.delegations[delegationID]
	if !ok || d.Done {
		return fmt.Errorf("expert: unknown or finished delegation %s", delegationID)
	}
	d.Done = true
	d.Succeeded = succeeded
	d.CompletedAt = time.Now().UTC()

	if e, ok := c.experts[d.ExpertID]; ok {
		delete(e.CurrentContexts, delegationID)
		n := float64(e.CommandsCompleted)
		outcome := 0.0
		if succeeded {
			outcome = 1.0
		}
		e.SuccessRate = (e.SuccessRate*n + outcome) / (n + 1)
		e.AverageResponseTime = (e.AverageResponseTime*n + responseTime.Seconds()) / (n + 1)
		e.CommandsCompleted++
		if len(e.CurrentContexts) == 0 && e.Status == StatusBusy {
			e.Status = StatusAvailable
		}
	}

	c.appendEvent(&eventstore.Event{
		EventType:     eventstore.EventCommandCompleted,
		AggregateID:   delegationID,
		AggregateType: "delegation",
		Data: map[string]interface{}{
			"delegation_id":    delegationID,
			"succeeded":        succeeded,
			"response_time_ms": responseTime.Milliseconds(),
		},
		SourceComponent: "expert",
	})
	return nil
}

// ============================================================================
// COLLABORATION SESSIONS
// ============================================================================

// StartCollaborationSession opens a workspace for the participants and
// allocates one opaque channel per participant. All participants must be
// registered and available; otherwise nothing is allocated.
func (c *Coordinator) StartCollaborationSession(coordinatorToken string, participantIDs []string, context map[string]interface{}) (string, error) {
	coordinator := c.AuthenticateExpert(coordinatorToken)
	if coordinator == nil {
		return "", c.fail("", "EXPERT_AUTH_FAILED", "session start with invalid token")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range participantIDs {
		e, ok := c.experts[id]
		if !ok {
			return "", c.fail(coordinator.AgentID, "SESSION_PARTICIPANT_REJECTED", "participant %s not registered", id)
		}
		if e.Status != StatusAvailable && e.Status != StatusBusy {
			return "", c.fail(coordinator.AgentID, "SESSION_PARTICIPANT_REJECTED", "participant %s is %s", id, e.Status)
		}
	}

	now := time.Now().UTC()
	s := &Session{
		ID:            "collab_" + uuid.NewString(),
		CoordinatorID: coordinator.AgentID,
		Participants:  make(map[string]bool, len(participantIDs)),
		Channels:      make(map[string]string, len(participantIDs)),
		Context:       context,
		StartedAt:     now,
		LastActivity:  now,
	}
	for _, id := range participantIDs {
		s.Participants[id] = true
		s.Channels[id] = "channel_" + uuid.NewString()
		c.experts[id].Sessions[s.ID] = true
	}
	c.sessions[s.ID] = s

	c.appendEvent(&eventstore.Event{
		EventType:     eventstore.EventSessionStarted,
		AggregateID:   s.ID,
		AggregateType: "collaboration",
		Data: map[string]interface{}{
			"session_id":   s.ID,
			"coordinator":  s.CoordinatorID,
			"participants": stringList(participantIDs),
		},
		SourceAgent:     s.CoordinatorID,
		SourceComponent: "expert",
	})
	c.logger.Info("collaboration session started", "id", s.ID, "participants", len(participantIDs))
	return s.ID, nil
}

// EndCollaborationSession tears down a session and releases participants
// whose only active session it was.
func (c *Coordinator) EndCollaborationSession(sessionID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endSessionLocked(sessionID, reason)
}

func (c *Coordinator) endSessionLocked(sessionID, reason string) error {
	s, ok := c.sessions[sessionID]
	if !ok {
		return fmt.Errorf("expert: unknown session %s", sessionID)
	}
	delete(c.sessions, sessionID)
	for id := range s.Participants {
		if e, ok := c.experts[id]; ok {
			delete(e.Sessions, sessionID)
		}
	}

	c.appendEvent(&eventstore.Event{
		EventType:     eventstore.EventSessionEnded,
		AggregateID:   sessionID,
		AggregateType: "collaboration",
		Data: map[string]interface{}{
			"session_id": sessionID,
			"reason":     reason,
		},
		SourceComponent: "expert",
	})
	c.logger.Info("collaboration session ended", "id", sessionID, "reason", reason)
	return nil
}

// SessionChannel resolves the opaque channel id for a participant.
func (c *Coordinator) SessionChannel(sessionID, participantID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return "", false
	}
	ch, ok := s.Channels[participantID]
	return ch, ok
}

// ============================================================================
// BACKGROUND LOOPS
// ============================================================================

func (c *Coordinator) runHeartbeatMonitor() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.disconnectStale(now.UTC())
		}
	}
}

func (c *Coordinator) disconnectStale(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.experts {
		if e.Status == StatusOffline || e.Status == StatusSuspended {
			continue
		}
		if now.Sub(e.LastHeartbeat) <= c.cfg.HeartbeatStale {
			continue
		}
		e.Status = StatusOffline
		for sid := range e.Sessions {
			if err := c.endSessionLocked(sid, "participant heartbeat stale"); err != nil {
				c.logger.Warn("stale session teardown failed", "session", sid, "error", err)
			}
		}
		c.logger.Warn("expert marked offline", "agent", e.AgentID, "last_heartbeat", e.LastHeartbeat)
	}
}

func (c *Coordinator) runSessionCleanup() {
	defer c.wg.Done()
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for id, s := range c.sessions {
				if now.UTC().Sub(s.LastActivity) > c.cfg.SessionIdleMax {
					_ = c.endSessionLocked(id, "idle beyond limit")
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *Coordinator) runStatsRefresh() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.StatsRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.logStats()
		}
	}
}

func (c *Coordinator) logStats() {
	c.mu.RLock()
	available, busy, offline := 0, 0, 0
	for _, e := range c.experts {
		switch e.Status {
		case StatusAvailable:
			available++
		case StatusBusy:
			busy++
		case StatusOffline:
			offline++
		}
	}
	sessions := len(c.sessions)
	c.mu.RUnlock()
	c.logger.Debug("expert stats",
		"available", available, "busy", busy, "offline", offline, "sessions", sessions)
}

// Close stops the background loops.
func (c *Coordinator) Close() {
	select {
	case <-c.done:
		return
	default:
	}
	close(c.done)
	c.wg.Wait()
}

// ============================================================================
// INTERNAL
// ============================================================================

func (c *Coordinator) registerAllowed(agentID string) bool {
	c.limitMu.Lock()
	lim, ok := c.regLimits[agentID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.cfg.RegisterPerMin)), c.cfg.RegisterPerMin)
		c.regLimits[agentID] = lim
	}
	c.limitMu.Unlock()
	return lim.Allow()
}

// fail audits and wraps one failure path. Every rejection leaves a record.
func (c *Coordinator) fail(agentID, violation, format string, args ...interface{}) error {
	reason := fmt.Sprintf(format, args...)
	if c.auditor != nil && violation != "" {
		c.auditor.Record(audit.Entry{
			Type:     violation,
			Severity: audit.SeverityHigh,
			AgentID:  agentID,
			Details:  map[string]interface{}{"reason": reason},
		})
	}
	return fmt.Errorf("expert: %s", reason)
}

// stringList widens a string slice for event payload validation, which only
// admits []interface{} lists.
func stringList(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func (c *Coordinator) appendEvent(e *eventstore.Event) {
	if c.store == nil {
		return
	}
	if err := c.store.Append(e, ""); err != nil {
		c.logger.Error("event append failed", "type", e.EventType, "error", err)
	}
}
