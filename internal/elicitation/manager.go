package elicitation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tachyon-beep/lighthouse-sub001/internal/audit"
	"github.com/tachyon-beep/lighthouse-sub001/internal/eventstore"
	"github.com/tachyon-beep/lighthouse-sub001/internal/flags"
	"github.com/tachyon-beep/lighthouse-sub001/internal/monitoring"
	"github.com/tachyon-beep/lighthouse-sub001/internal/nonce"
	"github.com/tachyon-beep/lighthouse-sub001/internal/notify"
	"github.com/tachyon-beep/lighthouse-sub001/internal/ratelimit"
)

// SessionChecker validates a presented session token against the responder's
// identity and connection attributes.
type SessionChecker interface {
	ValidateSession(token, agentID, ip, userAgent string) bool
}

// Options wires the manager's collaborators. Store, Secret, Nonces, Limiter,
// Audit, and Hub are required; the rest are optional.
type Options struct {
	Store   *eventstore.Store
	Secret  []byte
	Nonces  nonce.Store
	Limiter *ratelimit.Limiter
	Audit   *audit.Logger
	Hub     *notify.Hub

	Sessions SessionChecker
	Flags    *flags.File
	Metrics  *monitoring.Metrics
	Logger   *slog.Logger

	// Coalescer, when set, batches request and response appends.
	Coalescer *Coalescer

	SnapshotDir    string
	DefaultTimeout time.Duration
	ExpirySweep    time.Duration
	SnapshotSweep  time.Duration
	MetricsSweep   time.Duration
	SnapshotEvery  int

	// VerifyOnRead re-checks request signatures on status reads. Signatures
	// are always verified when appended; this guards the projection itself.
	VerifyOnRead bool
}

// Manager drives the elicitation lifecycle over the event store. All state
// transitions are append-then-apply: the projection mutates only after the
// event is durable, so the in-memory view never runs ahead of the log.
type Manager struct {
	store   *eventstore.Store
	secret  []byte
	nonces  nonce.Store
	limiter *ratelimit.Limiter
	auditor *audit.Logger
	hub     *notify.Hub

	sessions  SessionChecker
	flags     *flags.File
	metrics   *monitoring.Metrics
	logger    *slog.Logger
	coalescer *Coalescer

	proj *Projection

	snapshotDir    string
	defaultTimeout time.Duration
	expirySweep    time.Duration
	snapshotSweep  time.Duration
	metricsSweep   time.Duration
	snapshotEvery  int
	verifyOnRead   bool

	// claimed serializes terminal transitions per id so concurrent accept and
	// cancel can never both append.
	claimMu sync.Mutex
	claimed map[string]bool

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewManager restores the projection (snapshot plus tail replay) and starts
// the background sweeps.
func NewManager(opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "elicitation")

	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.ExpirySweep <= 0 {
		opts.ExpirySweep = 10 * time.Second
	}
	if opts.SnapshotSweep <= 0 {
		opts.SnapshotSweep = 60 * time.Second
	}
	if opts.MetricsSweep <= 0 {
		opts.MetricsSweep = 30 * time.Second
	}
	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = 1000
	}

	proj, err := RestoreProjection(opts.SnapshotDir, opts.Store)
	if err != nil {
		return nil, err
	}
	logger.Info("projection restored",
		"active", proj.ActiveCount(),
		"completed", proj.CompletedCount(),
		"last_sequence", proj.LastSequence())

	m := &Manager{
		store:          opts.Store,
		secret:         opts.Secret,
		nonces:         opts.Nonces,
		limiter:        opts.Limiter,
		auditor:        opts.Audit,
		hub:            opts.Hub,
		sessions:       opts.Sessions,
		flags:          opts.Flags,
		metrics:        opts.Metrics,
		logger:         logger,
		coalescer:      opts.Coalescer,
		proj:           proj,
		snapshotDir:    opts.SnapshotDir,
		defaultTimeout: opts.DefaultTimeout,
		expirySweep:    opts.ExpirySweep,
		snapshotSweep:  opts.SnapshotSweep,
		metricsSweep:   opts.MetricsSweep,
		snapshotEvery:  opts.SnapshotEvery,
		verifyOnRead:   opts.VerifyOnRead,
		claimed:        make(map[string]bool),
		done:           make(chan struct{}),
	}

	// Fold persisted audit events into the live projection so the violation
	// counter matches what a rebuild sees in the log.
	if opts.Audit != nil {
		opts.Audit.SetPersistHook(proj.Apply)
	}

	m.wg.Add(3)
	go m.runExpirySweep()
	go m.runSnapshotSweep()
	go m.runMetricsSweep()
	return m, nil
}

// ============================================================================
// CREATE
// ============================================================================

// CreateElicitation signs and appends a new request addressed to toAgent and
// returns its id. The nonce is registered before the event is appended so a
// response can never race the request's replay guard.
func (m *Manager) CreateElicitation(ctx context.Context, fromAgent, toAgent, message string, schema map[string]interface{}, timeout time.Duration) (string, error) {
	started := time.Now()
	if m.closed.Load() {
		return "", newError(KindShutdown, "info", "manager is shut down")
	}
	if m.flags != nil && m.flags.EmergencyRollback() {
		return "", newError(KindUnauthorized, "high", "elicitation disabled by emergency rollback")
	}
	if fromAgent == "" || toAgent == "" {
		return "", newError(KindInvalidInput, "info", "from_agent and to_agent are required")
	}
	if len(fromAgent) > eventstore.MaxIDBytes || len(toAgent) > eventstore.MaxIDBytes {
		return "", newError(KindInvalidInput, "info", "agent id exceeds %d bytes", eventstore.MaxIDBytes)
	}
	if message == "" {
		return "", newError(KindInvalidInput, "info", "message is required")
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	if !m.limiter.Allow(fromAgent, ratelimit.KindRequest) {
		m.auditor.Record(audit.Entry{
			Type:     audit.ViolationRateLimitExceeded,
			Severity: audit.SeverityMedium,
			AgentID:  fromAgent,
			Details:  map[string]interface{}{"kind": "request"},
		})
		return "", newError(KindRateLimited, "medium", "request rate limit exceeded for %s", fromAgent)
	}

	id, err := NewElicitationID()
	if err != nil {
		return "", newError(KindInvalidInput, "high", "id generation failed").wrap(err)
	}
	n, err := m.freshNonce(ctx, id, timeout)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	r := &Request{
		ID:        id,
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Message:   message,
		Schema:    schema,
		Nonce:     n,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
		Status:    StatusPending,
	}
	sig, err := SignRequest(m.secret, r)
	if err != nil {
		return "", newError(KindInvalidInput, "high", "request signing failed").wrap(err)
	}
	r.RequestSignature = sig
	r.ExpectedResponseKey = ResponseKey(m.secret, id, toAgent, n)

	event := &eventstore.Event{
		EventType:     eventstore.EventTypeCustom,
		AggregateID:   id,
		AggregateType: "elicitation",
		Data: map[string]interface{}{
			"elicitation_type":      elicitRequest,
			"id":                    id,
			"from_agent":            fromAgent,
			"to_agent":              toAgent,
			"message":               message,
			"schema":                schema,
			"nonce":                 n,
			"request_signature":     r.RequestSignature,
			"expected_response_key": r.ExpectedResponseKey,
			"created_at_ns":         r.CreatedAt.UnixNano(),
			"expires_at_ns":         r.ExpiresAt.UnixNano(),
		},
		SourceAgent:     fromAgent,
		SourceComponent: "elicitation",
	}
	if err := m.append(event, fromAgent); err != nil {
		return "", m.mapStoreError(err, "append request")
	}
	m.proj.Apply(event)

	m.hub.Publish(toAgent, notify.Notification{Type: notify.TypeRequest, ElicitationID: id})
	m.observe("create_elicitation", started)
	m.count("elicitation_request")
	m.logger.Debug("elicitation created", "id", id, "from", fromAgent, "to", toAgent)
	return id, nil
}

// freshNonce mints and registers a nonce, retrying the negligible collision
// case against both the projection history and the nonce store.
func (m *Manager) freshNonce(ctx context.Context, id string, ttl time.Duration) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		n, err := NewNonce()
		if err != nil {
			return "", newError(KindNonceStoreFailure, "high", "nonce generation failed").wrap(err)
		}
		if m.proj.NonceSeen(n) {
			continue
		}
		err = m.nonces.StoreNonce(ctx, n, id, ttl)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, nonce.ErrDuplicate) {
			continue
		}
		return "", newError(KindNonceStoreFailure, "high", "nonce store unavailable").wrap(err)
	}
	return "", newError(KindNonceStoreFailure, "high", "could not mint a unique nonce")
}

// ============================================================================
// RESPOND
// ============================================================================

// RespondParams carries one accept, decline, or cancel attempt.
type RespondParams struct {
	ElicitationID string
	AgentID       string
	Type          ResponseType
	Data          map[string]interface{}
	SessionToken  string
	IP            string
	UserAgent     string
}

// RespondToElicitation applies a terminal transition. Every rejection path is
// audited before the error returns; the projection changes only when the
// terminal event is durable.
func (m *Manager) RespondToElicitation(ctx context.Context, p RespondParams) error {
	started := time.Now()
	if m.closed.Load() {
		return newError(KindShutdown, "info", "manager is shut down")
	}
	if p.AgentID == "" || p.ElicitationID == "" {
		return newError(KindInvalidInput, "info", "agent id and elicitation id are required")
	}
	switch p.Type {
	case ResponseAccept, ResponseDecline, ResponseCancel:
	default:
		return newError(KindInvalidInput, "info", "unknown response type %q", p.Type)
	}

	if !m.limiter.Allow(p.AgentID, ratelimit.KindResponse) {
		m.auditor.Record(audit.Entry{
			Type:          audit.ViolationRateLimitExceeded,
			Severity:      audit.SeverityMedium,
			AgentID:       p.AgentID,
			ElicitationID: p.ElicitationID,
			Details:       map[string]interface{}{"kind": "response"},
		})
		return newError(KindRateLimited, "medium", "response rate limit exceeded for %s", p.AgentID)
	}

	r, active, ok := m.proj.Get(p.ElicitationID)
	if !ok {
		m.auditor.Record(audit.Entry{
			Type:          audit.ViolationNotFound,
			Severity:      audit.SeverityHigh,
			AgentID:       p.AgentID,
			ElicitationID: p.ElicitationID,
		})
		return newError(KindNotFound, "high", "elicitation %s not found", p.ElicitationID)
	}

	// Authorization before state checks: probing a completed elicitation from
	// the wrong agent is still a violation.
	if p.Type == ResponseCancel {
		if p.AgentID != r.FromAgent {
			m.auditor.Record(audit.Entry{
				Type:          audit.ViolationUnauthorizedCancel,
				Severity:      audit.SeverityHigh,
				AgentID:       p.AgentID,
				ElicitationID: p.ElicitationID,
				Details:       map[string]interface{}{"requester": r.FromAgent},
			})
			return newError(KindUnauthorizedCancel, "high", "only %s may cancel %s", r.FromAgent, p.ElicitationID)
		}
	} else if p.AgentID != r.ToAgent {
		m.auditor.Record(audit.Entry{
			Type:          audit.ViolationUnauthorizedResponse,
			Severity:      audit.SeverityCritical,
			AgentID:       p.AgentID,
			ElicitationID: p.ElicitationID,
			Details:       map[string]interface{}{"addressed": r.ToAgent},
		})
		return newError(KindUnauthorizedResponse, "critical", "%s is not the addressed responder for %s", p.AgentID, p.ElicitationID)
	}

	if !active {
		if r.Status == StatusExpired {
			return newError(KindExpired, "info", "elicitation %s expired", p.ElicitationID)
		}
		// Terminal ids report not_found: a resolved elicitation is
		// indistinguishable from an unknown one to a late responder.
		return newError(KindNotFound, "info", "elicitation %s not found", p.ElicitationID)
	}
	now := time.Now().UTC()
	if now.After(r.ExpiresAt) {
		m.expireOne(p.ElicitationID, now)
		return newError(KindExpired, "info", "elicitation %s expired", p.ElicitationID)
	}

	if m.sessions != nil && p.Type != ResponseCancel {
		if !m.sessions.ValidateSession(p.SessionToken, p.AgentID, p.IP, p.UserAgent) {
			m.auditor.Record(audit.Entry{
				Type:          audit.ViolationInvalidSession,
				Severity:      audit.SeverityHigh,
				AgentID:       p.AgentID,
				ElicitationID: p.ElicitationID,
			})
			return newError(KindUnauthorized, "high", "invalid session for %s", p.AgentID)
		}
	}

	// Schema check precedes nonce consumption so a malformed accept can be
	// retried instead of burning the nonce.
	if p.Type == ResponseAccept {
		if err := validateResponseData(r.Schema, p.Data); err != nil {
			return err
		}
	}

	// Cancel never consumes the nonce; the terminal status alone blocks any
	// later response, and the nonce stays burned in the projection history.
	if p.Type != ResponseCancel {
		if err := m.nonces.ConsumeNonce(ctx, r.Nonce); err != nil {
			if errors.Is(err, nonce.ErrConsumed) || errors.Is(err, nonce.ErrUnknown) {
				m.auditor.Record(audit.Entry{
					Type:          audit.ViolationReplayPrevented,
					Severity:      audit.SeverityCritical,
					AgentID:       p.AgentID,
					ElicitationID: p.ElicitationID,
				})
				m.count("replay_attempt")
				return newError(KindReplayAttack, "critical", "nonce already consumed for %s", p.ElicitationID)
			}
			return newError(KindNonceStoreFailure, "high", "nonce store unavailable").wrap(err)
		}
	}

	if !m.claim(p.ElicitationID) {
		return newError(KindInvalidInput, "info", "response for %s already in flight", p.ElicitationID)
	}
	defer m.unclaim(p.ElicitationID)

	// Re-check under the claim: a cancel or expiry that won the race has
	// already appended the terminal event for this id.
	if _, stillActive, ok := m.proj.Get(p.ElicitationID); !ok || !stillActive {
		return newError(KindNotFound, "info", "elicitation %s not found", p.ElicitationID)
	}

	sig, err := SignResponse(r.ExpectedResponseKey, p.ElicitationID, p.AgentID, p.Type, p.Data, r.Nonce, now)
	if err != nil {
		return newError(KindInvalidInput, "high", "response signing failed").wrap(err)
	}

	event := &eventstore.Event{
		EventType:     eventstore.EventTypeCustom,
		AggregateID:   p.ElicitationID,
		AggregateType: "elicitation",
		Data: map[string]interface{}{
			"elicitation_type":   terminalSubtype(p.Type),
			"id":                 p.ElicitationID,
			"responder":          p.AgentID,
			"response_type":      string(p.Type),
			"response_data":      p.Data,
			"response_signature": sig,
			"nonce":              r.Nonce,
			"responded_at_ns":    now.UnixNano(),
		},
		SourceAgent:     p.AgentID,
		SourceComponent: "elicitation",
	}
	if err := m.append(event, p.AgentID); err != nil {
		return m.mapStoreError(err, "append response")
	}
	m.proj.Apply(event)

	m.hub.Publish(r.FromAgent, notify.Notification{Type: notify.TypeResponse, ElicitationID: p.ElicitationID})
	m.observe("respond_elicitation", started)
	m.count("elicitation_" + string(p.Type))
	m.logger.Debug("elicitation resolved", "id", p.ElicitationID, "type", p.Type, "by", p.AgentID)
	return nil
}

func terminalSubtype(t ResponseType) string {
	switch t {
	case ResponseAccept:
		return elicitAccept
	case ResponseDecline:
		return elicitDecline
	default:
		return elicitCancel
	}
}

// ============================================================================
// READS
// ============================================================================

// GetPending lists the sanitized pending requests addressed to an agent.
func (m *Manager) GetPending(agentID string) []SafeView {
	return m.proj.PendingFor(agentID)
}

// Status reports the lifecycle position of one elicitation.
func (m *Manager) Status(id string) (StatusInfo, error) {
	r, active, ok := m.proj.Get(id)
	if !ok {
		return StatusInfo{}, newError(KindNotFound, "info", "elicitation %s not found", id)
	}
	if m.verifyOnRead && !VerifyRequestSignature(m.secret, r) {
		m.auditor.Record(audit.Entry{
			Type:          "PROJECTION_SIGNATURE_MISMATCH",
			Severity:      audit.SeverityCritical,
			ElicitationID: id,
		})
		return StatusInfo{}, newError(KindInvalidInput, "critical", "request signature mismatch for %s", id)
	}
	info := StatusInfo{Status: r.Status, CreatedAt: r.CreatedAt}
	if active {
		exp := r.ExpiresAt
		info.ExpiresAt = &exp
	} else if !r.RespondedAt.IsZero() {
		at := r.RespondedAt
		info.RespondedAt = &at
	}
	return info, nil
}

// Subscribe opens a notification stream for an agent.
func (m *Manager) Subscribe(agentID string) (<-chan notify.Notification, func()) {
	return m.hub.Subscribe(agentID)
}

// Stats is the manager's operational snapshot.
type Stats struct {
	Active          int    `json:"active"`
	Completed       int    `json:"completed"`
	TotalRequests   uint64 `json:"total_requests"`
	TotalResponses  uint64 `json:"total_responses"`
	TotalTimeouts   uint64 `json:"total_timeouts"`
	TotalViolations uint64 `json:"total_violations"`
	LastSequence    uint64 `json:"last_sequence"`
}

func (m *Manager) Stats() Stats {
	req, resp, to, viol := m.proj.Totals()
	return Stats{
		Active:          m.proj.ActiveCount(),
		Completed:       m.proj.CompletedCount(),
		TotalRequests:   req,
		TotalResponses:  resp,
		TotalTimeouts:   to,
		TotalViolations: viol,
		LastSequence:    m.proj.LastSequence(),
	}
}

// Projection exposes the materialized view for replay tooling and tests.
func (m *Manager) Projection() *Projection { return m.proj }

// ============================================================================
// SWEEPS
// ============================================================================

func (m *Manager) runExpirySweep() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.expirySweep)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			for _, id := range m.proj.ExpiredBefore(now.UTC()) {
				m.expireOne(id, now.UTC())
			}
		}
	}
}

// expireOne appends the expiry terminal for an overdue request. Losing the
// claim race to a concurrent responder is fine; the projection check after
// claiming catches it.
func (m *Manager) expireOne(id string, now time.Time) {
	if !m.claim(id) {
		return
	}
	defer m.unclaim(id)
	r, active, ok := m.proj.Get(id)
	if !ok || !active {
		return
	}
	event := &eventstore.Event{
		EventType:     eventstore.EventTypeCustom,
		AggregateID:   id,
		AggregateType: "elicitation",
		Data: map[string]interface{}{
			"elicitation_type": elicitExpire,
			"id":               id,
			"responded_at_ns":  now.UnixNano(),
		},
		SourceComponent: "elicitation",
	}
	if err := m.store.Append(event, ""); err != nil {
		m.logger.Error("expiry append failed", "id", id, "error", err)
		return
	}
	m.proj.Apply(event)
	m.hub.Publish(r.FromAgent, notify.Notification{Type: notify.TypeResponse, ElicitationID: id})
	m.count("elicitation_expired")
}

func (m *Manager) runSnapshotSweep() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.snapshotSweep)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if m.proj.sinceSnapshot() < m.snapshotEvery {
				continue
			}
			m.writeSnapshot()
		}
	}
}

func (m *Manager) writeSnapshot() {
	seq, err := WriteSnapshot(m.snapshotDir, m.proj)
	if err != nil {
		m.logger.Error("snapshot failed", "error", err)
		return
	}
	m.logger.Info("snapshot written", "sequence", seq)
	m.count("snapshot_written")
}

func (m *Manager) runMetricsSweep() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.metricsSweep)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if m.metrics == nil {
				continue
			}
			m.metrics.Trim(time.Hour)
			m.metrics.SetGauge("active_elicitations", float64(m.proj.ActiveCount()))
			m.metrics.SetGauge("completed_elicitations", float64(m.proj.CompletedCount()))
			m.metrics.SetGauge("audit_window_drops", float64(m.auditor.Dropped()))
		}
	}
}

// Close stops the sweeps and writes a final snapshot.
func (m *Manager) Close(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}
	close(m.done)
	m.wg.Wait()
	m.writeSnapshot()
	return nil
}

// ============================================================================
// INTERNAL
// ============================================================================

func (m *Manager) append(event *eventstore.Event, agentID string) error {
	if m.coalescer != nil {
		return m.coalescer.Append(event, agentID)
	}
	return m.store.Append(event, agentID)
}

func (m *Manager) claim(id string) bool {
	m.claimMu.Lock()
	defer m.claimMu.Unlock()
	if m.claimed[id] {
		return false
	}
	m.claimed[id] = true
	return true
}

func (m *Manager) unclaim(id string) {
	m.claimMu.Lock()
	delete(m.claimed, id)
	m.claimMu.Unlock()
}

func (m *Manager) mapStoreError(err error, op string) error {
	switch eventstore.KindOf(err) {
	case eventstore.KindAuth:
		return newError(KindUnauthorized, "high", "%s: not permitted", op).wrap(err)
	case eventstore.KindShutdown:
		return newError(KindShutdown, "info", "%s: store is closed", op).wrap(err)
	default:
		return newError(KindInvalidInput, "high", "%s failed", op).wrap(err)
	}
}

func (m *Manager) observe(op string, started time.Time) {
	if m.metrics != nil {
		m.metrics.Observe(op, time.Since(started))
	}
}

func (m *Manager) count(kind string) {
	if m.metrics != nil {
		m.metrics.Count(kind)
	}
}
