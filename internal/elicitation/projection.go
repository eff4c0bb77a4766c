package elicitation

import (
	"sync"
	"time"

	"github.com/tachyon-beep/lighthouse-sub001/internal/eventstore"
)

// ResponseKeyEntry indexes the credential material for an active request.
type ResponseKeyEntry struct {
	Key     string `codec:"key"`
	ToAgent string `codec:"to_agent"`
	Nonce   string `codec:"nonce"`
}

// State is the materialized view of the elicitation log. It is a pure
// function of the events applied to it: rebuilding from the log yields a
// byte-equal canonical serialization.
type State struct {
	Active       map[string]*Request          `codec:"active_elicitations"`
	Completed    map[string]*Request          `codec:"completed_elicitations"`
	ByTarget     map[string]map[string]bool   `codec:"by_target_agent"`
	BySource     map[string]map[string]bool   `codec:"by_source_agent"`
	NoncesUsed   map[string]bool              `codec:"nonces_used"`
	ResponseKeys map[string]*ResponseKeyEntry `codec:"response_keys"`

	TotalRequests   uint64 `codec:"total_requests"`
	TotalResponses  uint64 `codec:"total_responses"`
	TotalTimeouts   uint64 `codec:"total_timeouts"`
	TotalViolations uint64 `codec:"total_violations"`

	LastSequence     uint64 `codec:"last_sequence"`
	SnapshotSequence uint64 `codec:"snapshot_sequence"`
}

func NewState() *State {
	return &State{
		Active:       make(map[string]*Request),
		Completed:    make(map[string]*Request),
		ByTarget:     make(map[string]map[string]bool),
		BySource:     make(map[string]map[string]bool),
		NoncesUsed:   make(map[string]bool),
		ResponseKeys: make(map[string]*ResponseKeyEntry),
	}
}

// Projection wraps State with the short critical section the manager uses
// after each successful append. Readers see pre- or post-update state, never
// torn state.
type Projection struct {
	mu    sync.RWMutex
	state *State

	// eventsSinceSnapshot drives the snapshot sweep; it is bookkeeping, not
	// part of the canonical state.
	eventsSinceSnapshot int
}

func NewProjection() *Projection {
	return &Projection{state: NewState()}
}

// Apply folds one event into the state. Only elicitation sub-type events and
// security violations are relevant; everything else in a mixed log is ignored
// entirely, so the fold yields the same state whether events arrive live or
// through a rebuild that also walks unrelated log entries.
func (p *Projection) Apply(e *eventstore.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	relevant := false
	switch e.EventType {
	case eventstore.EventSecurityViolation:
		p.state.TotalViolations++
		relevant = true
	case eventstore.EventTypeCustom:
		switch subtype, _ := e.Data["elicitation_type"].(string); subtype {
		case elicitRequest:
			relevant = p.applyRequest(e)
		case elicitAccept:
			relevant = p.applyTerminal(e, StatusAccepted)
		case elicitDecline:
			relevant = p.applyTerminal(e, StatusDeclined)
		case elicitCancel:
			relevant = p.applyTerminal(e, StatusCancelled)
		case elicitExpire:
			relevant = p.applyTerminal(e, StatusExpired)
		}
	}
	if !relevant {
		return
	}
	if e.Sequence > p.state.LastSequence {
		p.state.LastSequence = e.Sequence
	}
	p.eventsSinceSnapshot++
}

func (p *Projection) applyRequest(e *eventstore.Event) bool {
	d := e.Data
	id := asString(d["id"])
	if id == "" || p.state.Active[id] != nil || p.state.Completed[id] != nil {
		return false
	}
	r := &Request{
		ID:                  id,
		FromAgent:           asString(d["from_agent"]),
		ToAgent:             asString(d["to_agent"]),
		Message:             asString(d["message"]),
		Schema:              asMap(d["schema"]),
		Nonce:               asString(d["nonce"]),
		RequestSignature:    asString(d["request_signature"]),
		ExpectedResponseKey: asString(d["expected_response_key"]),
		CreatedAt:           time.Unix(0, asInt64(d["created_at_ns"])).UTC(),
		ExpiresAt:           time.Unix(0, asInt64(d["expires_at_ns"])).UTC(),
		Status:              StatusPending,
	}
	p.state.Active[id] = r
	addToSet(p.state.ByTarget, r.ToAgent, id)
	addToSet(p.state.BySource, r.FromAgent, id)
	p.state.NoncesUsed[r.Nonce] = true
	p.state.ResponseKeys[id] = &ResponseKeyEntry{
		Key:     r.ExpectedResponseKey,
		ToAgent: r.ToAgent,
		Nonce:   r.Nonce,
	}
	p.state.TotalRequests++
	return true
}

func (p *Projection) applyTerminal(e *eventstore.Event, terminal Status) bool {
	id := asString(e.Data["id"])
	r, ok := p.state.Active[id]
	if !ok {
		// Terminal events never overwrite; a second terminal for the same id
		// is ignored on rebuild exactly as it is rejected live.
		return false
	}
	delete(p.state.Active, id)
	r.Status = terminal
	r.RespondedAt = time.Unix(0, asInt64(e.Data["responded_at_ns"])).UTC()
	if data := asMap(e.Data["response_data"]); data != nil {
		r.ResponseData = data
	}
	p.state.Completed[id] = r
	delete(p.state.ResponseKeys, id)
	// The nonce stays in NoncesUsed: replay of an old nonce must keep
	// failing even after completion.

	if terminal == StatusExpired {
		p.state.TotalTimeouts++
	} else {
		p.state.TotalResponses++
	}
	return true
}

// Rebuild folds every event from the iterator into a fresh state.
func Rebuild(it *eventstore.Iterator) (*Projection, error) {
	p := NewProjection()
	for {
		e, err := it.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return p, nil
		}
		p.Apply(e)
	}
}

// Canonical serializes the state deterministically for snapshot checksums
// and rebuild-equality checks.
func (p *Projection) Canonical() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return eventstore.EncodeCanonical(p.state)
}

// Snapshot read helpers. Values returned are copies or immutable.

func (p *Projection) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.state.Active)
}

func (p *Projection) CompletedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.state.Completed)
}

// Get returns the request by id from either index and whether it is active.
func (p *Projection) Get(id string) (r *Request, active bool, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if r, ok := p.state.Active[id]; ok {
		copy := *r
		return &copy, true, true
	}
	if r, ok := p.state.Completed[id]; ok {
		copy := *r
		return &copy, false, true
	}
	return nil, false, false
}

// PendingFor lists the safe views of requests addressed to an agent.
func (p *Projection) PendingFor(agentID string) []SafeView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []SafeView
	for id := range p.state.ByTarget[agentID] {
		if r, ok := p.state.Active[id]; ok {
			out = append(out, r.safeView())
		}
	}
	return out
}

// ExpiredBefore returns ids of active requests whose deadline passed.
func (p *Projection) ExpiredBefore(now time.Time) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var ids []string
	for id, r := range p.state.Active {
		if now.After(r.ExpiresAt) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Totals returns the projection counters.
func (p *Projection) Totals() (requests, responses, timeouts, violations uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.TotalRequests, p.state.TotalResponses, p.state.TotalTimeouts, p.state.TotalViolations
}

// LastSequence returns the highest applied sequence.
func (p *Projection) LastSequence() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.LastSequence
}

// NonceSeen reports whether any request ever used the nonce.
func (p *Projection) NonceSeen(nonce string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.NoncesUsed[nonce]
}

// AlignSnapshotCursor copies the other projection's snapshot cursor so two
// states built through different paths compare on domain content only.
func (p *Projection) AlignSnapshotCursor(other *Projection) {
	other.mu.RLock()
	seq := other.state.SnapshotSequence
	other.mu.RUnlock()
	p.mu.Lock()
	p.state.SnapshotSequence = seq
	p.mu.Unlock()
}

func (p *Projection) sinceSnapshot() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.eventsSinceSnapshot
}

func (p *Projection) markSnapshot(seq uint64) {
	p.mu.Lock()
	p.state.SnapshotSequence = seq
	p.eventsSinceSnapshot = 0
	p.mu.Unlock()
}

func addToSet(m map[string]map[string]bool, key, id string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]bool)
		m[key] = set
	}
	set[id] = true
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}
