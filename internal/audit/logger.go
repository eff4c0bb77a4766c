// Package audit records security-relevant events durably in the event store
// and keeps a short in-memory window for introspection.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tachyon-beep/lighthouse-sub001/internal/eventstore"
)

// Severity tags every audit entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Violation codes for classified security failures.
const (
	ViolationUnauthorizedResponse = "UNAUTHORIZED_ELICITATION_RESPONSE"
	ViolationUnauthorizedCancel   = "UNAUTHORIZED_CANCEL"
	ViolationReplayPrevented      = "REPLAY_ATTACK_PREVENTED"
	ViolationRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	ViolationInvalidSession       = "INVALID_SESSION_RESPONSE"
	ViolationNotFound             = "ELICITATION_NOT_FOUND"
)

// Entry is one audit record.
type Entry struct {
	Type          string
	Severity      Severity
	AgentID       string
	ElicitationID string
	Details       map[string]interface{}
	Timestamp     time.Time
}

// windowSize bounds the in-memory introspection window.
const windowSize = 1000

// Logger emits audit entries into the event store. In async mode entries
// flow through a bounded channel drained by a background task; overflow is
// dropped with a counter bump, never backpressured into the request path.
type Logger struct {
	store  *eventstore.Store
	logger *slog.Logger

	mu        sync.Mutex
	window    []Entry
	onPersist func(*eventstore.Event)

	async   bool
	sendMu  sync.RWMutex // guards ch against close during send
	ch      chan Entry
	done    chan struct{}
	drops   atomic.Int64
	closing bool
}

// New creates a synchronous audit logger.
func New(store *eventstore.Store, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		store:  store,
		logger: logger.With("component", "audit"),
	}
}

// NewAsync creates an audit logger whose store writes happen off the caller's
// path. Call Close to drain before shutdown.
func NewAsync(store *eventstore.Store, logger *slog.Logger, buffer int) *Logger {
	l := New(store, logger)
	if buffer <= 0 {
		buffer = 1024
	}
	l.async = true
	l.ch = make(chan Entry, buffer)
	l.done = make(chan struct{})
	go l.drain()
	return l
}

// Record logs one entry. Violations of severity high or critical always
// persist as standalone security events; everything persists as an event of
// kind security_violation or custom depending on severity.
func (l *Logger) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	l.window = append(l.window, e)
	if len(l.window) > windowSize {
		l.window = l.window[len(l.window)-windowSize:]
	}
	l.mu.Unlock()

	if l.async {
		l.sendMu.RLock()
		if !l.closing {
			select {
			case l.ch <- e:
			default:
				l.drops.Add(1)
			}
			l.sendMu.RUnlock()
			return
		}
		l.sendMu.RUnlock()
	}
	l.persist(e)
}

func (l *Logger) persist(e Entry) {
	eventType := eventstore.EventTypeCustom
	if e.Severity == SeverityHigh || e.Severity == SeverityCritical {
		eventType = eventstore.EventSecurityViolation
	}
	data := map[string]interface{}{
		"audit_type": e.Type,
		"severity":   string(e.Severity),
	}
	for k, v := range e.Details {
		data[k] = v
	}
	event := &eventstore.Event{
		EventType:       eventType,
		AggregateID:     e.ElicitationID,
		AggregateType:   "elicitation",
		Data:            data,
		SourceAgent:     e.AgentID,
		SourceComponent: "audit",
	}
	if err := l.store.Append(event, ""); err != nil {
		// Background sweeps and audit paths swallow non-fatal errors.
		l.logger.Error("audit append failed", "type", e.Type, "error", err)
		return
	}
	l.mu.Lock()
	hook := l.onPersist
	l.mu.Unlock()
	if hook != nil {
		hook(event)
	}
}

// SetPersistHook registers an observer for every durably appended audit
// event. The elicitation projection uses it to fold security violations as
// they happen, mirroring what a rebuild sees in the log.
func (l *Logger) SetPersistHook(fn func(*eventstore.Event)) {
	l.mu.Lock()
	l.onPersist = fn
	l.mu.Unlock()
}

func (l *Logger) drain() {
	defer close(l.done)
	for e := range l.ch {
		l.persist(e)
	}
}

// Window returns a copy of the recent entries, newest last.
func (l *Logger) Window() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.window))
	copy(out, l.window)
	return out
}

// Dropped reports entries lost to channel overflow.
func (l *Logger) Dropped() int64 { return l.drops.Load() }

// Close drains pending async entries before returning.
func (l *Logger) Close(ctx context.Context) error {
	if !l.async {
		return nil
	}
	l.sendMu.Lock()
	if l.closing {
		l.sendMu.Unlock()
		return nil
	}
	l.closing = true
	close(l.ch)
	l.sendMu.Unlock()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
