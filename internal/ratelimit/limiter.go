// Package ratelimit enforces per-agent request/response budgets with token
// buckets and a global DoS monitor that tightens limits under overload.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Kind distinguishes the two buckets every agent carries.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// Config sets steady-state budgets. Burst is added on top of the per-minute
// rate to form bucket capacity; zero means buckets hold exactly the rate.
type Config struct {
	RequestsPerMinute  int
	ResponsesPerMinute int
	Burst              int
	Protection         Protection
	BlockCooldown      time.Duration
	Logger             *slog.Logger
}

// agentBuckets holds both buckets for one agent. Each agent has its own lock
// via the rate.Limiter internals; the outer map lock is only held for lookup.
type agentBuckets struct {
	requests  *rate.Limiter
	responses *rate.Limiter
}

// Limiter is the per-agent rate limiter.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	agents  map[string]*agentBuckets
	blocked map[string]time.Time

	// violations counts denials per (agent, kind).
	violations map[string]map[Kind]int64
	suspicious map[string]float64

	monitor   *dosMonitor
	tightened bool
	logger    *slog.Logger
}

// New creates a limiter, filling defaults for unset rates.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 10
	}
	if cfg.ResponsesPerMinute == 0 {
		cfg.ResponsesPerMinute = 20
	}
	if cfg.BlockCooldown == 0 {
		cfg.BlockCooldown = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Limiter{
		cfg:        cfg,
		agents:     make(map[string]*agentBuckets),
		blocked:    make(map[string]time.Time),
		violations: make(map[string]map[Kind]int64),
		suspicious: make(map[string]float64),
		logger:     cfg.Logger.With("component", "ratelimit"),
	}
	if cfg.Protection != ProtectionNone {
		l.monitor = newDOSMonitor(cfg.Protection)
	}
	return l
}

func (l *Limiter) buckets(agentID string) *agentBuckets {
	b, ok := l.agents[agentID]
	if !ok {
		b = &agentBuckets{
			requests:  rate.NewLimiter(rate.Limit(float64(l.cfg.RequestsPerMinute)/60.0), l.cfg.RequestsPerMinute+l.cfg.Burst),
			responses: rate.NewLimiter(rate.Limit(float64(l.cfg.ResponsesPerMinute)/60.0), l.cfg.ResponsesPerMinute+l.cfg.Burst),
		}
		if l.tightened {
			tighten(b.requests, l.cfg.RequestsPerMinute, l.cfg.Burst)
			tighten(b.responses, l.cfg.ResponsesPerMinute, l.cfg.Burst)
		}
		l.agents[agentID] = b
	}
	return b
}

// Allow consumes one token from the agent's bucket of the given kind.
func (l *Limiter) Allow(agentID string, kind Kind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if until, ok := l.blocked[agentID]; ok {
		if now.Before(until) {
			l.countViolation(agentID, kind)
			return false
		}
		delete(l.blocked, agentID)
	}

	if l.monitor != nil {
		overloaded := l.monitor.observe(now)
		l.applyProtection(overloaded)
	}

	b := l.buckets(agentID)
	bucket := b.requests
	if kind == KindResponse {
		bucket = b.responses
	}
	if bucket.AllowN(now, 1) {
		return true
	}

	l.countViolation(agentID, kind)
	l.suspicious[agentID] += 1.0
	if l.monitor != nil && l.suspicious[agentID] >= l.monitor.blockScore {
		l.blocked[agentID] = now.Add(l.cfg.BlockCooldown)
		l.suspicious[agentID] = 0
		l.logger.Warn("agent temporarily blocked for repeated rate violations",
			"agent", agentID, "cooldown", l.cfg.BlockCooldown)
	}
	return false
}

func (l *Limiter) countViolation(agentID string, kind Kind) {
	m, ok := l.violations[agentID]
	if !ok {
		m = make(map[Kind]int64)
		l.violations[agentID] = m
	}
	m[kind]++
}

// Violations returns the denial count for (agent, kind).
func (l *Limiter) Violations(agentID string, kind Kind) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.violations[agentID][kind]
}

// TotalViolations sums denials across all agents.
func (l *Limiter) TotalViolations() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, m := range l.violations {
		for _, n := range m {
			total += n
		}
	}
	return total
}

// Blocked reports whether an agent is currently in a cooldown block.
func (l *Limiter) Blocked(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.blocked[agentID]
	return ok && time.Now().Before(until)
}

// applyProtection quarters every bucket while the system is overloaded and
// restores steady-state limits when load drops. Caller holds l.mu.
func (l *Limiter) applyProtection(overloaded bool) {
	if overloaded == l.tightened {
		return
	}
	l.tightened = overloaded
	for _, b := range l.agents {
		if overloaded {
			tighten(b.requests, l.cfg.RequestsPerMinute, l.cfg.Burst)
			tighten(b.responses, l.cfg.ResponsesPerMinute, l.cfg.Burst)
		} else {
			restore(b.requests, l.cfg.RequestsPerMinute, l.cfg.Burst)
			restore(b.responses, l.cfg.ResponsesPerMinute, l.cfg.Burst)
		}
	}
	if overloaded {
		l.logger.Warn("global overload: limits quartered")
	} else {
		l.logger.Info("overload cleared: limits restored")
	}
}

func tighten(bucket *rate.Limiter, perMinute, burst int) {
	bucket.SetLimit(rate.Limit(float64(perMinute) / 60.0 / 4.0))
	capacity := (perMinute + burst) / 4
	if capacity < 1 {
		capacity = 1
	}
	bucket.SetBurst(capacity)
}

func restore(bucket *rate.Limiter, perMinute, burst int) {
	bucket.SetLimit(rate.Limit(float64(perMinute) / 60.0))
	bucket.SetBurst(perMinute + burst)
}
