// Package notify delivers elicitation notifications to agents: bounded FIFO
// per-agent queues with at-least-once, in-order delivery, plus a WebSocket
// gateway for push transport.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Type distinguishes the two notification kinds agents receive.
type Type string

const (
	TypeRequest  Type = "elicitation_request"
	TypeResponse Type = "elicitation_response"
)

// Notification is the JSON-shaped payload pushed to agents.
type Notification struct {
	Type          Type      `json:"type"`
	ElicitationID string    `json:"elicitation_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// Hub fans notifications out to per-agent subscriber queues. Order is FIFO
// per agent; when a queue is full the oldest pending notification is dropped
// and counted so a stalled agent never blocks the manager.
type Hub struct {
	mu         sync.RWMutex
	queueDepth int
	subs       map[string][]chan Notification
	logger     *slog.Logger
	dropped    atomic.Int64
	delivered  atomic.Int64
}

func NewHub(queueDepth int, logger *slog.Logger) *Hub {
	if queueDepth <= 0 {
		queueDepth = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		queueDepth: queueDepth,
		subs:       make(map[string][]chan Notification),
		logger:     logger.With("component", "notify"),
	}
}

// Subscribe opens a notification stream for an agent. The returned cancel
// removes the subscription and closes the channel.
func (h *Hub) Subscribe(agentID string) (<-chan Notification, func()) {
	ch := make(chan Notification, h.queueDepth)
	h.mu.Lock()
	h.subs[agentID] = append(h.subs[agentID], ch)
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			channels := h.subs[agentID]
			for i, c := range channels {
				if c == ch {
					h.subs[agentID] = append(channels[:i], channels[i+1:]...)
					break
				}
			}
			if len(h.subs[agentID]) == 0 {
				delete(h.subs, agentID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish enqueues a notification for every subscriber of the agent.
func (h *Hub) Publish(agentID string, n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[agentID] {
		select {
		case ch <- n:
			h.delivered.Add(1)
		default:
			// Queue full: drop the oldest, keep the newest.
			select {
			case <-ch:
				h.dropped.Add(1)
			default:
			}
			select {
			case ch <- n:
				h.delivered.Add(1)
			default:
				h.dropped.Add(1)
			}
		}
	}
}

// Delivered and Dropped expose delivery counters for metrics.
func (h *Hub) Delivered() int64 { return h.delivered.Load() }
func (h *Hub) Dropped() int64   { return h.dropped.Load() }

// Subscribers reports the number of open streams for an agent.
func (h *Hub) Subscribers(agentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[agentID])
}
