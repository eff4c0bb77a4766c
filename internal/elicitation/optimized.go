package elicitation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tachyon-beep/lighthouse-sub001/internal/eventstore"
)

// Coalescer batches hot-path appends into AppendBatch calls, trading a small
// bounded latency (one flush interval) for one fsync per batch instead of one
// per event. Callers still block until their event is durable, so the
// append-then-apply contract holds unchanged.
type Coalescer struct {
	store    *eventstore.Store
	interval time.Duration
	maxBatch int
	logger   *slog.Logger

	mu     sync.Mutex
	queue  map[string][]pendingAppend // keyed by acting agent
	queued int

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

type pendingAppend struct {
	event  *eventstore.Event
	result chan error
}

// NewCoalescer starts the flush loop. Zero interval and maxBatch fall back to
// 100ms and 10 events.
func NewCoalescer(store *eventstore.Store, interval time.Duration, maxBatch int, logger *slog.Logger) *Coalescer {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if maxBatch <= 0 {
		maxBatch = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coalescer{
		store:    store,
		interval: interval,
		maxBatch: maxBatch,
		logger:   logger.With("component", "elicitation.coalescer"),
		queue:    make(map[string][]pendingAppend),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Append enqueues the event and blocks until its batch is durable.
func (c *Coalescer) Append(event *eventstore.Event, agentID string) error {
	p := pendingAppend{event: event, result: make(chan error, 1)}
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return c.store.Append(event, agentID)
	default:
	}
	c.queue[agentID] = append(c.queue[agentID], p)
	c.queued++
	full := c.queued >= c.maxBatch
	c.mu.Unlock()
	if full {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
	return <-p.result
}

func (c *Coalescer) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			c.flush()
			return
		case <-c.kick:
			c.flush()
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Coalescer) flush() {
	c.mu.Lock()
	batches := c.queue
	c.queue = make(map[string][]pendingAppend)
	c.queued = 0
	c.mu.Unlock()

	for agent, items := range batches {
		if len(items) == 1 {
			items[0].result <- c.store.Append(items[0].event, agent)
			continue
		}
		events := make([]*eventstore.Event, len(items))
		for i, p := range items {
			events[i] = p.event
		}
		err := c.store.AppendBatch(events, agent)
		if err == nil {
			for _, p := range items {
				p.result <- nil
			}
			continue
		}
		// One bad event fails a whole batch; retry individually so the rest
		// of the group is not punished for it.
		c.logger.Warn("batch append failed, retrying individually", "agent", agent, "error", err)
		for _, p := range items {
			p.result <- c.store.Append(p.event, agent)
		}
	}
}

// Close flushes the remaining queue and stops the loop.
func (c *Coalescer) Close() {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
		close(c.done)
	}
	c.mu.Unlock()
	c.wg.Wait()
}
