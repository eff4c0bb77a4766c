// Package eventstore implements the durable, HMAC-authenticated, append-only
// event log that backs the coordination bridge: segmented binary files,
// globally ordered sequences, indexed queries, and crash recovery.
package eventstore

import (
	"fmt"
	"sync"
	"time"
)

// Size bounds enforced on every append.
const (
	MaxEventBytes  = 1 << 20  // 1 MiB per event
	MaxBatchBytes  = 10 << 20 // 10 MiB per batch
	MaxBatchEvents = 1000     // events per batch
	MaxStringBytes = 1 << 20  // per string field
	MaxIDBytes     = 256      // per identifier field
	MaxMapKeys     = 1000     // keys per mapping
	MaxNesting     = 10       // levels of nesting
	MaxListItems   = 10000    // items per list
	MaxQueryLimit  = 10000    // events per query
)

// EventType is the closed set of domain event kinds. Elicitation sub-types
// ride in the payload of EventTypeCustom (see the elicitation package).
type EventType string

const (
	EventAgentRegistered   EventType = "agent_registered"
	EventAgentDeregistered EventType = "agent_deregistered"
	EventSessionStarted    EventType = "session_started"
	EventSessionEnded      EventType = "session_ended"
	EventCommandDelegated  EventType = "command_delegated"
	EventCommandCompleted  EventType = "command_completed"
	EventSecurityViolation EventType = "security_violation"
	EventSnapshotWritten   EventType = "snapshot_written"
	EventTypeCustom        EventType = "custom"
)

// EventID totally orders events across nodes: monotonic nanoseconds, a
// per-timestamp sequence, and the generating node. Ordering is tuple-wise,
// never lexicographic over the string form.
type EventID struct {
	TimestampNS int64  `codec:"timestamp_ns"`
	Sequence    uint32 `codec:"sequence"`
	NodeID      string `codec:"node_id"`
}

// String renders the stable "{timestamp_ns}_{sequence}_{node_id}" form.
func (id EventID) String() string {
	return fmt.Sprintf("%d_%d_%s", id.TimestampNS, id.Sequence, id.NodeID)
}

// Less orders two event ids as (timestamp_ns, sequence, node_id) tuples.
func (id EventID) Less(other EventID) bool {
	if id.TimestampNS != other.TimestampNS {
		return id.TimestampNS < other.TimestampNS
	}
	if id.Sequence != other.Sequence {
		return id.Sequence < other.Sequence
	}
	return id.NodeID < other.NodeID
}

// Event is the canonical unit of the log.
type Event struct {
	EventID         EventID                `codec:"event_id"`
	Sequence        uint64                 `codec:"sequence"` // assigned at append
	EventType       EventType              `codec:"event_type"`
	AggregateID     string                 `codec:"aggregate_id"`
	AggregateType   string                 `codec:"aggregate_type"`
	Timestamp       time.Time              `codec:"timestamp"` // wall clock, informational
	CorrelationID   string                 `codec:"correlation_id,omitempty"`
	CausationID     string                 `codec:"causation_id,omitempty"`
	Data            map[string]interface{} `codec:"data"`
	Metadata        map[string]interface{} `codec:"metadata"`
	SourceAgent     string                 `codec:"source_agent"`
	SourceComponent string                 `codec:"source_component"`
	SchemaVersion   int                    `codec:"schema_version"`
}

// ============================================================================
// MONOTONIC EVENT-ID GENERATOR
// ============================================================================

// idCounterReap bounds the per-timestamp counter map: counters older than the
// most recent 1000 timestamps are dropped.
const idCounterReap = 1000

// IDGenerator produces totally ordered EventIDs. Timestamps come from the
// monotonic clock and never move backwards; a stalled clock is bumped by 1 ns.
type IDGenerator struct {
	mu       sync.Mutex
	nodeID   string
	anchor   time.Time // monotonic reference
	wallBase int64     // wall ns at anchor
	lastNS   int64
	counters map[int64]uint32
	order    []int64 // insertion order of counter timestamps, for reaping
}

// NewIDGenerator creates a generator for the given node.
func NewIDGenerator(nodeID string) *IDGenerator {
	now := time.Now()
	return &IDGenerator{
		nodeID:   nodeID,
		anchor:   now,
		wallBase: now.UnixNano(),
		counters: make(map[int64]uint32),
	}
}

// Next returns the next EventID. Safe for concurrent use.
func (g *IDGenerator) Next() EventID {
	g.mu.Lock()
	defer g.mu.Unlock()

	// time.Since reads the monotonic clock; the wall base only anchors the
	// absolute value.
	ns := g.wallBase + time.Since(g.anchor).Nanoseconds()
	if ns <= g.lastNS {
		ns = g.lastNS + 1
	}
	g.lastNS = ns

	seq := g.counters[ns]
	if seq == 0 {
		g.order = append(g.order, ns)
		if len(g.order) > idCounterReap {
			stale := g.order[:len(g.order)-idCounterReap]
			for _, ts := range stale {
				delete(g.counters, ts)
			}
			g.order = g.order[len(g.order)-idCounterReap:]
		}
	}
	g.counters[ns] = seq + 1

	return EventID{TimestampNS: ns, Sequence: seq, NodeID: g.nodeID}
}
