package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/lighthouse-sub001/internal/eventstore"
)

func openStore(t *testing.T) *eventstore.Store {
	t.Helper()
	store, err := eventstore.Open(eventstore.Options{
		Dir:    t.TempDir(),
		Secret: "test-secret",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func queryTypes(t *testing.T, store *eventstore.Store, eventType eventstore.EventType) []*eventstore.Event {
	t.Helper()
	res, err := store.Query(eventstore.EventQuery{
		Filter:    eventstore.EventFilter{EventTypes: []eventstore.EventType{eventType}},
		Limit:     100,
		Ascending: true,
	})
	require.NoError(t, err)
	return res.Events
}

func TestSeverityDrivesEventType(t *testing.T) {
	store := openStore(t)
	l := New(store, nil)

	l.Record(Entry{Type: ViolationReplayPrevented, Severity: SeverityCritical, AgentID: "mallory", ElicitationID: "elicit_a"})
	l.Record(Entry{Type: ViolationNotFound, Severity: SeverityMedium, AgentID: "alice"})

	violations := queryTypes(t, store, eventstore.EventSecurityViolation)
	require.Len(t, violations, 1)
	assert.Equal(t, ViolationReplayPrevented, violations[0].Data["audit_type"])
	assert.Equal(t, "critical", violations[0].Data["severity"])
	assert.Equal(t, "mallory", violations[0].SourceAgent)
	assert.Equal(t, "elicit_a", violations[0].AggregateID)

	lowSeverity := queryTypes(t, store, eventstore.EventTypeCustom)
	require.Len(t, lowSeverity, 1)
	assert.Equal(t, ViolationNotFound, lowSeverity[0].Data["audit_type"])
}

func TestWindowKeepsRecentEntries(t *testing.T) {
	store := openStore(t)
	l := New(store, nil)

	for i := 0; i < 5; i++ {
		l.Record(Entry{Type: "PROBE", Severity: SeverityInfo, AgentID: fmt.Sprintf("agent-%d", i)})
	}
	window := l.Window()
	require.Len(t, window, 5)
	assert.Equal(t, "agent-0", window[0].AgentID)
	assert.Equal(t, "agent-4", window[4].AgentID)
	assert.False(t, window[0].Timestamp.IsZero())
}

func TestWindowBounded(t *testing.T) {
	store := openStore(t)
	l := New(store, nil)

	for i := 0; i < windowSize+10; i++ {
		l.Record(Entry{Type: "PROBE", Severity: SeverityInfo, AgentID: fmt.Sprintf("agent-%d", i)})
	}
	window := l.Window()
	require.Len(t, window, windowSize)
	assert.Equal(t, fmt.Sprintf("agent-%d", 10), window[0].AgentID)
}

func TestPersistHookObservesAppendedEvents(t *testing.T) {
	store := openStore(t)
	l := New(store, nil)

	var seen []*eventstore.Event
	l.SetPersistHook(func(e *eventstore.Event) { seen = append(seen, e) })

	l.Record(Entry{Type: ViolationUnauthorizedResponse, Severity: SeverityHigh, AgentID: "mallory"})
	require.Len(t, seen, 1)
	assert.Equal(t, eventstore.EventSecurityViolation, seen[0].EventType)
	assert.Greater(t, seen[0].Sequence, uint64(0), "hook fires after the append assigned a sequence")
}

func TestAsyncCloseDrains(t *testing.T) {
	store := openStore(t)
	l := NewAsync(store, nil, 64)

	for i := 0; i < 20; i++ {
		l.Record(Entry{Type: "PROBE", Severity: SeverityHigh, ElicitationID: fmt.Sprintf("elicit_%d", i)})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Close(ctx))

	assert.Len(t, queryTypes(t, store, eventstore.EventSecurityViolation), 20)
	assert.Equal(t, int64(0), l.Dropped())

	// Close is idempotent.
	require.NoError(t, l.Close(ctx))
}
