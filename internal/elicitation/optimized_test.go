package elicitation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/lighthouse-sub001/internal/eventstore"
)

func coalescerEvent(i int) *eventstore.Event {
	return &eventstore.Event{
		EventType:       eventstore.EventTypeCustom,
		AggregateID:     fmt.Sprintf("elicit_%016d", i),
		AggregateType:   "elicitation",
		Data:            map[string]interface{}{"n": i},
		SourceComponent: "elicitation",
	}
}

func TestCoalescerAppendsAreDurableAndDense(t *testing.T) {
	f := newFixture(t)
	c := NewCoalescer(f.store, 10*time.Millisecond, 4, nil)
	defer c.Close()

	before := f.store.CurrentSequence()
	const n = 9
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Append(coalescerEvent(i), "alice")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "append %d", i)
	}
	assert.Equal(t, before+n, f.store.CurrentSequence())
}

func TestCoalescerCloseFlushesAndFallsBack(t *testing.T) {
	f := newFixture(t)
	c := NewCoalescer(f.store, time.Hour, 1000, nil)

	done := make(chan error, 1)
	go func() { done <- c.Append(coalescerEvent(0), "alice") }()

	// The interval never fires; Close must flush the queued event.
	time.Sleep(20 * time.Millisecond)
	c.Close()
	require.NoError(t, <-done)

	// After Close, appends bypass the queue and still land.
	before := f.store.CurrentSequence()
	require.NoError(t, c.Append(coalescerEvent(1), "alice"))
	assert.Equal(t, before+1, f.store.CurrentSequence())
}
