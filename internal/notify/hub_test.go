package notify

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	h := NewHub(10, nil)
	ch, cancel := h.Subscribe("alice")
	defer cancel()

	for i := 0; i < 5; i++ {
		h.Publish("alice", Notification{Type: TypeRequest, ElicitationID: fmt.Sprintf("elicit_%d", i)})
	}
	for i := 0; i < 5; i++ {
		n := <-ch
		assert.Equal(t, fmt.Sprintf("elicit_%d", i), n.ElicitationID)
		assert.False(t, n.Timestamp.IsZero())
	}
	assert.Equal(t, int64(5), h.Delivered())
}

func TestPublishOnlyReachesAddressedAgent(t *testing.T) {
	h := NewHub(10, nil)
	aliceCh, cancelA := h.Subscribe("alice")
	defer cancelA()
	bobCh, cancelB := h.Subscribe("bob")
	defer cancelB()

	h.Publish("alice", Notification{Type: TypeRequest, ElicitationID: "elicit_a"})

	n := <-aliceCh
	assert.Equal(t, "elicit_a", n.ElicitationID)
	select {
	case <-bobCh:
		t.Fatal("bob must not receive alice's notification")
	default:
	}
}

func TestFullQueueDropsOldest(t *testing.T) {
	h := NewHub(2, nil)
	ch, cancel := h.Subscribe("alice")
	defer cancel()

	h.Publish("alice", Notification{ElicitationID: "first"})
	h.Publish("alice", Notification{ElicitationID: "second"})
	h.Publish("alice", Notification{ElicitationID: "third"})

	assert.Equal(t, int64(1), h.Dropped())
	assert.Equal(t, "second", (<-ch).ElicitationID)
	assert.Equal(t, "third", (<-ch).ElicitationID)
}

func TestCancelClosesAndRemovesSubscription(t *testing.T) {
	h := NewHub(10, nil)
	ch, cancel := h.Subscribe("alice")
	require.Equal(t, 1, h.Subscribers("alice"))

	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.Subscribers("alice"))

	// Publishing to a cancelled subscription is a no-op.
	h.Publish("alice", Notification{ElicitationID: "late"})
	assert.Equal(t, int64(0), h.Delivered())
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	h := NewHub(10, nil)
	ch1, cancel1 := h.Subscribe("alice")
	defer cancel1()
	ch2, cancel2 := h.Subscribe("alice")
	defer cancel2()

	h.Publish("alice", Notification{ElicitationID: "elicit_a"})

	assert.Equal(t, "elicit_a", (<-ch1).ElicitationID)
	assert.Equal(t, "elicit_a", (<-ch2).ElicitationID)
	assert.Equal(t, int64(2), h.Delivered())
}
