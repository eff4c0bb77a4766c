package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBucketCapacityIsRatePlusBurst(t *testing.T) {
	l := New(Config{RequestsPerMinute: 10, ResponsesPerMinute: 20, Burst: 3})

	for i := 0; i < 13; i++ {
		assert.True(t, l.Allow("alice", KindRequest), "request %d should be admitted", i+1)
	}
	assert.False(t, l.Allow("alice", KindRequest), "14th request must be denied")
	assert.Equal(t, int64(1), l.Violations("alice", KindRequest))
}

func TestZeroBurstBucketsHoldExactlyTheRate(t *testing.T) {
	l := New(Config{RequestsPerMinute: 3, ResponsesPerMinute: 3, Burst: 0})

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("alice", KindRequest), "request %d should be admitted", i+1)
	}
	assert.False(t, l.Allow("alice", KindRequest), "4th request must be denied")
}

func TestBucketsArePerKind(t *testing.T) {
	l := New(Config{RequestsPerMinute: 2, ResponsesPerMinute: 2, Burst: 0})

	assert.True(t, l.Allow("alice", KindRequest))
	assert.True(t, l.Allow("alice", KindRequest))
	assert.False(t, l.Allow("alice", KindRequest))

	// The response bucket is untouched by request denials.
	assert.True(t, l.Allow("alice", KindResponse))
	assert.True(t, l.Allow("alice", KindResponse))
	assert.False(t, l.Allow("alice", KindResponse))
}

func TestBucketsArePerAgent(t *testing.T) {
	l := New(Config{RequestsPerMinute: 1, Burst: 0})

	assert.True(t, l.Allow("alice", KindRequest))
	assert.False(t, l.Allow("alice", KindRequest))
	assert.True(t, l.Allow("bob", KindRequest))
}

func TestViolationCounters(t *testing.T) {
	l := New(Config{RequestsPerMinute: 1, ResponsesPerMinute: 1, Burst: 0})

	l.Allow("alice", KindRequest)
	l.Allow("alice", KindRequest)
	l.Allow("alice", KindRequest)
	l.Allow("alice", KindResponse)
	l.Allow("alice", KindResponse)

	assert.Equal(t, int64(2), l.Violations("alice", KindRequest))
	assert.Equal(t, int64(1), l.Violations("alice", KindResponse))
	assert.Equal(t, int64(3), l.TotalViolations())
}

func TestRepeatedViolationsBlockAgent(t *testing.T) {
	l := New(Config{
		RequestsPerMinute: 1,
		Burst:             0,
		Protection:        ProtectionMaximum, // block score 5
		BlockCooldown:     50 * time.Millisecond,
	})

	l.Allow("alice", KindRequest)
	for i := 0; i < 5; i++ {
		assert.False(t, l.Allow("alice", KindRequest))
	}
	assert.True(t, l.Blocked("alice"))

	// Other agents are unaffected by the block.
	assert.True(t, l.Allow("bob", KindRequest))

	time.Sleep(80 * time.Millisecond)
	assert.False(t, l.Blocked("alice"))
}

func TestParseProtection(t *testing.T) {
	assert.Equal(t, ProtectionNone, ParseProtection("none"))
	assert.Equal(t, ProtectionMaximum, ParseProtection("maximum"))
	assert.Equal(t, ProtectionBasic, ParseProtection("bogus"))
	assert.Equal(t, ProtectionBasic, ParseProtection(""))
}

func TestMonitorOverloadThreshold(t *testing.T) {
	m := newDOSMonitor(ProtectionMaximum)
	now := time.Now()
	for i := int64(0); i < m.threshold; i++ {
		assert.False(t, m.observe(now))
	}
	assert.True(t, m.observe(now), "crossing the threshold reports overload")
}
