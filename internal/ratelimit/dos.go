package ratelimit

import "time"

// Protection selects how aggressively the global monitor reacts.
type Protection string

const (
	ProtectionNone     Protection = "none"
	ProtectionBasic    Protection = "basic"
	ProtectionEnhanced Protection = "enhanced"
	ProtectionMaximum  Protection = "maximum"
)

// ParseProtection maps the LIGHTHOUSE_DOS_PROTECTION values; anything
// unrecognized falls back to basic.
func ParseProtection(s string) Protection {
	switch Protection(s) {
	case ProtectionNone, ProtectionBasic, ProtectionEnhanced, ProtectionMaximum:
		return Protection(s)
	default:
		return ProtectionBasic
	}
}

// dosWindow is the rolling observation window.
const dosWindow = 60

// dosMonitor keeps a rolling 60-second request count in a fixed ring of
// per-second slots. When the count crosses the overload threshold, active
// limits are quartered until it drops back under.
type dosMonitor struct {
	ring       [dosWindow]int64
	ringSec    [dosWindow]int64 // unix second each slot currently counts
	threshold  int64
	blockScore float64
}

func newDOSMonitor(p Protection) *dosMonitor {
	m := &dosMonitor{}
	switch p {
	case ProtectionMaximum:
		m.threshold = 250
		m.blockScore = 5
	case ProtectionEnhanced:
		m.threshold = 500
		m.blockScore = 10
	default:
		m.threshold = 1000
		m.blockScore = 20
	}
	return m
}

// observe counts one request at t and reports whether the rolling total is
// over the overload threshold. Caller provides external synchronization.
func (m *dosMonitor) observe(t time.Time) bool {
	sec := t.Unix()
	slot := int(sec % dosWindow)
	if m.ringSec[slot] != sec {
		m.ringSec[slot] = sec
		m.ring[slot] = 0
	}
	m.ring[slot]++

	var total int64
	for i := 0; i < dosWindow; i++ {
		if sec-m.ringSec[i] < dosWindow {
			total += m.ring[i]
		}
	}
	return total > m.threshold
}
