package eventstore

import (
	"sort"
	"strings"
	"time"
)

// EventFilter selects events. Zero values mean "no constraint".
type EventFilter struct {
	EventTypes       []EventType
	AggregateIDs     []string
	AggregateTypes   []string
	SourceAgents     []string
	SourceComponents []string
	Since            time.Time
	Until            time.Time
	MinSequence      uint64
	MaxSequence      uint64
	CorrelationID    string
	CausationID      string
}

// EventQuery is a filter plus paging and ordering.
type EventQuery struct {
	Filter    EventFilter
	Limit     int
	Offset    int
	OrderBy   string // "sequence" (default) or "timestamp"
	Ascending bool
}

// QueryResult carries matches plus paging metadata and measured latency.
type QueryResult struct {
	Events      []*Event
	Total       int
	HasMore     bool
	ExecutionMS float64
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// matches applies the full filter to a decoded event.
func (f *EventFilter) matches(e *Event) bool {
	if len(f.EventTypes) > 0 {
		found := false
		for _, et := range f.EventTypes {
			if e.EventType == et {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.AggregateIDs) > 0 && !contains(f.AggregateIDs, e.AggregateID) {
		return false
	}
	if len(f.AggregateTypes) > 0 && !contains(f.AggregateTypes, e.AggregateType) {
		return false
	}
	if len(f.SourceAgents) > 0 && !contains(f.SourceAgents, e.SourceAgent) {
		return false
	}
	if len(f.SourceComponents) > 0 && !contains(f.SourceComponents, e.SourceComponent) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.MinSequence != 0 && e.Sequence < f.MinSequence {
		return false
	}
	if f.MaxSequence != 0 && e.Sequence > f.MaxSequence {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if f.CausationID != "" && e.CausationID != f.CausationID {
		return false
	}
	return true
}

// matchesAggregateKey tests an index key of the form "{type}/{id}".
func (f *EventFilter) matchesAggregateKey(key string) bool {
	slash := strings.IndexByte(key, '/')
	if slash < 0 {
		return false
	}
	aggType, aggID := key[:slash], key[slash+1:]
	if len(f.AggregateTypes) > 0 && !contains(f.AggregateTypes, aggType) {
		return false
	}
	if len(f.AggregateIDs) > 0 && !contains(f.AggregateIDs, aggID) {
		return false
	}
	return true
}

// sortEvents orders matches per the query.
func sortEvents(events []*Event, orderBy string, ascending bool) {
	less := func(i, j int) bool { return events[i].Sequence < events[j].Sequence }
	if orderBy == "timestamp" {
		less = func(i, j int) bool {
			if events[i].Timestamp.Equal(events[j].Timestamp) {
				return events[i].Sequence < events[j].Sequence
			}
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
	}
	if ascending {
		sort.SliceStable(events, less)
	} else {
		sort.SliceStable(events, func(i, j int) bool { return less(j, i) })
	}
}
