package eventstore

import "sort"

// index is the in-memory pre-filter: event-type and aggregate keys map to the
// ordered set of sequences carrying them, and segment ranges map sequences
// back to the files that hold them. Queries use it to scan only relevant
// segments.
type index struct {
	byType      map[EventType][]uint64
	byAggregate map[string][]uint64 // "{aggregate_type}/{aggregate_id}"
	segments    []segmentRange
}

type segmentRange struct {
	num    int
	minSeq uint64
	maxSeq uint64
}

func newIndex() *index {
	return &index{
		byType:      make(map[EventType][]uint64),
		byAggregate: make(map[string][]uint64),
	}
}

func aggregateKey(aggType, aggID string) string {
	return aggType + "/" + aggID
}

// add records an appended event. Sequences arrive in append order, so the
// per-key slices stay sorted without re-sorting.
func (ix *index) add(e *Event, segmentNum int) {
	ix.byType[e.EventType] = append(ix.byType[e.EventType], e.Sequence)
	if e.AggregateID != "" || e.AggregateType != "" {
		key := aggregateKey(e.AggregateType, e.AggregateID)
		ix.byAggregate[key] = append(ix.byAggregate[key], e.Sequence)
	}

	if n := len(ix.segments); n > 0 && ix.segments[n-1].num == segmentNum {
		ix.segments[n-1].maxSeq = e.Sequence
	} else {
		ix.segments = append(ix.segments, segmentRange{num: segmentNum, minSeq: e.Sequence, maxSeq: e.Sequence})
	}
}

// candidateRange narrows a query to a [min,max] sequence window using the
// typed indices. ok=false means the index proves no event can match.
func (ix *index) candidateRange(f *EventFilter) (minSeq, maxSeq uint64, ok bool) {
	minSeq, maxSeq = 1, ^uint64(0)

	narrow := func(seqs []uint64) bool {
		if len(seqs) == 0 {
			return false
		}
		if seqs[0] > minSeq {
			minSeq = seqs[0]
		}
		if last := seqs[len(seqs)-1]; last < maxSeq {
			maxSeq = last
		}
		return true
	}

	if len(f.EventTypes) > 0 {
		var merged []uint64
		for _, et := range f.EventTypes {
			merged = append(merged, ix.byType[et]...)
		}
		sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
		if !narrow(merged) {
			return 0, 0, false
		}
	}
	if len(f.AggregateIDs) > 0 || len(f.AggregateTypes) > 0 {
		var merged []uint64
		for key, seqs := range ix.byAggregate {
			if f.matchesAggregateKey(key) {
				merged = append(merged, seqs...)
			}
		}
		sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
		if !narrow(merged) {
			return 0, 0, false
		}
	}
	if f.MinSequence > minSeq {
		minSeq = f.MinSequence
	}
	if f.MaxSequence != 0 && f.MaxSequence < maxSeq {
		maxSeq = f.MaxSequence
	}
	if minSeq > maxSeq {
		return 0, 0, false
	}
	return minSeq, maxSeq, true
}

// segmentsFor returns the segment numbers whose sequence ranges intersect
// [minSeq, maxSeq].
func (ix *index) segmentsFor(minSeq, maxSeq uint64) []int {
	var nums []int
	for _, sr := range ix.segments {
		if sr.maxSeq >= minSeq && sr.minSeq <= maxSeq {
			nums = append(nums, sr.num)
		}
	}
	return nums
}
