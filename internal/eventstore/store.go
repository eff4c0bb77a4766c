package eventstore

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tachyon-beep/lighthouse-sub001/internal/identity"
)

// Options configures a Store.
type Options struct {
	Dir             string
	Secret          string
	NodeID          string
	SyncPolicy      string // fsync | fdatasync | batch
	SegmentMaxBytes int64
	MaxDiskBytes    int64
	MaxFileHandles  int
	Registry        *identity.Registry // nil disables writer authorization
	Logger          *slog.Logger
}

// Store is the append-only authenticated event log. A single write lock
// serializes appends; queries read segment files independently and hold no
// exclusive lock.
type Store struct {
	mu     sync.RWMutex
	opts   Options
	secret []byte

	ids     *IDGenerator
	writer  *segmentWriter
	ix      *index
	seq     uint64
	limiter *resourceLimiter
	logger  *slog.Logger

	quarantined atomic.Bool
	closed      bool

	// recoverySkipped counts records dropped during the startup scan for
	// failing HMAC or framing checks.
	recoverySkipped int

	subMu sync.RWMutex
	subs  []*subscription
}

type subscription struct {
	types map[EventType]bool // empty = all
	ch    chan *Event
	drops atomic.Int64
}

// Open creates or recovers a store in opts.Dir. Recovery scans segments in
// order, re-derives the current sequence from the highest well-formed record,
// and rebuilds the in-memory index.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, newError(KindInvalidInput, "store dir is required")
	}
	if opts.Secret == "" {
		return nil, newError(KindSecurity, "store secret is required")
	}
	if opts.NodeID == "" {
		opts.NodeID = "node-1"
	}
	if opts.SyncPolicy == "" {
		opts.SyncPolicy = "fsync"
	}
	if opts.SegmentMaxBytes == 0 {
		opts.SegmentMaxBytes = 100 << 20
	}
	if opts.MaxDiskBytes == 0 {
		opts.MaxDiskBytes = 50 << 30
	}
	if opts.MaxFileHandles == 0 {
		opts.MaxFileHandles = 1000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, wrapError(KindIO, err, "create store dir %s", opts.Dir)
	}

	s := &Store{
		opts:    opts,
		secret:  []byte(opts.Secret),
		ids:     NewIDGenerator(opts.NodeID),
		ix:      newIndex(),
		limiter: newResourceLimiter(opts.Dir, opts.MaxDiskBytes, opts.MaxFileHandles),
		logger:  opts.Logger.With("component", "eventstore"),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// recover replays every segment, rebuilding sequence and index state.
func (s *Store) recover() error {
	paths, err := listSegments(s.opts.Dir)
	if err != nil {
		return err
	}

	var usedBytes int64
	lastLiveSegment := 0
	for _, path := range paths {
		num := segmentNumber(path)
		if !strings.HasSuffix(path, ".gz") && num > lastLiveSegment {
			lastLiveSegment = num
		}
		if info, err := os.Stat(path); err == nil {
			usedBytes += info.Size()
		}
		skipped, err := scanSegment(path, s.secret, func(payload []byte) error {
			e, err := DecodeEvent(payload)
			if err != nil {
				s.recoverySkipped++
				return nil
			}
			if e.Sequence > s.seq {
				s.seq = e.Sequence
			}
			s.ix.add(e, num)
			return nil
		})
		if err != nil {
			return err
		}
		if skipped > 0 {
			s.recoverySkipped += skipped
			s.logger.Warn("recovery skipped unauthenticated records",
				"segment", filepath.Base(path), "skipped", skipped)
		}
	}
	s.limiter.setUsed(usedBytes)

	// Resume writing in the highest live segment; if everything is
	// compressed, open the next number.
	startNum := lastLiveSegment
	if len(paths) > 0 && lastLiveSegment == 0 {
		if last := paths[len(paths)-1]; strings.HasSuffix(last, ".gz") {
			startNum = segmentNumber(last) + 1
		}
	}
	writer, err := newSegmentWriter(s.opts.Dir, s.secret, s.opts.SyncPolicy, s.opts.SegmentMaxBytes, startNum)
	if err != nil {
		return err
	}
	s.writer = writer

	s.logger.Info("event store recovered",
		"sequence", s.seq, "segments", len(paths), "skipped", s.recoverySkipped)
	return nil
}

// CurrentSequence returns the sequence of the last durable append.
func (s *Store) CurrentSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// RecoveryAnomalies reports records skipped during startup.
func (s *Store) RecoveryAnomalies() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recoverySkipped
}

// NextEventID exposes the monotonic generator so callers can pre-compute ids
// off the append path.
func (s *Store) NextEventID() EventID {
	return s.ids.Next()
}

// authorize gates writers. A nil registry or empty agent id (trusted internal
// component) passes.
func (s *Store) authorize(agentID string) error {
	if s.opts.Registry == nil || agentID == "" {
		return nil
	}
	if err := s.opts.Registry.Authorize(agentID, identity.PermEventsWrite); err != nil {
		return wrapError(KindAuth, err, "agent %s not authorized to append", agentID)
	}
	return nil
}

// prepare validates and encodes an event with a prospective sequence. Nothing
// is mutated: all failures here leave no state change.
func (s *Store) prepare(e *Event, seq uint64) ([]byte, error) {
	if err := ValidateEvent(e); err != nil {
		return nil, err
	}
	if e.EventID == (EventID{}) {
		e.EventID = s.ids.Next()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = 1
	}
	e.Sequence = seq
	payload, err := EncodeEvent(e)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxEventBytes {
		return nil, newError(KindSizeExceeded, "event is %d bytes, max %d", len(payload), MaxEventBytes)
	}
	return payload, nil
}

// Append durably writes one event and assigns its global sequence.
func (s *Store) Append(e *Event, agentID string) error {
	if err := s.authorize(agentID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newError(KindShutdown, "store is closed")
	}
	if s.quarantined.Load() {
		return newError(KindIO, "store is quarantined after a write failure")
	}

	payload, err := s.prepare(e, s.seq+1)
	if err != nil {
		return err
	}
	if err := s.limiter.admitWrite(int64(len(payload) + recordHeader)); err != nil {
		return err
	}

	n, err := s.writer.append(payload)
	if err != nil {
		// Sequence was assigned and the write began; the log tail is now
		// suspect. Quarantine the store.
		s.quarantined.Store(true)
		s.logger.Error("append failed, store quarantined", "error", err)
		return err
	}
	if err := s.writer.syncNow(); err != nil {
		s.quarantined.Store(true)
		s.logger.Error("sync failed, store quarantined", "error", err)
		return err
	}

	s.seq = e.Sequence
	s.ix.add(e, s.writer.num)
	s.limiter.recordWrite(int64(n))
	s.publish(e)
	return nil
}

// AppendBatch atomically assigns contiguous sequences, writes every record,
// and syncs once.
func (s *Store) AppendBatch(events []*Event, agentID string) error {
	if len(events) == 0 {
		return nil
	}
	if len(events) > MaxBatchEvents {
		return newError(KindSizeExceeded, "batch has %d events, max %d", len(events), MaxBatchEvents)
	}
	if err := s.authorize(agentID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newError(KindShutdown, "store is closed")
	}
	if s.quarantined.Load() {
		return newError(KindIO, "store is quarantined after a write failure")
	}

	payloads := make([][]byte, len(events))
	payloadTotal := 0
	for i, e := range events {
		payload, err := s.prepare(e, s.seq+uint64(i)+1)
		if err != nil {
			return err
		}
		payloads[i] = payload
		payloadTotal += len(payload)
	}
	if payloadTotal > MaxBatchBytes {
		return newError(KindSizeExceeded, "batch payload is %d bytes, max %d", payloadTotal, MaxBatchBytes)
	}
	if err := s.limiter.admitWrite(int64(payloadTotal + recordHeader*len(events))); err != nil {
		return err
	}

	written := 0
	for i, payload := range payloads {
		n, err := s.writer.append(payload)
		if err != nil {
			s.quarantined.Store(true)
			s.logger.Error("batch append failed, store quarantined", "error", err, "at", i)
			return err
		}
		written += n
	}
	if err := s.writer.syncNow(); err != nil {
		s.quarantined.Store(true)
		s.logger.Error("batch sync failed, store quarantined", "error", err)
		return err
	}

	for _, e := range events {
		s.seq = e.Sequence
		s.ix.add(e, s.writer.num)
		s.publish(e)
	}
	s.limiter.recordWrite(int64(written))
	return nil
}

// Query scans only the segments the index marks relevant, applies the full
// filter to decoded events, and returns an ordered page.
func (s *Store) Query(q EventQuery) (*QueryResult, error) {
	start := time.Now()
	if q.Limit <= 0 || q.Limit > MaxQueryLimit {
		if q.Limit > MaxQueryLimit {
			return nil, newError(KindInvalidInput, "limit %d exceeds %d", q.Limit, MaxQueryLimit)
		}
		q.Limit = 100
	}
	if q.OrderBy == "" {
		q.OrderBy = "sequence"
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, newError(KindShutdown, "store is closed")
	}
	minSeq, maxSeq, ok := s.ix.candidateRange(&q.Filter)
	var segNums []int
	if ok {
		segNums = s.ix.segmentsFor(minSeq, maxSeq)
	}
	limit := s.seq
	s.mu.RUnlock()

	var matched []*Event
	for _, num := range segNums {
		events, err := s.scanDecoded(num, func(e *Event) bool {
			return e.Sequence <= limit && e.Sequence >= minSeq && e.Sequence <= maxSeq && q.Filter.matches(e)
		})
		if err != nil {
			return nil, err
		}
		matched = append(matched, events...)
	}

	sortEvents(matched, q.OrderBy, q.Ascending)

	total := len(matched)
	if q.Offset > total {
		q.Offset = total
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}
	return &QueryResult{
		Events:      matched[q.Offset:end],
		Total:       total,
		HasMore:     end < total,
		ExecutionMS: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

// scanDecoded reads one segment by number, decoding records and keeping those
// accepted by keep. Unauthenticated records are skipped.
func (s *Store) scanDecoded(num int, keep func(*Event) bool) ([]*Event, error) {
	if err := s.limiter.acquireHandle(); err != nil {
		return nil, err
	}
	defer s.limiter.releaseHandle()

	path := filepath.Join(s.opts.Dir, segmentName(num))
	if _, err := os.Stat(path); err != nil {
		path += ".gz"
	}
	var events []*Event
	_, err := scanSegment(path, s.secret, func(payload []byte) error {
		e, err := DecodeEvent(payload)
		if err != nil {
			return nil
		}
		if keep(e) {
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Stream returns a lazy, restartable iterator over events with sequence >=
// startSeq that match the filter, in sequence order.
func (s *Store) Stream(filter EventFilter, startSeq uint64) *Iterator {
	return &Iterator{store: s, filter: filter, nextSeq: max64(startSeq, 1)}
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// Iterator is a pull-based cursor over the log. Not safe for concurrent use;
// create one per consumer.
type Iterator struct {
	store   *Store
	filter  EventFilter
	nextSeq uint64
	buf     []*Event
}

// Next returns the next matching event, or nil when the iterator has reached
// the current end of the log. Calling Next again after nil resumes if more
// events were appended since.
func (it *Iterator) Next() (*Event, error) {
	for {
		if len(it.buf) > 0 {
			e := it.buf[0]
			it.buf = it.buf[1:]
			it.nextSeq = e.Sequence + 1
			if it.filter.matches(e) {
				return e, nil
			}
			continue
		}

		it.store.mu.RLock()
		head := it.store.seq
		segNums := it.store.ix.segmentsFor(it.nextSeq, head)
		it.store.mu.RUnlock()

		if it.nextSeq > head || len(segNums) == 0 {
			return nil, nil
		}
		from := it.nextSeq
		var events []*Event
		for _, num := range segNums {
			// A candidate segment can come up empty when its records fail
			// authentication; keep walking, later segments may still match.
			evs, err := it.store.scanDecoded(num, func(e *Event) bool {
				return e.Sequence >= from && e.Sequence <= head
			})
			if err != nil {
				return nil, err
			}
			if len(evs) > 0 {
				events = evs
				break
			}
		}
		if len(events) == 0 {
			it.nextSeq = head + 1
			return nil, nil
		}
		sortEvents(events, "sequence", true)
		it.buf = events
	}
}

// Subscribe registers a live feed for the given event types (none = all).
// Delivery is best effort over a bounded channel: when a subscriber falls
// behind, the oldest pending event is dropped and counted.
func (s *Store) Subscribe(buffer int, types ...EventType) (<-chan *Event, func()) {
	if buffer <= 0 {
		buffer = 100
	}
	sub := &subscription{
		types: make(map[EventType]bool, len(types)),
		ch:    make(chan *Event, buffer),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	s.subMu.Lock()
	s.subs = append(s.subs, sub)
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		for i, candidate := range s.subs {
			if candidate == sub {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.subMu.Unlock()
	}
	return sub.ch, cancel
}

func (s *Store) publish(e *Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, sub := range s.subs {
		if len(sub.types) > 0 && !sub.types[e.EventType] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Drop oldest so a stalled subscriber never backpressures appends.
			select {
			case <-sub.ch:
				sub.drops.Add(1)
			default:
			}
			select {
			case sub.ch <- e:
			default:
				sub.drops.Add(1)
			}
		}
	}
}

// VerifySegments re-reads every segment, recomputing HMACs. It returns the
// number of authenticated records and the number skipped.
func (s *Store) VerifySegments() (records, skipped int, err error) {
	paths, err := listSegments(s.opts.Dir)
	if err != nil {
		return 0, 0, err
	}
	for _, path := range paths {
		bad, err := scanSegment(path, s.secret, func(payload []byte) error {
			records++
			return nil
		})
		if err != nil {
			return records, skipped, err
		}
		skipped += bad
	}
	return records, skipped, nil
}

// Close flushes and closes the active segment. Further operations fail with
// kind shutdown.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.close()
}
