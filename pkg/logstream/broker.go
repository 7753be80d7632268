// Package logstream provides the ordered fan-out and durable capture of
// deployment action output. Each action owns a single append-only log with
// gapless sequence numbers; any number of subscribers attach with
// independent cursors and receive the full history followed by live lines,
// terminated by an explicit end-of-stream event.
package logstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/FlexiInc/sirpi-gcp/pkg/stores"
	"github.com/FlexiInc/sirpi-gcp/pkg/telemetry"
)

// replayPageSize bounds a single durable read while catching a
// subscriber up.
const replayPageSize = 500

// defaultSubscriberBuffer is the per-subscriber live buffer. A subscriber
// that falls this far behind the producer is dropped.
const defaultSubscriberBuffer = 256

// Store is the subset of the persistence layer the broker needs.
type Store interface {
	AppendLogLines(ctx context.Context, lines []*stores.LogLine) error
	ListLogLines(ctx context.Context, actionID string, afterSeq int64, limit int) ([]*stores.LogLine, error)
	LastLogSeq(ctx context.Context, actionID string) (int64, error)
	GetAction(ctx context.Context, id string) (*stores.DeploymentAction, error)
}

// Event is one unit delivered to a subscriber: a log line, or the
// end-of-stream marker once the action is terminal.
type Event struct {
	Line *stores.LogLine
	End  bool
}

// Broker owns the per-action streams.
type Broker struct {
	store   Store
	metrics *telemetry.Metrics
	log     *telemetry.Logger

	mu        sync.Mutex
	streams   map[string]*stream
	subBuffer int
}

type stream struct {
	actionID string

	mu      sync.Mutex
	lastSeq int64
	subs    map[*subscriber]struct{}
	closed  bool
}

type subscriber struct {
	ch chan Event
}

// NewBroker creates a broker backed by the given durable store.
func NewBroker(store Store, metrics *telemetry.Metrics, log *telemetry.Logger) *Broker {
	return &Broker{
		store:     store,
		metrics:   metrics,
		log:       log.NewComponentLogger("logstream"),
		streams:   make(map[string]*stream),
		subBuffer: defaultSubscriberBuffer,
	}
}

// Open registers the producer stream for an action and returns its writer.
// Must be called before the action's pipeline starts producing output, so
// subscribers never observe a started action without a live stream.
func (b *Broker) Open(ctx context.Context, actionID string) (*Writer, error) {
	lastSeq, err := b.store.LastLogSeq(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read last sequence: %w", err)
	}

	s := &stream{
		actionID: actionID,
		lastSeq:  lastSeq,
		subs:     make(map[*subscriber]struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.streams[actionID]; exists {
		return nil, fmt.Errorf("stream for action %s already open", actionID)
	}
	b.streams[actionID] = s

	return &Writer{broker: b, stream: s}, nil
}

// Subscribe attaches a new subscriber to an action's log. The returned
// channel delivers every line from sequence 1 in order, with no gaps or
// duplicates, and finishes with an End event once the action is terminal.
// The channel is closed when the subscriber context ends, the stream ends,
// or the subscriber is dropped for falling behind.
func (b *Broker) Subscribe(ctx context.Context, actionID string) (<-chan Event, error) {
	out := make(chan Event, 16)

	b.mu.Lock()
	s := b.streams[actionID]
	b.mu.Unlock()

	if s == nil {
		// No live producer: the action is unknown, finished, or dead.
		action, err := b.store.GetAction(ctx, actionID)
		if err != nil {
			return nil, err
		}
		go b.replayDetached(ctx, actionID, action.Status.IsTerminal(), out)
		return out, nil
	}

	// Snapshot the cursor and register under the stream lock so no line
	// can land between the durable replay and the live feed.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		go b.replayDetached(ctx, actionID, true, out)
		return out, nil
	}
	snapshot := s.lastSeq
	sub := &subscriber{ch: make(chan Event, b.subBuffer)}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go b.serve(ctx, s, sub, snapshot, out)
	return out, nil
}

// serve replays the durable prefix, then forwards live events. A zero
// snapshot means no history: every line the subscriber will see arrives
// on the live channel, so replaying would deliver it twice.
func (b *Broker) serve(ctx context.Context, s *stream, sub *subscriber, upTo int64, out chan<- Event) {
	defer close(out)

	if upTo > 0 && !b.replay(ctx, s.actionID, upTo, out) {
		s.drop(sub)
		return
	}

	for {
		select {
		case <-ctx.Done():
			s.drop(sub)
			return
		case ev, ok := <-sub.ch:
			if !ok {
				// Dropped by the producer for falling behind.
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				s.drop(sub)
				return
			}
			if ev.End {
				return
			}
		}
	}
}

// replayDetached serves a subscriber with no live producer.
func (b *Broker) replayDetached(ctx context.Context, actionID string, terminal bool, out chan<- Event) {
	defer close(out)

	if !b.replay(ctx, actionID, 0, out) {
		return
	}
	if terminal {
		select {
		case out <- Event{End: true}:
		case <-ctx.Done():
		}
	}
}

// replay pages lines (afterSeq, upTo] out of durable storage. upTo of
// zero means everything. Returns false when the subscriber went away.
func (b *Broker) replay(ctx context.Context, actionID string, upTo int64, out chan<- Event) bool {
	cursor := int64(0)
	for {
		lines, err := b.store.ListLogLines(ctx, actionID, cursor, replayPageSize)
		if err != nil {
			b.log.WithActionID(actionID).WithError(err).Error("log replay failed")
			return false
		}
		for _, line := range lines {
			if upTo > 0 && line.Seq > upTo {
				return true
			}
			select {
			case out <- Event{Line: line}:
			case <-ctx.Done():
				return false
			}
			cursor = line.Seq
		}
		if len(lines) < replayPageSize {
			return true
		}
	}
}

// drop removes a subscriber from the live set.
func (s *stream) drop(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

// Writer is the single producer handle for one action's stream.
type Writer struct {
	broker *Broker
	stream *stream
}

// Append assigns the next sequence number, durably persists the line, and
// fans it out to live subscribers. Persistence is the fast path and the
// only one that can fail; fan-out never blocks the producer, a subscriber
// with a full buffer is dropped.
func (w *Writer) Append(ctx context.Context, streamTag stores.LogStream, text string) error {
	s := w.stream

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("stream for action %s is closed", s.actionID)
	}

	line := &stores.LogLine{
		ActionID:  s.actionID,
		Seq:       s.lastSeq + 1,
		Stream:    streamTag,
		Timestamp: time.Now().UTC(),
		Text:      text,
	}

	if err := w.broker.store.AppendLogLines(ctx, []*stores.LogLine{line}); err != nil {
		return fmt.Errorf("failed to persist log line: %w", err)
	}
	s.lastSeq = line.Seq
	w.broker.metrics.RecordLogLines(1)

	for sub := range s.subs {
		select {
		case sub.ch <- Event{Line: line}:
		default:
			delete(s.subs, sub)
			close(sub.ch)
			w.broker.metrics.RecordSubscriberDropped()
			w.broker.log.WithActionID(s.actionID).Warn("subscriber dropped, buffer full")
		}
	}

	return nil
}

// LastSeq returns the highest sequence number durably written so far.
func (w *Writer) LastSeq() int64 {
	w.stream.mu.Lock()
	defer w.stream.mu.Unlock()
	return w.stream.lastSeq
}

// Close terminates the stream with an end-of-stream event to every live
// subscriber and deregisters it from the broker. Called exactly once,
// after the action has reached a terminal state.
func (w *Writer) Close() {
	s := w.stream

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for sub := range s.subs {
		select {
		case sub.ch <- Event{End: true}:
		default:
			w.broker.metrics.RecordSubscriberDropped()
		}
		close(sub.ch)
		delete(s.subs, sub)
	}
	s.mu.Unlock()

	w.broker.mu.Lock()
	delete(w.broker.streams, s.actionID)
	w.broker.mu.Unlock()
}
