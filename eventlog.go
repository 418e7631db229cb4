package cannery

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// EventLog is an append-only, in-memory record of every message sent on a
// session's streams. Each appended message receives an event ID that clients
// can hand back later (via the Last-Event-ID header) to resume delivery from
// the point they last saw, scoped to the stream that ID belongs to.
//
// Event IDs embed a per-log nonce, so an ID minted by a different log instance
// (or an earlier process) can never resolve against this one. Beyond that,
// consumers must treat IDs as opaque.
//
// The log lives and dies with its owning session; nothing is persisted.
type EventLog struct {
	nonce string

	mu           sync.RWMutex
	streams      map[string][]logEvent
	index        map[string]eventRef
	counters     map[string]uint64
	maxPerStream int
}

// EventLogOption represents the options for the EventLog.
type EventLogOption func(*EventLog)

type logEvent struct {
	id       string
	sequence uint64
	message  json.RawMessage
}

type eventRef struct {
	streamID string
	sequence uint64
}

// NewEventLog creates an empty event log with a fresh nonce.
func NewEventLog(options ...EventLogOption) *EventLog {
	l := &EventLog{
		nonce:    uuid.New().String(),
		streams:  make(map[string][]logEvent),
		index:    make(map[string]eventRef),
		counters: make(map[string]uint64),
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// WithMaxEventsPerStream bounds the number of events retained per stream. When
// the bound is exceeded the oldest events of that stream are evicted, and a
// replay from an evicted cursor degrades to the "cannot resume" empty result.
// Zero (the default) retains everything for the lifetime of the log.
func WithMaxEventsPerStream(n int) EventLogOption {
	return func(l *EventLog) {
		l.maxPerStream = n
	}
}

// Append records message on the given stream and returns the event ID assigned
// to it. Append never fails and never inspects the message contents.
func (l *EventLog) Append(streamID string, message json.RawMessage) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.counters[streamID] + 1
	l.counters[streamID] = seq

	id := fmt.Sprintf("%s_%s_%d", l.nonce, streamID, seq)

	l.streams[streamID] = append(l.streams[streamID], logEvent{
		id:       id,
		sequence: seq,
		message:  message,
	})
	l.index[id] = eventRef{streamID: streamID, sequence: seq}

	if l.maxPerStream > 0 {
		for len(l.streams[streamID]) > l.maxPerStream {
			evicted := l.streams[streamID][0]
			l.streams[streamID] = l.streams[streamID][1:]
			delete(l.index, evicted.id)
		}
	}

	return id
}

// ReplayAfter looks up lastEventID and, if it resolves, invokes sink once per
// event recorded on the same stream with a strictly greater sequence, in
// ascending order, then returns that stream's ID. The looked-up event itself is
// never replayed, and events of other streams are never delivered.
//
// An unknown, malformed, or foreign-log ID is not an error: ReplayAfter returns
// the empty string and invokes sink zero times, signalling that the caller
// cannot resume and should start fresh.
func (l *EventLog) ReplayAfter(lastEventID string, sink func(eventID string, message json.RawMessage)) string {
	l.mu.RLock()

	ref, ok := l.index[lastEventID]
	if !ok {
		l.mu.RUnlock()
		return ""
	}

	// Copy the tail under the read lock so appends racing with a slow sink
	// cannot shift the slice out from under us.
	var tail []logEvent
	for _, ev := range l.streams[ref.streamID] {
		if ev.sequence > ref.sequence {
			tail = append(tail, ev)
		}
	}
	l.mu.RUnlock()

	for _, ev := range tail {
		sink(ev.id, ev.message)
	}

	return ref.streamID
}
