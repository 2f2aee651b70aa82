package sidecar

import (
	"sync"
	"sync/atomic"
	"time"
)

// LogLine is one captured line of sidecar output. Seq increases by one
// per line, so a log viewer that reconnects can compare sequence
// numbers and tell whether it missed anything while detached.
type LogLine struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Content   string    `json:"content"`
}

// LogSubscriber receives lines in real time. Delivery is best-effort:
// lines a full subscriber misses are counted, never queued, so the
// capture path cannot stall on a stuck log viewer.
type LogSubscriber struct {
	ch      chan LogLine
	dropped atomic.Uint64
}

// C returns the receive channel. It is closed by Unsubscribe.
func (s *LogSubscriber) C() <-chan LogLine {
	return s.ch
}

// Dropped reports how many lines were skipped because this subscriber
// was not keeping up.
func (s *LogSubscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// RingLog keeps the most recent sidecar output lines. Once the
// capacity is reached the oldest line is overwritten, so a chatty
// sidecar cannot grow memory without bound.
type RingLog struct {
	mu    sync.Mutex
	lines []LogLine
	size  int
	next  uint64 // seq assigned to the next line
	first uint64 // seq of the oldest retained line

	subMu sync.RWMutex
	subs  map[*LogSubscriber]struct{}
}

// NewRingLog creates a ring log with the given line capacity.
func NewRingLog(size int) *RingLog {
	if size <= 0 {
		size = 1000
	}
	return &RingLog{
		lines: make([]LogLine, size),
		size:  size,
		subs:  make(map[*LogSubscriber]struct{}),
	}
}

// Add stamps the line with the next sequence number, stores it, and
// fans it out to subscribers without blocking.
func (l *RingLog) Add(line LogLine) {
	l.mu.Lock()
	line.Seq = l.next
	l.lines[int(l.next%uint64(l.size))] = line
	l.next++
	if l.next-l.first > uint64(l.size) {
		l.first = l.next - uint64(l.size)
	}
	l.mu.Unlock()

	l.subMu.RLock()
	for sub := range l.subs {
		select {
		case sub.ch <- line:
		default:
			sub.dropped.Add(1)
		}
	}
	l.subMu.RUnlock()
}

// snapshot copies the retained lines oldest first. A non-empty stream
// keeps only that stream's lines.
func (l *RingLog) snapshot(stream string) []LogLine {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogLine, 0, l.next-l.first)
	for seq := l.first; seq < l.next; seq++ {
		line := l.lines[int(seq%uint64(l.size))]
		if stream != "" && line.Stream != stream {
			continue
		}
		result = append(result, line)
	}
	return result
}

// GetAll returns all retained lines, oldest first.
func (l *RingLog) GetAll() []LogLine {
	return l.snapshot("")
}

// GetLast returns the last n retained lines.
func (l *RingLog) GetLast(n int) []LogLine {
	return l.Tail("", n)
}

// Tail returns the last n lines of one stream, or of both when stream
// is empty.
func (l *RingLog) Tail(stream string, n int) []LogLine {
	lines := l.snapshot(stream)
	if n >= 0 && n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// Count returns the number of retained lines.
func (l *RingLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.next - l.first)
}

// Clear drops the retained lines. Sequence numbers keep counting so
// subscribers can still order lines across a clear.
func (l *RingLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.first = l.next
}

// Subscribe registers a live subscriber.
func (l *RingLog) Subscribe() *LogSubscriber {
	sub := &LogSubscriber{ch: make(chan LogLine, 100)}

	l.subMu.Lock()
	l.subs[sub] = struct{}{}
	l.subMu.Unlock()

	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to
// call more than once.
func (l *RingLog) Unsubscribe(sub *LogSubscriber) {
	l.subMu.Lock()
	if _, ok := l.subs[sub]; !ok {
		l.subMu.Unlock()
		return
	}
	delete(l.subs, sub)
	l.subMu.Unlock()
	close(sub.ch)
}
