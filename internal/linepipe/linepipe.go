// Package linepipe turns an arbitrary byte stream into an ordered,
// lazily-consumed sequence of lines and fans it out to any number of
// subscribers, none of which can stall the producer or each other.
package linepipe

import (
	"sync"
	"unicode/utf8"

	"github.com/serial-keel/serial-keel/internal/endpoint"
)

// DefaultBufferSize is the default per-subscriber delivery buffer, in
// lines, per spec.md §4.1.
const DefaultBufferSize = 1024

// Event is delivered to a subscriber: either a Line or a Lagged
// marker reporting how many lines were dropped for that subscriber.
type Event struct {
	Line   endpoint.Line
	Lagged int // >0 means this event is a lag marker, Line is zero
}

// IsLagged reports whether this event is a lag marker rather than a line.
func (e Event) IsLagged() bool { return e.Lagged > 0 }

// Pipe is a single-producer, multi-consumer line broadcaster for one
// endpoint. The zero value is not usable; use New.
type Pipe struct {
	mu   sync.Mutex
	seq  uint64
	buf  []byte // unterminated partial line accumulated across Push calls
	subs map[*Cursor]struct{}

	bufferSize int
	closed     bool
}

// New creates an empty Pipe. bufferSize overrides DefaultBufferSize
// when > 0.
func New(bufferSize int) *Pipe {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Pipe{
		subs:       make(map[*Cursor]struct{}),
		bufferSize: bufferSize,
	}
}

// Cursor is a subscriber's view onto a Pipe, starting from the moment
// Subscribe was called. Each Cursor has its own bounded channel; a
// slow subscriber only ever loses its own lines, never another's.
type Cursor struct {
	events chan Event
	pipe   *Pipe

	mu      sync.Mutex
	pending int // count of lines dropped since the last delivered Lagged marker
}

// Subscribe returns a Cursor that will receive every line published
// from this point on, in order.
func (p *Pipe) Subscribe() *Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := &Cursor{
		events: make(chan Event, p.bufferSize),
		pipe:   p,
	}
	p.subs[c] = struct{}{}
	if p.closed {
		close(c.events)
	}
	return c
}

// Unsubscribe detaches the cursor; any buffered but undelivered
// events are discarded and the channel is closed.
func (c *Cursor) Unsubscribe() {
	c.pipe.mu.Lock()
	defer c.pipe.mu.Unlock()

	if _, ok := c.pipe.subs[c]; ok {
		delete(c.pipe.subs, c)
		close(c.events)
	}
}

// Events returns the channel of events for this subscriber. It is
// closed when the Pipe closes or Unsubscribe is called.
func (c *Cursor) Events() <-chan Event {
	return c.events
}

// deliver attempts a non-blocking send; on a full channel, it drops
// the oldest event in favor of the newest by draining one slot first
// (lines, not the event itself, are what the spec treats as lossy —
// we drop the single oldest undelivered line and track the total).
func (c *Cursor) deliver(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
		}

		select {
		case old := <-c.events:
			c.mu.Lock()
			if old.IsLagged() {
				// An evicted marker's count carries into the next one.
				c.pending += old.Lagged
			} else {
				c.pending++
			}
			c.mu.Unlock()
		default:
			// Channel drained by the reader concurrently; retry the send.
		}
	}
}

// flushLagIfAny, if any lines were dropped since the last marker,
// enqueues a Lagged marker ahead of the next line. Called with no
// cursor lock held.
func (c *Cursor) flushLagIfAny() {
	c.mu.Lock()
	n := c.pending
	c.pending = 0
	c.mu.Unlock()

	if n > 0 {
		c.deliver(Event{Lagged: n})
	}
}

// Push appends bytes read from the underlying source, cuts complete
// lines on '\n' (stripping a trailing '\r'), and publishes each to
// every current subscriber. Malformed UTF-8 is replaced with U+FFFD;
// Push never fails.
func (p *Pipe) Push(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.buf = append(p.buf, data...)

	for {
		i := indexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := p.buf[:i]
		line = trimTrailingCR(line)
		p.publishLocked(toValidUTF8(line))
		p.buf = p.buf[i+1:]
	}
}

// Flush emits any buffered partial line (no trailing newline) as a
// final line. Called on reader EOF or explicit endpoint close.
func (p *Pipe) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.buf) == 0 {
		return
	}
	p.publishLocked(toValidUTF8(p.buf))
	p.buf = nil
}

// Close flushes any trailing partial line, then closes every
// subscriber's channel. The Pipe cannot be reused afterward.
func (p *Pipe) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if len(p.buf) > 0 {
		p.publishLocked(toValidUTF8(p.buf))
		p.buf = nil
	}
	p.closed = true
	subs := p.subs
	p.subs = make(map[*Cursor]struct{})
	p.mu.Unlock()

	for c := range subs {
		close(c.events)
	}
}

func (p *Pipe) publishLocked(text string) {
	line := endpoint.Line{Seq: p.seq, Text: text}
	p.seq++
	for c := range p.subs {
		c.flushLagIfAny()
		c.deliver(Event{Line: line})
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func trimTrailingCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}

func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return string([]rune(string(b)))
}
