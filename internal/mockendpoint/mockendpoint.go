// Package mockendpoint implements the synthetic endpoint whose "bytes
// read" are derived from bytes written to it by a controlling
// session, segmented on line boundaries. See spec.md §4.2.
package mockendpoint

import (
	"bytes"

	"github.com/serial-keel/serial-keel/internal/linepipe"
)

// Mock is an in-memory endpoint: writes to it are immediately framed
// into lines and published on its Pipe. Every write is a
// self-contained flush — a trailing fragment without a newline is
// still emitted as its own line, so two consecutive writes never
// concatenate into one line.
type Mock struct {
	pipe *linepipe.Pipe
}

// New creates a Mock with the given per-subscriber buffer size (0 for
// the default).
func New(bufferSize int) *Mock {
	return &Mock{pipe: linepipe.New(bufferSize)}
}

// Pipe returns the underlying line pipe for subscribing.
func (m *Mock) Pipe() *linepipe.Pipe { return m.pipe }

// Write frames payload into lines and publishes them. A write of N
// bytes containing K newline terminators produces K lines, or K+1 if
// the payload does not end in a separator, per spec.md's mock
// symmetry invariant.
func (m *Mock) Write(payload []byte) {
	rest := payload
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		m.pipe.Push(rest[:i+1])
		rest = rest[i+1:]
	}
	if len(rest) > 0 {
		// Self-contained flush: emit the trailing fragment as its own
		// line now rather than carrying it into the next write.
		m.pipe.Push(rest)
		m.pipe.Flush()
	}
}

// Close shuts down the mock's underlying pipe.
func (m *Mock) Close() {
	m.pipe.Close()
}
