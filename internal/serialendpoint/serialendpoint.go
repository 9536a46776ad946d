// Package serialendpoint wires a real TTY device's byte stream into a
// linepipe.Pipe. Opening and configuring the underlying serial port
// (baud rate, parity, and so on) is a collaborator outside this
// core's scope per spec.md §1 — this package only needs something
// that reads and writes bytes, which an *os.File opened on the
// device path already is.
package serialendpoint

import (
	"io"
	"log/slog"

	"github.com/serial-keel/serial-keel/internal/linepipe"
)

// ByteStream is the minimal contract this package needs from the OS
// serial port driver: a readable, writable byte stream that can be
// torn down. *os.File satisfies this.
type ByteStream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Endpoint reads a ByteStream into a Pipe on a dedicated goroutine
// and exposes the stream for writes made under control.
type Endpoint struct {
	name   string
	stream ByteStream
	pipe   *linepipe.Pipe
	done   chan struct{}
}

// New starts reading stream into a fresh Pipe. The read loop runs
// until stream.Read returns an error (including io.EOF), at which
// point any trailing partial line is flushed and the pipe is closed.
func New(name string, stream ByteStream, bufferSize int) *Endpoint {
	e := &Endpoint{
		name:   name,
		stream: stream,
		pipe:   linepipe.New(bufferSize),
		done:   make(chan struct{}),
	}
	go e.readLoop()
	return e
}

// Pipe returns the endpoint's line pipe for subscribing.
func (e *Endpoint) Pipe() *linepipe.Pipe { return e.pipe }

// Write sends payload to the device. Callers must hold control of
// this endpoint's unit before calling Write; that invariant is
// enforced by the allocator, not here.
func (e *Endpoint) Write(payload []byte) error {
	_, err := e.stream.Write(payload)
	return err
}

// Close tears down the underlying stream; the read loop observes the
// resulting error and finishes the pipe's shutdown.
func (e *Endpoint) Close() error {
	return e.stream.Close()
}

// Done is closed once the read loop has exited and the pipe is closed.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

func (e *Endpoint) readLoop() {
	defer close(e.done)
	defer e.pipe.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := e.stream.Read(buf)
		if n > 0 {
			e.pipe.Push(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("serial endpoint read error", "endpoint", e.name, "error", err)
			}
			return
		}
	}
}
