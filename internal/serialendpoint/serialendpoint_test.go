package serialendpoint

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serial-keel/serial-keel/internal/util/testutil"
)

// fakeStream is an in-memory ByteStream backed by an io.Pipe, used to
// simulate a TTY device without touching the OS.
type fakeStream struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	writes chan []byte
}

func newFakeStream() *fakeStream {
	r, w := io.Pipe()
	return &fakeStream{r: r, w: w, writes: make(chan []byte, 16)}
}

func (f *fakeStream) Read(p []byte) (int, error) { return f.r.Read(p) }
func (f *fakeStream) Write(p []byte) (int, error) {
	f.writes <- append([]byte{}, p...)
	return len(p), nil
}
func (f *fakeStream) Close() error { return f.w.Close() }

func (f *fakeStream) produce(data string) {
	_, _ = f.w.Write([]byte(data))
}

func TestEndpoint_PublishesLinesFromStream(t *testing.T) {
	fs := newFakeStream()
	e := New("t1", fs, 0)
	c := e.Pipe().Subscribe()

	fs.produce("hello\nworld\n")

	ev := <-c.Events()
	assert.Equal(t, "hello", ev.Line.Text)
	ev = <-c.Events()
	assert.Equal(t, "world", ev.Line.Text)
}

func TestEndpoint_FlushesPartialLineOnClose(t *testing.T) {
	fs := newFakeStream()
	e := New("t2", fs, 0)
	c := e.Pipe().Subscribe()

	fs.produce("partial")
	require.NoError(t, e.Close())

	<-e.Done()

	ev, ok := <-c.Events()
	require.True(t, ok)
	assert.Equal(t, "partial", ev.Line.Text)
}

func TestEndpoint_WriteForwardsToStream(t *testing.T) {
	fs := newFakeStream()
	e := New("t3", fs, 0)

	require.NoError(t, e.Write([]byte("AT+CMD\n")))

	select {
	case got := <-fs.writes:
		assert.Equal(t, "AT+CMD\n", string(got))
	default:
		t.Fatal("expected a write to reach the stream")
	}
}

func TestEndpoint_DoneClosesAfterStreamCloses(t *testing.T) {
	fs := newFakeStream()
	e := New("t4", fs, 0)

	require.NoError(t, e.Close())

	testutil.RequireEventually(t, func() bool {
		select {
		case <-e.Done():
			return true
		default:
			return false
		}
	})
}
