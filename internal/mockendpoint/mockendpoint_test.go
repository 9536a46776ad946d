package mockendpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrite_ABCRoundTrip(t *testing.T) {
	m := New(0)
	c := m.Pipe().Subscribe()

	m.Write([]byte("A\nB\nC"))

	var got []string
	for i := 0; i < 3; i++ {
		ev := <-c.Events()
		got = append(got, ev.Line.Text)
	}
	assert.Equal(t, []string{"A", "B", "C"}, got)
}

func TestWrite_TrailingFragmentIsOwnLine(t *testing.T) {
	m := New(0)
	c := m.Pipe().Subscribe()

	m.Write([]byte("first"))
	ev := <-c.Events()
	assert.Equal(t, "first", ev.Line.Text)

	m.Write([]byte("second"))
	ev = <-c.Events()
	assert.Equal(t, "second", ev.Line.Text, "a second write must not concatenate with the prior fragment")
}

func TestWrite_TerminatedPayloadProducesExactLineCount(t *testing.T) {
	m := New(0)
	c := m.Pipe().Subscribe()

	m.Write([]byte("x\ny\nz\n"))

	for _, want := range []string{"x", "y", "z"} {
		ev := <-c.Events()
		assert.Equal(t, want, ev.Line.Text)
	}

	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected extra line: %+v", ev)
	default:
	}
}

func TestWrite_EmptyPayloadProducesNoLine(t *testing.T) {
	m := New(0)
	c := m.Pipe().Subscribe()

	m.Write(nil)

	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected line from empty write: %+v", ev)
	default:
	}
}
