package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serial-keel/serial-keel/internal/endpoint"
	"github.com/serial-keel/serial-keel/internal/linepipe"
)

func TestObserve_DeliversLinesPublishedAfterSubscribe(t *testing.T) {
	r := New()
	p := linepipe.New(4)

	c, created, err := r.Observe("s1", endpoint.Mock("console"), p)
	require.NoError(t, err)
	assert.True(t, created)

	p.Push([]byte("hello\n"))
	ev := <-c.Events()
	assert.Equal(t, "hello", ev.Line.Text)
}

func TestObserve_DuplicateIsIdempotent(t *testing.T) {
	r := New()
	p := linepipe.New(4)

	c1, created1, err := r.Observe("s1", endpoint.Mock("console"), p)
	require.NoError(t, err)
	assert.True(t, created1)

	c2, created2, err := r.Observe("s1", endpoint.Mock("console"), p)
	require.NoError(t, err)
	assert.False(t, created2, "a duplicate Observe must not start a second subscription")
	assert.Same(t, c1, c2, "a duplicate Observe returns the existing cursor")
}

func TestObserve_IndependentSessionsCanObserveSameEndpoint(t *testing.T) {
	r := New()
	p := linepipe.New(4)

	_, _, err := r.Observe("s1", endpoint.Mock("console"), p)
	require.NoError(t, err)
	_, _, err = r.Observe("s2", endpoint.Mock("console"), p)
	require.NoError(t, err)

	assert.True(t, r.IsObserving("s1", endpoint.Mock("console")))
	assert.True(t, r.IsObserving("s2", endpoint.Mock("console")))
}

func TestUnobserve_ClosesCursorAndAllowsReObserve(t *testing.T) {
	r := New()
	p := linepipe.New(4)

	c, _, err := r.Observe("s1", endpoint.Mock("console"), p)
	require.NoError(t, err)

	require.NoError(t, r.Unobserve("s1", endpoint.Mock("console")))
	_, ok := <-c.Events()
	assert.False(t, ok, "cursor channel should be closed after Unobserve")

	_, created, err := r.Observe("s1", endpoint.Mock("console"), p)
	require.NoError(t, err)
	assert.True(t, created, "re-observing after Unobserve should start a fresh subscription")
}

func TestUnobserve_NotObservingIsError(t *testing.T) {
	r := New()
	err := r.Unobserve("s1", endpoint.Mock("console"))
	assert.ErrorIs(t, err, ErrNotObserving)
}

func TestReleaseSession_TearsDownOnlyThatSessionsSubscriptions(t *testing.T) {
	r := New()
	p := linepipe.New(4)

	c1, _, err := r.Observe("s1", endpoint.Mock("console"), p)
	require.NoError(t, err)
	_, _, err = r.Observe("s2", endpoint.Mock("console"), p)
	require.NoError(t, err)

	r.ReleaseSession("s1")

	_, ok := <-c1.Events()
	assert.False(t, ok)
	assert.True(t, r.IsObserving("s2", endpoint.Mock("console")))
}
