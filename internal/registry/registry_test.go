package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serial-keel/serial-keel/internal/endpoint"
)

func TestBuild_StandaloneEndpointsGetOwnUnits(t *testing.T) {
	t1, t2 := endpoint.Tty("t1"), endpoint.Tty("t2")
	r, err := Build(Config{
		Endpoints: []EndpointConfig{
			{ID: t1, Labels: []string{"a"}},
			{ID: t2, Labels: []string{"b"}},
		},
	})
	require.NoError(t, err)

	u1, ok := r.Resolve(t1)
	require.True(t, ok)
	assert.Equal(t, []endpoint.ID{t1}, u1.Endpoints)
	assert.True(t, u1.Labels.Has("a"))

	u2, ok := r.Resolve(t2)
	require.True(t, ok)
	assert.NotEqual(t, u1.ID, u2.ID)
}

func TestBuild_GroupMembersResolveToGroupUnit(t *testing.T) {
	t1, t2 := endpoint.Tty("t1"), endpoint.Tty("t2")
	r, err := Build(Config{
		Groups: []GroupConfig{
			{Name: "g1", Labels: []string{"d"}, Endpoints: []EndpointConfig{{ID: t1}, {ID: t2}}},
		},
	})
	require.NoError(t, err)

	u1, ok := r.Resolve(t1)
	require.True(t, ok)
	u2, ok := r.Resolve(t2)
	require.True(t, ok)
	assert.Equal(t, u1.ID, u2.ID)
	assert.Equal(t, []endpoint.ID{t1, t2}, u1.Endpoints)
	assert.True(t, u1.Labels.Has("d"))
}

func TestBuild_GroupLabelsUnionMemberLabels(t *testing.T) {
	t1, t2 := endpoint.Tty("t1"), endpoint.Tty("t2")
	r, err := Build(Config{
		Groups: []GroupConfig{
			{
				Name:   "g1",
				Labels: []string{"group-label"},
				Endpoints: []EndpointConfig{
					{ID: t1, Labels: []string{"a"}},
					{ID: t2, Labels: []string{"b"}},
				},
			},
		},
	})
	require.NoError(t, err)

	u, _ := r.Resolve(t1)
	assert.True(t, u.Labels.Has("group-label"))
	assert.True(t, u.Labels.Has("a"))
	assert.True(t, u.Labels.Has("b"))
}

func TestBuild_DuplicateEndpointAcrossStandaloneAndGroupIsError(t *testing.T) {
	t1 := endpoint.Tty("t1")
	_, err := Build(Config{
		Endpoints: []EndpointConfig{{ID: t1}},
		Groups: []GroupConfig{
			{Name: "g1", Endpoints: []EndpointConfig{{ID: t1}}},
		},
	})
	assert.Error(t, err)
}

func TestBuild_DuplicateEndpointAcrossTwoGroupsIsError(t *testing.T) {
	t1 := endpoint.Tty("t1")
	_, err := Build(Config{
		Groups: []GroupConfig{
			{Name: "g1", Endpoints: []EndpointConfig{{ID: t1}}},
			{Name: "g2", Endpoints: []EndpointConfig{{ID: t1}}},
		},
	})
	assert.Error(t, err)
}

func TestMatchLabels_ReturnsSupersetsInStableOrder(t *testing.T) {
	t1, t2, t3 := endpoint.Tty("t1"), endpoint.Tty("t2"), endpoint.Tty("t3")
	r, err := Build(Config{
		Endpoints: []EndpointConfig{
			{ID: t1, Labels: []string{"a", "b"}},
			{ID: t2, Labels: []string{"a"}},
			{ID: t3, Labels: []string{"a", "b", "c"}},
		},
	})
	require.NoError(t, err)

	matches := r.MatchLabels(endpoint.NewLabels("a", "b"))
	require.Len(t, matches, 2)
	assert.Equal(t, t1, matches[0].Endpoints[0])
	assert.Equal(t, t3, matches[1].Endpoints[0])
}

func TestMatchLabels_EmptyLabelsMatchesEveryUnit(t *testing.T) {
	t1, t2 := endpoint.Tty("t1"), endpoint.Tty("t2")
	r, err := Build(Config{
		Endpoints: []EndpointConfig{{ID: t1}, {ID: t2, Labels: []string{"x"}}},
	})
	require.NoError(t, err)

	matches := r.MatchLabels(endpoint.NewLabels())
	assert.Len(t, matches, 2)
}

func TestUnits_PreservesConfigOrderAndIndex(t *testing.T) {
	t1, t2, t3 := endpoint.Tty("t1"), endpoint.Tty("t2"), endpoint.Tty("t3")
	r, err := Build(Config{
		Endpoints: []EndpointConfig{{ID: t2}, {ID: t1}},
		Groups:    []GroupConfig{{Name: "g1", Endpoints: []EndpointConfig{{ID: t3}}}},
	})
	require.NoError(t, err)

	units := r.Units()
	require.Len(t, units, 3)
	for i, u := range units {
		assert.Equal(t, i, u.Index)
	}
	assert.Equal(t, t2, units[0].Endpoints[0])
	assert.Equal(t, t1, units[1].Endpoints[0])
}

func TestRegisterDynamic_CreatesStandaloneUnit(t *testing.T) {
	r, err := Build(Config{})
	require.NoError(t, err)

	m := endpoint.Mock("scratch")
	u, err := r.RegisterDynamic(m, endpoint.NewLabels("mock"))
	require.NoError(t, err)
	assert.Equal(t, []endpoint.ID{m}, u.Endpoints)

	resolved, ok := r.Resolve(m)
	require.True(t, ok)
	assert.Equal(t, u.ID, resolved.ID)
}

func TestRegisterDynamic_DuplicateIsError(t *testing.T) {
	r, err := Build(Config{})
	require.NoError(t, err)

	m := endpoint.Mock("scratch")
	_, err = r.RegisterDynamic(m, nil)
	require.NoError(t, err)

	_, err = r.RegisterDynamic(m, nil)
	assert.Error(t, err)
}

func TestUnregister_RemovesDynamicUnit(t *testing.T) {
	r, err := Build(Config{})
	require.NoError(t, err)

	m := endpoint.Mock("scratch")
	_, err = r.RegisterDynamic(m, nil)
	require.NoError(t, err)

	r.Unregister(m)

	_, ok := r.Resolve(m)
	assert.False(t, ok)
	assert.Empty(t, r.Units())
}

func TestUnregister_UnknownEndpointIsNoop(t *testing.T) {
	r, err := Build(Config{})
	require.NoError(t, err)
	r.Unregister(endpoint.Mock("nope")) // must not panic
}
