package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(regions []Region) []string {
	out := make([]string, len(regions))
	for i, r := range regions {
		out[i] = r.ID
	}
	return out
}

func TestStoreRegisterAndList(t *testing.T) {
	s := NewStore()

	for _, id := range []string{"c", "a", "b"} {
		replaced, err := s.Register(geoRegion(id))
		require.NoError(t, err)
		assert.False(t, replaced)
	}

	assert.Equal(t, []string{"c", "a", "b"}, ids(s.List()))
	assert.Equal(t, 3, s.Len())
}

func TestStoreReplaceKeepsPosition(t *testing.T) {
	s := NewStore()
	_, _ = s.Register(geoRegion("a"))
	_, _ = s.Register(geoRegion("b"))

	updated := geoRegion("a")
	updated.Radius = 900
	replaced, err := s.Register(updated)
	require.NoError(t, err)
	assert.True(t, replaced)

	assert.Equal(t, []string{"a", "b"}, ids(s.List()))
	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 900.0, got.Radius)
}

func TestStoreInvalidKeepsPrevious(t *testing.T) {
	s := NewStore()
	_, err := s.Register(geoRegion("a"))
	require.NoError(t, err)

	bad := geoRegion("a")
	bad.Radius = -1
	_, err = s.Register(bad)
	assert.ErrorIs(t, err, ErrInvalid)

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 150.0, got.Radius)
}

func TestStoreUnregister(t *testing.T) {
	s := NewStore()
	_, _ = s.Register(geoRegion("a"))
	_, _ = s.Register(geoRegion("b"))

	assert.True(t, s.Unregister("a"))
	assert.False(t, s.Unregister("a"))
	assert.False(t, s.Unregister("missing"))

	_, ok := s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, ids(s.List()))
}
