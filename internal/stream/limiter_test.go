package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientKey(t *testing.T) {
	assert.Equal(t, "tab-1", ClientKey("tab-1", "10.0.0.1", "curl"))
	assert.Equal(t, "10.0.0.1|curl", ClientKey("", "10.0.0.1", "curl"))
}

func TestLimiterEvictsOldest(t *testing.T) {
	l := NewLimiter(2)
	var evicted []string

	_, err := l.Acquire("k", func() { evicted = append(evicted, "first") })
	require.NoError(t, err)
	_, err = l.Acquire("k", func() { evicted = append(evicted, "second") })
	require.NoError(t, err)
	_, err = l.Acquire("k", func() { evicted = append(evicted, "third") })
	require.NoError(t, err)

	assert.Equal(t, []string{"first"}, evicted)
	assert.Equal(t, 2, l.Count("k"))

	_, err = l.Acquire("other", func() {})
	require.NoError(t, err)
	assert.Equal(t, 1, l.Count("other"))
}

func TestLimiterSkipsPinnedStreams(t *testing.T) {
	l := NewLimiter(2)
	var evicted int

	_, err := l.Acquire("k", nil)
	require.NoError(t, err)
	_, err = l.Acquire("k", func() { evicted++ })
	require.NoError(t, err)

	_, err = l.Acquire("k", func() { evicted++ })
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	// What is left is the pinned slot and the newest one, which is evictable.
	_, err = l.Acquire("k", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)

	_, err = l.Acquire("k", func() { evicted++ })
	assert.ErrorIs(t, err, ErrAdmissionRefused)
	assert.Equal(t, 2, evicted)
	assert.Equal(t, 2, l.Count("k"))
}

func TestLimiterReleaseIsIdempotent(t *testing.T) {
	l := NewLimiter(1)

	release, err := l.Acquire("k", nil)
	require.NoError(t, err)
	_, err = l.Acquire("k", nil)
	require.ErrorIs(t, err, ErrAdmissionRefused)

	release()
	release()
	assert.Equal(t, 0, l.Count("k"))

	_, err = l.Acquire("k", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Count("k"))
}

func TestLimiterUnbounded(t *testing.T) {
	l := NewLimiter(0)
	for i := 0; i < 50; i++ {
		_, err := l.Acquire("k", func() { t.Fatal("nothing should be evicted") })
		require.NoError(t, err)
	}
	assert.Equal(t, 50, l.Count("k"))
}
