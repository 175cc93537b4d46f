package muxer

import (
	"strings"
	"testing"

	"github.com/cuemby/broker/pkg/filter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreate(t *testing.T) {
	tests := []struct {
		name       string
		muxer      string
		persistent bool
	}{
		{name: "named transient", muxer: "rrd"},
		{name: "named persistent", muxer: "central", persistent: true},
		{name: "generated name", muxer: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, reg := newTestRegistry(t, true)

			m, err := reg.Create(tt.muxer, nil, nil, tt.persistent)
			require.NoError(t, err)

			if tt.muxer == "" {
				assert.True(t, strings.HasPrefix(m.Name(), "muxer-"))
			} else {
				assert.Equal(t, tt.muxer, m.Name())
			}
			assert.Equal(t, tt.persistent, m.Persistent())
			assert.True(t, m.ReadFilter().AllowsAll())
			assert.True(t, m.WriteFilter().AllowsAll())
			assert.True(t, eng.Subscribed(m))
			assert.Same(t, m, reg.Get(m.Name()))
		})
	}
}

// TestRegistryReuse tests that creating a live name returns the same muxer
func TestRegistryReuse(t *testing.T) {
	eng, reg := newTestRegistry(t, true)

	first, err := reg.Create("storage", filter.New(type1), nil, false)
	require.NoError(t, err)
	second, err := reg.Create("storage", filter.New(type2), filter.None(), false)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, eng.SubscriberCount())
	assert.True(t, first.ReadFilter().Allows(type2))
	assert.False(t, first.ReadFilter().Allows(type1))
	assert.False(t, first.WriteFilter().Allows(type1))
}

// TestRegistryNames tests listing and closing
func TestRegistryNames(t *testing.T) {
	eng, reg := newTestRegistry(t, true)

	for _, name := range []string{"rrd", "central", "storage"} {
		_, err := reg.Create(name, nil, nil, false)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"central", "rrd", "storage"}, reg.Names())

	require.NoError(t, reg.Get("rrd").Close())
	assert.Equal(t, []string{"central", "storage"}, reg.Names())
	assert.Len(t, reg.Stats(), 2)

	require.NoError(t, reg.Close())
	assert.Empty(t, reg.Names())
	assert.Equal(t, 0, eng.SubscriberCount())
}

// TestRegistryQueueStats tests the metrics collector view
func TestRegistryQueueStats(t *testing.T) {
	eng, reg := newTestRegistry(t, true)
	eng.SetEventQueueMaxSize(2)

	m, err := reg.Create("central", nil, nil, false)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		eng.Publish(ev(type1, "x"))
	}
	_, ok, err := m.Read(past())
	require.NoError(t, err)
	require.True(t, ok)

	stats := reg.QueueStats()
	require.Len(t, stats, 1)
	assert.Equal(t, "central", stats[0].Name)
	assert.Equal(t, 1, stats[0].Queued)
	assert.Equal(t, 1, stats[0].Unacknowledged)
	assert.Equal(t, 3, stats[0].FileRecords)
}

// TestRegistryPersistenceMismatch tests that a live muxer keeps its mode
func TestRegistryPersistenceMismatch(t *testing.T) {
	_, reg := newTestRegistry(t, true)

	m, err := reg.Create("central", nil, nil, true)
	require.NoError(t, err)

	_, err = reg.Create("central", nil, nil, false)
	assert.ErrorIs(t, err, ErrPersistenceMismatch)
	assert.True(t, m.Persistent())
	assert.Same(t, m, reg.Get("central"))
}
