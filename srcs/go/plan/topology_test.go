package plan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullSpec(rank, size, localRank, localSize, crossRank, crossSize int, chief string) TopologySpec {
	return TopologySpec{
		Rank:         IntPtr(rank),
		Size:         IntPtr(size),
		LocalRank:    IntPtr(localRank),
		LocalSize:    IntPtr(localSize),
		CrossRank:    IntPtr(crossRank),
		CrossSize:    IntPtr(crossSize),
		ChiefAddress: chief,
	}
}

func Test_NewTopology_none(t *testing.T) {
	topo, err := NewTopology(TopologySpec{})
	require.NoError(t, err)
	assert.Equal(t, DummyTopology{}, topo)
	assert.True(t, topo.IsChief())
	assert.True(t, topo.IsLocalChief())
	assert.Equal(t, 1, topo.Size())
	assert.Equal(t, 1, topo.NumAgents())
	assert.Equal(t, LoopbackAddr, topo.ChiefAddress())
}

func Test_NewTopology_partial(t *testing.T) {
	spec := TopologySpec{Rank: IntPtr(1), Size: IntPtr(4)}
	_, err := NewTopology(spec)
	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, cerr.Reason, "local_rank")
	assert.Contains(t, cerr.Reason, "cross_size")
}

func Test_NewTopology_missing_chief(t *testing.T) {
	_, err := NewTopology(fullSpec(2, 4, 0, 2, 1, 2, ""))
	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, cerr.Error(), "chief address")
}

func Test_NewTopology_single_machine(t *testing.T) {
	topo, err := NewTopology(fullSpec(1, 2, 1, 2, 0, 1, ""))
	require.NoError(t, err)
	assert.Equal(t, LoopbackAddr, topo.ChiefAddress())
	assert.False(t, topo.IsChief())
	assert.False(t, topo.IsLocalChief())
	assert.Equal(t, 1, topo.LocalRank())
}

func Test_NewTopology_multi_machine(t *testing.T) {
	topo, err := NewTopology(fullSpec(2, 4, 0, 2, 1, 2, "10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", topo.ChiefAddress())
	assert.Equal(t, 2, topo.NumAgents())
	assert.Equal(t, 1, topo.CrossRank())
	assert.False(t, topo.IsChief())
	assert.True(t, topo.IsLocalChief())
}

func Test_NewTopology_out_of_range(t *testing.T) {
	cases := []TopologySpec{
		fullSpec(4, 4, 0, 1, 0, 1, ""),
		fullSpec(0, 4, 2, 2, 0, 2, "h"),
		fullSpec(0, 4, 0, 2, 2, 2, "h"),
		fullSpec(0, 0, 0, 1, 0, 1, ""),
		fullSpec(0, 2, 0, 4, 0, 1, ""),
	}
	for _, spec := range cases {
		_, err := NewTopology(spec)
		var cerr *ConfigError
		assert.True(t, errors.As(err, &cerr), "%+v", spec)
	}
}
