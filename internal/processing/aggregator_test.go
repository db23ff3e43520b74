package processing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"slsframe-go/internal/types"
)

func TestAggregatorCountsSeeds(t *testing.T) {
	agg := NewAggregator(2, 3, 2)
	assert.False(t, agg.AddHits([]types.Hit{{Row: 0, Col: 1}, {Row: 1, Col: 2}, {Row: 5, Col: 5}}))
	assert.True(t, agg.AddHits([]types.Hit{{Row: 0, Col: 1}}))
	assert.False(t, agg.AddHits(nil))

	snap := agg.SnapshotCopy()
	assert.Equal(t, 3, snap.Frames)
	assert.Equal(t, uint64(4), snap.Hits)
	assert.Equal(t, []uint32{0, 2, 0, 0, 0, 1}, snap.Counts)
	assert.Equal(t, []int{3, 1, 0}, snap.Recent)

	snap.Counts[1] = 99
	assert.Equal(t, uint32(2), agg.Counts()[1])

	agg.Reset()
	assert.Zero(t, agg.Frames())
	assert.Zero(t, agg.Hits())
	assert.Empty(t, agg.SnapshotCopy().Recent)
}

func TestAggregatorRecentIsBounded(t *testing.T) {
	agg := NewAggregator(1, 1, 0)
	for i := 0; i < recentFrames+10; i++ {
		assert.False(t, agg.AddHits(make([]types.Hit, i%3)))
	}
	snap := agg.SnapshotCopy()
	assert.Len(t, snap.Recent, recentFrames)
	assert.Equal(t, (recentFrames+9)%3, snap.Recent[recentFrames-1])
}
