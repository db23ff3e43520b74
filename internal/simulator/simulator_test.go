package simulator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slsframe-go/internal/processing"
	"slsframe-go/internal/types"
)

func TestGeneratorPeaksAreFoundOnce(t *testing.T) {
	cfg := DefaultConfig(64, 64)
	cfg.Seed = 7
	cfg.Noise = 0
	cfg.Pedestal = 10
	gen, err := NewGenerator(cfg)
	require.NoError(t, err)
	finder, err := processing.NewClusterFinder(64, 64, 3)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		frame, peaks := gen.Next()
		assert.Equal(t, uint64(i), frame.Number)
		require.Len(t, peaks, cfg.Peaks)

		hits, err := finder.Find(frame, cfg.Pedestal+cfg.Amplitude/2)
		require.NoError(t, err)
		require.Len(t, hits, len(peaks))
		found := make(map[Peak]bool, len(hits))
		for _, h := range hits {
			found[Peak{Row: h.Row, Col: h.Col}] = true
		}
		for _, p := range peaks {
			assert.True(t, found[p], "peak %+v not found", p)
		}
	}
}

func TestGeneratorClampsToDType(t *testing.T) {
	cfg := DefaultConfig(4, 4)
	cfg.DType = types.Uint8
	cfg.Pedestal = 1000
	cfg.Noise = 0
	cfg.Peaks = 0
	gen, err := NewGenerator(cfg)
	require.NoError(t, err)
	frame, _ := gen.Next()
	assert.Equal(t, 255.0, frame.PixelAt(2, 3))

	_, err = NewGenerator(Config{})
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestStreamStopsAfterFrames(t *testing.T) {
	cfg := DefaultConfig(8, 8)
	cfg.Rate = 0
	cfg.Frames = 3
	frames, err := Stream(context.Background(), cfg)
	require.NoError(t, err)
	var got []uint64
	for f := range frames {
		got = append(got, f.Number)
	}
	assert.Equal(t, []uint64{0, 1, 2}, got)
}
