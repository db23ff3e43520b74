package processing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slsframe-go/internal/types"
)

func constFrame(rows, cols int, v float64) *types.Frame {
	f := types.NewFrame(rows, cols, types.Uint16)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			f.SetPixel(r, c, v)
		}
	}
	return f
}

func TestPedestalMeanAndStdDev(t *testing.T) {
	p, err := NewPedestal(2, 3, 4)
	require.NoError(t, err)
	for _, v := range []float64{8, 12, 8, 12} {
		require.NoError(t, p.Push(constFrame(2, 3, v)))
	}
	assert.True(t, p.Filled())
	assert.InDelta(t, 10.0, p.Mean(1, 2), 1e-12)
	assert.InDelta(t, 2.0, p.StdDev(0, 1), 1e-12)
}

func TestPedestalMovingWindow(t *testing.T) {
	p, err := NewPedestal(1, 1, 2)
	require.NoError(t, err)
	p.PushValues([]float64{0})
	p.PushValues([]float64{0})
	p.PushValues([]float64{10})
	assert.InDelta(t, 5.0, p.Mean(0, 0), 1e-12)
	p.PushValues([]float64{10})
	assert.InDelta(t, 7.5, p.Mean(0, 0), 1e-12)
}

func TestPedestalCorrect(t *testing.T) {
	p, err := NewPedestal(2, 2, 2)
	require.NoError(t, err)
	assert.False(t, p.Filled())
	require.NoError(t, p.Push(constFrame(2, 2, 100)))
	require.NoError(t, p.Push(constFrame(2, 2, 100)))

	frame := constFrame(2, 2, 100)
	frame.SetPixel(1, 0, 130)
	dst := make([]float64, 4)
	require.NoError(t, p.Correct(frame, dst))
	assert.Equal(t, []float64{0, 0, 30, 0}, dst)

	assert.ErrorIs(t, p.Correct(constFrame(3, 2, 0), make([]float64, 6)), types.ErrConfig)
	p.Reset()
	assert.Zero(t, p.Mean(0, 0))
}

func TestPedestalMaskedPush(t *testing.T) {
	p, err := NewPedestal(1, 2, 8)
	require.NoError(t, err)
	p.PushMasked([]float64{4, 500}, func(idx int) bool { return idx == 1 })
	assert.Equal(t, 4.0, p.Mean(0, 0))
	assert.Zero(t, p.Mean(0, 1))
}

func TestProcessorBuildsPedestalThenFindsHits(t *testing.T) {
	proc, err := NewProcessor(ProcessorConfig{
		Rows: 6, Cols: 6, Window: 3, Threshold: 20,
		PedestalFrames: 3, TrackPedestal: true,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.True(t, proc.Calibrating())
		hits, err := proc.ProcessFrame(constFrame(6, 6, 100))
		require.NoError(t, err)
		assert.Empty(t, hits)
	}
	assert.False(t, proc.Calibrating())

	frame := constFrame(6, 6, 100)
	frame.SetPixel(3, 1, 150)
	hits, err := proc.ProcessFrame(frame)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 50.0, hits[0].Max)
	// the hit pixel does not leak into the pedestal
	assert.InDelta(t, 100.0, proc.Pedestal().Mean(3, 1), 1e-12)

	proc.Reset()
	assert.True(t, proc.Calibrating())
}

func TestProcessorWithoutPedestal(t *testing.T) {
	proc, err := NewProcessor(ProcessorConfig{Rows: 3, Cols: 3, Window: 3, Threshold: 5})
	require.NoError(t, err)
	assert.False(t, proc.Calibrating())
	hits, err := proc.ProcessFrame(frameWith(3, 3, map[[2]int]float64{{1, 1}: 9}))
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}
