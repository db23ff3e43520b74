package rawfile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slsframe-go/internal/file"
	"slsframe-go/internal/pipeline"
	"slsframe-go/internal/rawfile"
	"slsframe-go/internal/types"
)

type countFrames struct{ numbers []uint64 }

func (c *countFrames) ProcessFrame(f *types.Frame) ([]types.Hit, error) {
	c.numbers = append(c.numbers, f.Number)
	return nil, nil
}

func TestPipelineReplaysMisalignedAcquisition(t *testing.T) {
	master := rawfile.WriteMisalignedAcquisition(t, 3)
	f, err := file.Open(master)
	require.NoError(t, err)
	defer f.Close()

	proc := &countFrames{}
	p, err := pipeline.New(pipeline.NewFileSource(f, 0), proc, pipeline.DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, p.Run(ctx))
	require.NoError(t, ctx.Err(), "run only returned at the deadline")
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, []uint64{1, 2}, proc.numbers)
	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Consumed)
	assert.Zero(t, stats.SourceErrors)
}
