package output

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slsframe-go/internal/processing"
	"slsframe-go/internal/types"
)

func TestClusterFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusters.clust")
	w, err := CreateClusterFile(path)
	require.NoError(t, err)

	cf, err := processing.NewClusterFinder(6, 6, 3)
	require.NoError(t, err)
	frame := types.NewFrame(6, 6, types.Uint16)
	frame.Number = 7
	frame.SetPixel(2, 2, 50)
	frame.SetPixel(2, 3, 6)
	frame.SetPixel(5, 0, 20)
	hits, err := cf.Find(frame, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	require.NoError(t, w.Consume(frame, hits))
	empty := frame.Clone()
	empty.Number = 8
	require.NoError(t, w.Consume(empty, nil))
	require.NoError(t, w.WriteFrame(ClusterFrame{Number: -1, Clusters: []Cluster{{X: -2, Y: 300, Data: [9]int32{-5, 0, 0, 0, 1 << 20}}}}))
	assert.Equal(t, uint64(3), w.Frames())
	assert.Equal(t, uint64(3), w.Clusters())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteFrame(ClusterFrame{}), types.ErrClosed)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3*8+3*clusterSize), info.Size())

	r, err := OpenClusterFile(path)
	require.NoError(t, err)
	defer r.Close()

	fr, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, int32(7), fr.Number)
	require.Len(t, fr.Clusters, 2)
	assert.Equal(t, Cluster{X: 2, Y: 2, Data: [9]int32{0, 0, 0, 0, 50, 6, 0, 0, 0}}, fr.Clusters[0])
	assert.Equal(t, Cluster{X: 0, Y: 5, Data: [9]int32{0, 0, 0, 0, 20, 0, 0, 0, 0}}, fr.Clusters[1])

	fr, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, int32(8), fr.Number)
	assert.Empty(t, fr.Clusters)

	fr, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, int32(-1), fr.Number)
	assert.Equal(t, []Cluster{{X: -2, Y: 300, Data: [9]int32{-5, 0, 0, 0, 1 << 20}}}, fr.Clusters)

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestClusterFileReadClustersSpansFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusters.clust")
	w, err := CreateClusterFile(path)
	require.NoError(t, err)
	for n := int32(0); n < 3; n++ {
		fr := ClusterFrame{Number: n}
		for i := int16(0); i < 2; i++ {
			fr.Clusters = append(fr.Clusters, Cluster{X: i, Y: int16(n)})
		}
		require.NoError(t, w.WriteFrame(fr))
	}
	require.NoError(t, w.Close())

	r, err := OpenClusterFile(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.ReadClusters(3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, Cluster{X: 0, Y: 1}, got[2])
	assert.Equal(t, int32(1), r.Frame())

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, types.ErrFormat)

	got, err = r.ReadClusters(10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, Cluster{X: 1, Y: 2}, got[2])

	got, err = r.ReadClusters(1)
	require.NoError(t, err)
	assert.Empty(t, got)
	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestClusterFileRejectsTruncated(t *testing.T) {
	dir := t.TempDir()
	b := binary.LittleEndian.AppendUint32(nil, 1)
	b = binary.LittleEndian.AppendUint32(b, 2)
	b = append(b, make([]byte, clusterSize+3)...)
	path := filepath.Join(dir, "short.clust")
	require.NoError(t, os.WriteFile(path, b, 0o644))

	r, err := OpenClusterFile(path)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, types.ErrFormat)

	path = filepath.Join(dir, "header.clust")
	require.NoError(t, os.WriteFile(path, []byte{1, 0, 0, 0, 2}, 0o644))
	r2, err := OpenClusterFile(path)
	require.NoError(t, err)
	defer r2.Close()
	_, err = r2.ReadFrame()
	assert.ErrorIs(t, err, types.ErrFormat)
}

func TestClusterFromHitNeedsThreeByThree(t *testing.T) {
	_, err := ClusterFromHit(types.Hit{Row: 1, Col: 1, Pixels: make([]float64, 25)})
	assert.ErrorIs(t, err, types.ErrConfig)
	_, err = ClusterFromHit(types.Hit{Row: 40000, Pixels: make([]float64, 9)})
	assert.ErrorIs(t, err, types.ErrConfig)

	c, err := ClusterFromHit(types.Hit{Row: 3, Col: 4, Pixels: []float64{0, 1.4, 1.6, -2.5, 9, 0, 0, 0, 1e12}})
	require.NoError(t, err)
	assert.Equal(t, Cluster{X: 4, Y: 3, Data: [9]int32{0, 1, 2, -3, 9, 0, 0, 0, 2147483647}}, c)
}
