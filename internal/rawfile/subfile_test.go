package rawfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slsframe-go/internal/types"
)

func TestSubFileReadImpl(t *testing.T) {
	g := PartGeometry{Rows: 4, Cols: 3, DType: types.Uint16}
	path := filepath.Join(t.TempDir(), "d.raw")
	headers := []DetectorHeader{{FrameNumber: 10}, {FrameNumber: 11}, {FrameNumber: 12}}
	parts := [][]byte{patternPart(g, 0, 0), patternPart(g, 0, 1), patternPart(g, 0, 2)}
	writeRecords(t, path, headers, parts)

	sf, err := OpenSubFile(path, g, Normal, nil)
	require.NoError(t, err)
	defer sf.Close()
	assert.Equal(t, 3, sf.Frames())
	assert.Equal(t, g.Bytes(), sf.BytesPerPart())

	dst := make([]byte, 2*g.Bytes())
	got, err := sf.ReadImpl(dst, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(10), got[0].FrameNumber)
	assert.Equal(t, uint64(11), got[1].FrameNumber)
	assert.Equal(t, parts[0], dst[:g.Bytes()])
	assert.Equal(t, parts[1], dst[g.Bytes():])
	assert.Equal(t, 2, sf.Tell())

	h, err := sf.ReadHeader(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), h.FrameNumber)
	assert.Equal(t, 2, sf.Tell())

	_, err = sf.ReadImpl(dst, 2)
	assert.ErrorIs(t, err, types.ErrFormat)

	require.NoError(t, sf.Seek(0))
	_, err = sf.ReadImpl(dst[:g.Bytes()], 1)
	require.NoError(t, err)
	assert.Equal(t, parts[0], dst[:g.Bytes()])
}

func TestSubFileFlip(t *testing.T) {
	g := PartGeometry{Rows: 2, Cols: 2, DType: types.Uint8}
	path := filepath.Join(t.TempDir(), "d.raw")
	writeRecords(t, path, []DetectorHeader{{FrameNumber: 1}}, [][]byte{{1, 2, 3, 4}})

	sf, err := OpenSubFile(path, g, Flip, nil)
	require.NoError(t, err)
	defer sf.Close()
	dst := make([]byte, 4)
	_, err = sf.ReadImpl(dst, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 1, 2}, dst)
}

func TestSubFileTruncated(t *testing.T) {
	g := PartGeometry{Rows: 2, Cols: 2, DType: types.Uint16}
	path := filepath.Join(t.TempDir(), "d.raw")
	writeRecords(t, path, []DetectorHeader{{FrameNumber: 1}}, [][]byte{patternPart(g, 0, 0)})
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-3], 0o644))

	sf, err := OpenSubFile(path, g, Normal, nil)
	require.NoError(t, err)
	defer sf.Close()
	assert.Zero(t, sf.Frames())
	_, err = sf.ReadImpl(make([]byte, g.Bytes()), 1)
	assert.ErrorIs(t, err, types.ErrFormat)
	_, err = sf.ReadHeader(0)
	assert.ErrorIs(t, err, types.ErrFormat)
}

func TestOpenSubFileRejectsBadTransformSetup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.raw")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := OpenSubFile(path, PartGeometry{Rows: 2, Cols: 2, DType: types.Uint16}, Map, []int{0, 1})
	assert.ErrorIs(t, err, types.ErrConfig)
	_, err = OpenSubFile(path, PartGeometry{Rows: 2, Cols: 2, DType: types.Uint16}, Reorder, nil)
	assert.ErrorIs(t, err, types.ErrConfig)
	_, err = OpenSubFile(path, PartGeometry{Rows: 0, Cols: 2, DType: types.Uint16}, Normal, nil)
	assert.ErrorIs(t, err, types.ErrConfig)
}
