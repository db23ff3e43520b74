package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slsframe-go/internal/rawfile"
	"slsframe-go/internal/types"
)

func TestOpenDispatchesNumpy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frames.npy")
	w, err := Create(path, types.FileConfig{DType: types.Uint16, Rows: 2, Cols: 3})
	require.NoError(t, err)
	frame := types.NewFrame(2, 3, types.Uint16)
	frame.SetPixel(1, 2, 42)
	require.NoError(t, w.Write(frame))
	require.NoError(t, w.Close())

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, FormatNumpy, f.Format())
	assert.Equal(t, 1, f.TotalFrames())
	assert.Equal(t, 12, f.BytesPerFrame())
	got, err := f.Read()
	require.NoError(t, err)
	assert.Equal(t, 42.0, got.PixelAt(1, 2))
}

func TestOpenDispatchesRaw(t *testing.T) {
	dir := t.TempDir()
	master := filepath.Join(dir, "acq_master_0.json")
	w, err := rawfile.CreateRawFile(master, types.FileConfig{DType: types.Uint16, Rows: 2, Cols: 2, Detector: types.Jungfrau})
	require.NoError(t, err)
	frame := types.NewFrame(2, 2, types.Uint16)
	frame.SetPixel(0, 1, 9)
	require.NoError(t, w.Write(frame))
	require.NoError(t, w.Close())

	f, err := Open(master, WithRawConfig(rawfile.RawFileConfig{}))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, FormatRaw, f.Format())

	var r Reader = f
	dst := types.NewFrame(r.Rows(), r.Cols(), r.DType())
	require.NoError(t, r.ReadInto(dst))
	assert.Equal(t, 9.0, dst.PixelAt(0, 1))
}

func TestOpenUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))
	_, err := Open(path)
	assert.ErrorIs(t, err, types.ErrFormat)

	fake := filepath.Join(dir, "fake.npy")
	require.NoError(t, os.WriteFile(fake, []byte("nope"), 0o644))
	_, err = Open(fake)
	assert.ErrorIs(t, err, types.ErrFormat)

	_, err = Create(filepath.Join(dir, "x.raw"), types.FileConfig{DType: types.Uint8, Rows: 1, Cols: 1})
	assert.ErrorIs(t, err, types.ErrConfig)
}
