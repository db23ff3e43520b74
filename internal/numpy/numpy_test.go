package numpy

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slsframe-go/internal/types"
)

func rawNpy(t *testing.T, major byte, dict string, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString(magicString)
	buf.WriteByte(major)
	buf.WriteByte(0)
	if major == 1 {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(len(dict))))
	} else {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(dict))))
	}
	buf.WriteString(dict)
	buf.Write(payload)
	return buf.Bytes()
}

func TestReadHeaderVersions(t *testing.T) {
	dict := "{'descr': '<u2', 'fortran_order': False, 'shape': (3, 4, 5), }\n"
	for _, major := range []byte{1, 2, 3} {
		h, n, err := ReadHeader(bytes.NewReader(rawNpy(t, major, dict, nil)))
		require.NoError(t, err, "version %d", major)
		assert.Equal(t, types.Uint16, h.DType)
		assert.False(t, h.FortranOrder)
		assert.Equal(t, []int{3, 4, 5}, h.Shape)
		assert.Equal(t, len(rawNpy(t, major, dict, nil)), n)
	}
}

func TestReadHeaderKeyOrderAndScalars(t *testing.T) {
	dict := "{'shape': (7,), 'fortran_order': True, 'descr': '|u1', }\n"
	h, _, err := ReadHeader(bytes.NewReader(rawNpy(t, 1, dict, nil)))
	require.NoError(t, err)
	assert.Equal(t, types.Uint8, h.DType)
	assert.True(t, h.FortranOrder)
	assert.Equal(t, []int{7}, h.Shape)
}

func TestReadHeaderRejects(t *testing.T) {
	cases := map[string][]byte{
		"magic":     []byte("NOTNUMPY\x00\x00"),
		"version":   rawNpy(t, 1, "{}", nil)[:6],
		"dtype":     rawNpy(t, 1, "{'descr': '<c8', 'fortran_order': False, 'shape': (2,), }", nil),
		"bigendian": rawNpy(t, 1, "{'descr': '>u2', 'fortran_order': False, 'shape': (2,), }", nil),
		"nodescr":   rawNpy(t, 1, "{'fortran_order': False, 'shape': (2,), }\n", nil),
		"short":     rawNpy(t, 1, "{'descr': '<u2', 'fortran_order': False, 'shape': (2,), }\n", nil)[:20],
	}
	bad := rawNpy(t, 1, "{}", nil)
	bad[6] = 9
	cases["major"] = bad
	for name, raw := range cases {
		_, _, err := ReadHeader(bytes.NewReader(raw))
		assert.ErrorIs(t, err, types.ErrFormat, name)
	}
}

func TestEncodeHeaderAligned(t *testing.T) {
	raw, err := EncodeHeader(Header{DType: types.Float32, Shape: []int{2, 3}}, 0)
	require.NoError(t, err)
	assert.Zero(t, len(raw)%headerAlign)
	assert.Equal(t, byte('\n'), raw[len(raw)-1])

	h, n, err := ReadHeader(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, []int{2, 3}, h.Shape)

	_, err = EncodeHeader(Header{DType: types.Float32, Shape: []int{2, 3}}, 16)
	assert.ErrorIs(t, err, types.ErrFormat)
}

func TestCreateThenOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.npy")
	cfg := types.FileConfig{DType: types.Uint16, Rows: 3, Cols: 4}
	w, err := Create(path, cfg)
	require.NoError(t, err)

	var written []*types.Frame
	for i := 0; i < 5; i++ {
		frame := types.NewFrame(3, 4, types.Uint16)
		for p := 0; p < frame.Pixels(); p++ {
			frame.SetPixel(p/4, p%4, float64(i*100+p))
		}
		require.NoError(t, w.Write(frame))
		written = append(written, frame)
	}
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 5, r.TotalFrames())
	assert.Equal(t, 3, r.Rows())
	assert.Equal(t, 4, r.Cols())
	assert.Equal(t, types.Uint16, r.DType())

	frames, err := r.ReadN(10)
	require.NoError(t, err)
	require.Len(t, frames, 5)
	for i := range frames {
		assert.Equal(t, written[i].Data, frames[i].Data, "frame %d", i)
	}
	_, err = r.Read()
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, r.Seek(2))
	frame, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, written[2].Data, frame.Data)
	assert.Equal(t, 3, r.Tell())
}

func TestSaveLoadArrayByteIdentical(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.npy")
	data := []byte{1, 0, 2, 0, 3, 0, 4, 0, 5, 0, 6, 0}
	require.NoError(t, SaveArray(path, types.Int16, []int{2, 3}, data))

	h, got, err := LoadArray(path)
	require.NoError(t, err)
	assert.Equal(t, types.Int16, h.DType)
	assert.Equal(t, []int{2, 3}, h.Shape)
	assert.Equal(t, data, got)

	assert.ErrorIs(t, SaveArray(path, types.Int16, []int{4, 3}, data), types.ErrConfig)
}

func TestOpenRejectsFortranAndTruncated(t *testing.T) {
	dir := t.TempDir()

	fortran := filepath.Join(dir, "f.npy")
	require.NoError(t, os.WriteFile(fortran,
		rawNpy(t, 1, "{'descr': '<u2', 'fortran_order': True, 'shape': (2, 2), }\n", make([]byte, 8)), 0o644))
	_, err := Open(fortran)
	assert.ErrorIs(t, err, types.ErrFormat)

	short := filepath.Join(dir, "s.npy")
	require.NoError(t, os.WriteFile(short,
		rawNpy(t, 1, "{'descr': '<u2', 'fortran_order': False, 'shape': (2, 2, 2), }\n", make([]byte, 10)), 0o644))
	_, err = Open(short)
	assert.ErrorIs(t, err, types.ErrFormat)

	// 2^32 * 2^32 wraps to zero in int arithmetic
	huge, err := EncodeHeader(Header{DType: types.Uint8, Shape: []int{1, 1 << 32, 1 << 32}}, 0)
	require.NoError(t, err)
	overflow := filepath.Join(dir, "o.npy")
	require.NoError(t, os.WriteFile(overflow, huge, 0o644))
	_, err = Open(overflow)
	assert.ErrorIs(t, err, types.ErrFormat)
	_, _, err = LoadArray(overflow)
	assert.ErrorIs(t, err, types.ErrFormat)

	wide, err := EncodeHeader(Header{DType: types.Uint8, Shape: []int{1 << 40, 2, 2}}, 0)
	require.NoError(t, err)
	long := filepath.Join(dir, "l.npy")
	require.NoError(t, os.WriteFile(long, append(wide, make([]byte, 8)...), 0o644))
	_, err = Open(long)
	assert.ErrorIs(t, err, types.ErrFormat)
}

func TestHeaderElementsOverflow(t *testing.T) {
	n, err := Header{Shape: []int{3, 4, 5}}.Elements()
	require.NoError(t, err)
	assert.Equal(t, 60, n)

	_, err = Header{Shape: []int{1, 1 << 32, 1 << 32}}.Elements()
	assert.ErrorIs(t, err, types.ErrFormat)

	assert.ErrorIs(t, SaveArray(filepath.Join(t.TempDir(), "x.npy"), types.Uint8, []int{1 << 32, 1 << 32}, nil), types.ErrFormat)
}

func TestReadIntoShapeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.npy")
	require.NoError(t, SaveArray(path, types.Uint8, []int{1, 2, 2}, []byte{1, 2, 3, 4}))
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.ErrorIs(t, r.ReadInto(types.NewFrame(2, 3, types.Uint8)), types.ErrConfig)
	assert.ErrorIs(t, r.Write(types.NewFrame(2, 2, types.Uint8)), types.ErrConfig)
}
