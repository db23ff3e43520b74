package rawfile

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slsframe-go/internal/types"
)

func TestMoench03PixelMapIsPermutation(t *testing.T) {
	table := Moench03PixelMap()
	require.Len(t, table, moench03Rows*moench03Cols)
	inv, err := InvertTable(table)
	require.NoError(t, err)
	for i, src := range table {
		require.Equal(t, i, inv[src])
	}
	// first readout pixel lands in the upper half, column 300
	assert.Equal(t, 0, table[199*moench03Cols+300])
}

func TestInvertTableRejectsNonPermutation(t *testing.T) {
	_, err := InvertTable([]int{0, 0, 1})
	assert.ErrorIs(t, err, types.ErrConfig)
	_, err = InvertTable([]int{0, 3})
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestFlipReversesRows(t *testing.T) {
	g := PartGeometry{Rows: 3, Cols: 2, DType: types.Uint8}
	src := []byte{1, 2, 3, 4, 5, 6}
	dst := make([]byte, 6)
	require.NoError(t, ApplyTransform(Flip, dst, src, g, nil))
	assert.Equal(t, []byte{5, 6, 3, 4, 1, 2}, dst)
}

func TestApplyTransformErrors(t *testing.T) {
	g := PartGeometry{Rows: 2, Cols: 2, DType: types.Uint16}
	assert.ErrorIs(t, ApplyTransform(Normal, make([]byte, 4), make([]byte, 8), g, nil), types.ErrConfig)
	assert.ErrorIs(t, ApplyTransform(Map, make([]byte, 8), make([]byte, 8), g, []int{0, 1}), types.ErrConfig)
	assert.ErrorIs(t, ApplyTransform(Reorder, make([]byte, 8), make([]byte, 8), g, nil), types.ErrConfig)
}

func TestSelectTransform(t *testing.T) {
	cases := []struct {
		det    types.DetectorType
		bits   int
		role   PartRole
		pixmap []int
		want   TransformKind
	}{
		{types.Jungfrau, 16, PartRole{}, nil, Normal},
		{types.Jungfrau, 16, PartRole{}, []int{0}, Map},
		{types.Eiger, 32, PartRole{}, nil, Normal},
		{types.Eiger, 16, PartRole{BottomHalf: true}, nil, Flip},
		{types.Mythen3, 32, PartRole{}, nil, Normal},
		{types.ChipTestBoard, 16, PartRole{}, nil, Normal},
		{types.Moench03, 16, PartRole{}, nil, Reorder},
	}
	for _, c := range cases {
		got, err := SelectTransform(c.det, c.bits, c.role, c.pixmap)
		require.NoError(t, err, "%s %d", c.det, c.bits)
		assert.Equal(t, c.want, got, "%s %d", c.det, c.bits)
	}

	_, err := SelectTransform(types.Jungfrau, 32, PartRole{}, nil)
	assert.ErrorIs(t, err, types.ErrConfig)
	_, err = SelectTransform(types.UnknownDetector, 16, PartRole{}, nil)
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestParseTransformKind(t *testing.T) {
	for _, k := range []TransformKind{Normal, Flip, Map, Reorder} {
		got, err := ParseTransformKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseTransformKind("rotate")
	assert.ErrorIs(t, err, types.ErrConfig)
}

type partCase struct {
	geom  PartGeometry
	src   []byte
	table []int
}

// makePart builds pseudo random pixel data and a shuffled pixel map.
func makePart(rows, cols int, dt types.DType, seed int64) partCase {
	g := PartGeometry{Rows: rows, Cols: cols, DType: dt}
	step := func() int64 {
		seed = seed*6364136223846793005 + 1442695040888963407
		return seed
	}
	src := make([]byte, g.Bytes())
	for i := range src {
		src[i] = byte(step() >> 56)
	}
	table := make([]int, g.Pixels())
	for i := range table {
		table[i] = i
	}
	for i := len(table) - 1; i > 0; i-- {
		j := int(uint64(step()>>1) % uint64(i+1))
		table[i], table[j] = table[j], table[i]
	}
	return partCase{geom: g, src: src, table: table}
}

func TestTransformsInvert(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("flip twice is identity", prop.ForAll(
		func(rows, cols int, dt types.DType, seed int64) bool {
			c := makePart(rows, cols, dt, seed)
			once := make([]byte, len(c.src))
			twice := make([]byte, len(c.src))
			if ApplyTransform(Flip, once, c.src, c.geom, nil) != nil {
				return false
			}
			if ApplyTransform(Flip, twice, once, c.geom, nil) != nil {
				return false
			}
			return string(twice) == string(c.src)
		},
		gen.IntRange(1, 12),
		gen.IntRange(1, 12),
		gen.OneConstOf(types.Uint8, types.Uint16, types.Uint32),
		gen.Int64(),
	))

	properties.Property("map then inverse map is identity", prop.ForAll(
		func(rows, cols int, dt types.DType, seed int64) bool {
			c := makePart(rows, cols, dt, seed)
			inv, err := InvertTable(c.table)
			if err != nil {
				return false
			}
			mapped := make([]byte, len(c.src))
			back := make([]byte, len(c.src))
			if ApplyTransform(Map, mapped, c.src, c.geom, c.table) != nil {
				return false
			}
			if ApplyTransform(Map, back, mapped, c.geom, inv) != nil {
				return false
			}
			return string(back) == string(c.src)
		},
		gen.IntRange(1, 12),
		gen.IntRange(1, 12),
		gen.OneConstOf(types.Uint8, types.Uint16, types.Uint32),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestReorderInverse(t *testing.T) {
	g := PartGeometry{Rows: moench03Rows, Cols: moench03Cols, DType: types.Uint16}
	src := make([]byte, g.Bytes())
	for i := range src {
		src[i] = byte(i * 31)
	}
	inv, err := InvertTable(Moench03PixelMap())
	require.NoError(t, err)

	reordered := make([]byte, len(src))
	back := make([]byte, len(src))
	require.NoError(t, ApplyTransform(Reorder, reordered, src, g, nil))
	require.NoError(t, ApplyTransform(Map, back, reordered, g, inv))
	assert.Equal(t, src, back)
	assert.NotEqual(t, src, reordered)
}
