package rawfile

import (
	"fmt"
	"strings"
	"sync"

	"slsframe-go/internal/types"
)

// TransformKind selects how a stored frame part is rearranged into image
// order.
type TransformKind int

const (
	Normal TransformKind = iota
	Flip
	Map
	Reorder
)

var transformNames = []string{"normal", "flip", "map", "reorder"}

func (k TransformKind) String() string {
	if int(k) >= 0 && int(k) < len(transformNames) {
		return transformNames[k]
	}
	return fmt.Sprintf("TransformKind(%d)", int(k))
}

func ParseTransformKind(s string) (TransformKind, error) {
	for i, name := range transformNames {
		if strings.EqualFold(s, name) {
			return TransformKind(i), nil
		}
	}
	return Normal, fmt.Errorf("%w: unknown transform %q", types.ErrConfig, s)
}

// PartGeometry is the shape of one stored frame part.
type PartGeometry struct {
	Rows  int
	Cols  int
	DType types.DType
}

func (g PartGeometry) Pixels() int { return g.Rows * g.Cols }

func (g PartGeometry) Bytes() int { return g.Rows * g.Cols * g.DType.Bytes() }

const (
	moench03Rows = 400
	moench03Cols = 400
)

// Moench03PixelMap returns the readout order of a Moench03 module:
// element i holds the storage position of image pixel i.
func Moench03PixelMap() []int {
	adcCol := [32]int{
		300, 325, 350, 375, 300, 325, 350, 375,
		200, 225, 250, 275, 200, 225, 250, 275,
		100, 125, 150, 175, 100, 125, 150, 175,
		0, 25, 50, 75, 0, 25, 50, 75,
	}
	const (
		scWidth     = 25
		nADC        = 32
		pixelsPerSC = 5000
	)
	table := make([]int, moench03Rows*moench03Cols)
	pixel := 0
	for i := 0; i < pixelsPerSC; i++ {
		for adc := 0; adc < nADC; adc++ {
			col := adcCol[adc] + i%scWidth
			var row int
			if (adc/4)%2 == 0 {
				row = moench03Rows/2 - 1 - i/scWidth
			} else {
				row = moench03Rows/2 + i/scWidth
			}
			table[row*moench03Cols+col] = pixel
			pixel++
		}
	}
	return table
}

// InvertTable returns inv with inv[table[i]] == i. table must be a
// permutation.
func InvertTable(table []int) ([]int, error) {
	inv := make([]int, len(table))
	for i := range inv {
		inv[i] = -1
	}
	for i, src := range table {
		if src < 0 || src >= len(table) || inv[src] != -1 {
			return nil, fmt.Errorf("%w: pixel map is not a permutation at index %d", types.ErrConfig, i)
		}
		inv[src] = i
	}
	return inv, nil
}

func checkTable(table []int, pixels int) error {
	if len(table) != pixels {
		return fmt.Errorf("%w: pixel map has %d entries, part has %d pixels", types.ErrConfig, len(table), pixels)
	}
	for i, src := range table {
		if src < 0 || src >= pixels {
			return fmt.Errorf("%w: pixel map entry %d points outside the part", types.ErrConfig, i)
		}
	}
	return nil
}

// ApplyTransform rearranges src into dst. Both must hold g.Bytes() bytes and
// must not overlap. Map and Reorder take dst pixel i from src pixel
// table[i]; Reorder ignores table and uses the Moench03 readout order.
func ApplyTransform(kind TransformKind, dst, src []byte, g PartGeometry, table []int) error {
	n := g.Bytes()
	if len(dst) < n || len(src) < n {
		return fmt.Errorf("%w: transform buffers of %d and %d bytes, part needs %d", types.ErrConfig, len(dst), len(src), n)
	}
	switch kind {
	case Normal:
		copy(dst[:n], src[:n])
	case Flip:
		rowBytes := g.Cols * g.DType.Bytes()
		for r := 0; r < g.Rows; r++ {
			copy(dst[(g.Rows-1-r)*rowBytes:(g.Rows-r)*rowBytes], src[r*rowBytes:(r+1)*rowBytes])
		}
	case Reorder:
		if g.Rows != moench03Rows || g.Cols != moench03Cols {
			return fmt.Errorf("%w: reorder needs a %dx%d part, got %dx%d", types.ErrConfig, moench03Rows, moench03Cols, g.Rows, g.Cols)
		}
		gatherPixels(dst, src, moench03Table(), g.DType.Bytes())
	case Map:
		if err := checkTable(table, g.Pixels()); err != nil {
			return err
		}
		gatherPixels(dst, src, table, g.DType.Bytes())
	default:
		return fmt.Errorf("%w: unknown transform %d", types.ErrConfig, int(kind))
	}
	return nil
}

func gatherPixels(dst, src []byte, table []int, size int) {
	switch size {
	case 2:
		for i, s := range table {
			dst[2*i] = src[2*s]
			dst[2*i+1] = src[2*s+1]
		}
	default:
		for i, s := range table {
			copy(dst[i*size:(i+1)*size], src[s*size:(s+1)*size])
		}
	}
}

var moench03Table = sync.OnceValue(Moench03PixelMap)

// PartRole describes where a part sits in the detector, as far as the
// transform choice is concerned.
type PartRole struct {
	// BottomHalf marks an Eiger half-module mounted upside down.
	BottomHalf bool
}

// SelectTransform picks the transform for one module. It is evaluated once
// when a file is opened.
func SelectTransform(det types.DetectorType, bitdepth int, role PartRole, pixelMap []int) (TransformKind, error) {
	switch det {
	case types.Moench03, types.Moench:
		if bitdepth == 16 {
			if pixelMap != nil {
				return Map, nil
			}
			return Reorder, nil
		}
	case types.Jungfrau, types.ChipTestBoard:
		if bitdepth == 16 {
			if pixelMap != nil {
				return Map, nil
			}
			return Normal, nil
		}
	case types.Mythen3:
		if bitdepth == 32 {
			return Normal, nil
		}
	case types.Eiger:
		if bitdepth == 16 || bitdepth == 32 {
			if role.BottomHalf {
				return Flip, nil
			}
			return Normal, nil
		}
	}
	return Normal, fmt.Errorf("%w: no transform for %s at %d bit", types.ErrConfig, det, bitdepth)
}
