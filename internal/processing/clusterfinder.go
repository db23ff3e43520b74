package processing

import (
	"cmp"
	"fmt"
	"slices"

	"slsframe-go/internal/types"
)

// ClusterFinder scans frames of a fixed shape for local maxima above a
// threshold. It owns its scratch buffers and is not safe for concurrent use.
type ClusterFinder struct {
	rows   int
	cols   int
	window int
	half   int

	// original holds the values of the frame being scanned.
	original []float64
	// claim maps a pixel to 1 + the index of the seed that owns it.
	claim []int32
	seeds []int
	order []int
}

// NewClusterFinder builds a finder for rows x cols frames with a square
// window of odd side length.
func NewClusterFinder(rows, cols, window int) (*ClusterFinder, error) {
	if rows < 1 || cols < 1 {
		return nil, fmt.Errorf("%w: cluster finder shape %dx%d", types.ErrConfig, rows, cols)
	}
	if window < 1 || window%2 == 0 {
		return nil, fmt.Errorf("%w: cluster window must be odd and positive, got %d", types.ErrConfig, window)
	}
	n := rows * cols
	return &ClusterFinder{
		rows:     rows,
		cols:     cols,
		window:   window,
		half:     window / 2,
		original: make([]float64, n),
		claim:    make([]int32, n),
		seeds:    make([]int, 0, 64),
		order:    make([]int, 0, 64),
	}, nil
}

func (c *ClusterFinder) Rows() int   { return c.rows }
func (c *ClusterFinder) Cols() int   { return c.cols }
func (c *ClusterFinder) Window() int { return c.window }

// Find returns the hits of frame in row-major order of their seeds.
func (c *ClusterFinder) Find(frame *types.Frame, threshold float64) ([]types.Hit, error) {
	if frame.Rows != c.rows || frame.Cols != c.cols {
		return nil, fmt.Errorf("%w: frame %dx%d, finder expects %dx%d",
			types.ErrConfig, frame.Rows, frame.Cols, c.rows, c.cols)
	}
	if err := frame.Float64Into(c.original); err != nil {
		return nil, err
	}
	return c.scan(threshold), nil
}

// FindValues is Find for frames already converted to float64, such as
// pedestal-corrected data.
func (c *ClusterFinder) FindValues(values []float64, threshold float64) ([]types.Hit, error) {
	if len(values) != len(c.original) {
		return nil, fmt.Errorf("%w: %d values, finder expects %d", types.ErrConfig, len(values), len(c.original))
	}
	copy(c.original, values)
	return c.scan(threshold), nil
}

// bounds clips the window centred on (row, col) to the frame.
func (c *ClusterFinder) bounds(row, col int) (r0, c0, r1, c1 int) {
	r0, r1 = max(row-c.half, 0), min(row+c.half+1, c.rows)
	c0, c1 = max(col-c.half, 0), min(col+c.half+1, c.cols)
	return
}

// isSeed reports whether idx exceeds every pixel of its window. A pixel
// equal to an earlier pixel of the window loses to it.
func (c *ClusterFinder) isSeed(idx int, threshold float64) bool {
	v := c.original[idx]
	if !(v > threshold) {
		return false
	}
	row, col := idx/c.cols, idx%c.cols
	r0, c0, r1, c1 := c.bounds(row, col)
	for r := r0; r < r1; r++ {
		base := r * c.cols
		for cc := c0; cc < c1; cc++ {
			j := base + cc
			if j == idx {
				continue
			}
			n := c.original[j]
			if j < idx && n >= v {
				return false
			}
			if j > idx && n > v {
				return false
			}
		}
	}
	return true
}

func (c *ClusterFinder) scan(threshold float64) []types.Hit {
	c.seeds = c.seeds[:0]
	for idx := range c.original {
		if c.isSeed(idx, threshold) {
			c.seeds = append(c.seeds, idx)
		}
	}
	clear(c.claim)
	if len(c.seeds) == 0 {
		return nil
	}

	// Brighter seeds claim shared pixels first; ties go to scan order.
	c.order = c.order[:0]
	for i := range c.seeds {
		c.order = append(c.order, i)
	}
	slices.SortFunc(c.order, func(a, b int) int {
		va, vb := c.original[c.seeds[a]], c.original[c.seeds[b]]
		if va != vb {
			return cmp.Compare(vb, va)
		}
		return cmp.Compare(c.seeds[a], c.seeds[b])
	})

	area := c.window * c.window
	pixels := make([]float64, len(c.seeds)*area)
	hits := make([]types.Hit, len(c.seeds))
	for _, i := range c.order {
		hits[i] = c.fillHit(c.seeds[i], int32(i+1), threshold)
		hits[i].Pixels = c.windowValues(c.seeds[i], pixels[i*area:(i+1)*area:(i+1)*area])
	}
	return hits
}

// windowValues copies the unclipped window around seed into dst, leaving
// pixels outside the frame at zero.
func (c *ClusterFinder) windowValues(seed int, dst []float64) []float64 {
	row, col := seed/c.cols, seed%c.cols
	for dr := -c.half; dr <= c.half; dr++ {
		r := row + dr
		if r < 0 || r >= c.rows {
			continue
		}
		for dc := -c.half; dc <= c.half; dc++ {
			cc := col + dc
			if cc < 0 || cc >= c.cols {
				continue
			}
			dst[(dr+c.half)*c.window+dc+c.half] = c.original[r*c.cols+cc]
		}
	}
	return dst
}

// fillHit claims the free pixels of the seed's window and summarises them.
func (c *ClusterFinder) fillHit(seed int, owner int32, threshold float64) types.Hit {
	row, col := seed/c.cols, seed%c.cols
	r0, c0, r1, c1 := c.bounds(row, col)
	h := types.Hit{
		Row:  row,
		Col:  col,
		Top:  r0,
		Left: c0,
		Rows: r1 - r0,
		Cols: c1 - c0,
		Max:  c.original[seed],
	}
	var weight, sumRow, sumCol float64
	for r := r0; r < r1; r++ {
		base := r * c.cols
		for cc := c0; cc < c1; cc++ {
			j := base + cc
			if c.claim[j] != 0 {
				continue
			}
			c.claim[j] = owner
			v := c.original[j]
			h.Energy += v
			if v > threshold {
				h.Size++
			}
			if v > 0 {
				weight += v
				sumRow += v * float64(r)
				sumCol += v * float64(cc)
			}
		}
	}
	if weight > 0 {
		h.CentroidRow = sumRow / weight
		h.CentroidCol = sumCol / weight
	} else {
		h.CentroidRow, h.CentroidCol = float64(row), float64(col)
	}
	return h
}

// Claimed reports whether the last scan assigned pixel idx to a hit.
func (c *ClusterFinder) Claimed(idx int) bool {
	return c.claim[idx] != 0
}
