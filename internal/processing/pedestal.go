package processing

import (
	"fmt"
	"math"
	"slices"

	"slsframe-go/internal/types"
)

// Pedestal tracks a per-pixel moving mean and variance over the last
// Samples frames. Once the window is full every push replaces one mean
// sample, so the estimate follows slow drifts of the dark level.
type Pedestal struct {
	rows    int
	cols    int
	samples int

	count  []int
	sum    []float64
	sum2   []float64
	values []float64
}

func NewPedestal(rows, cols, samples int) (*Pedestal, error) {
	if rows < 1 || cols < 1 || samples < 1 {
		return nil, fmt.Errorf("%w: pedestal %dx%d over %d samples", types.ErrConfig, rows, cols, samples)
	}
	n := rows * cols
	return &Pedestal{
		rows:    rows,
		cols:    cols,
		samples: samples,
		count:   make([]int, n),
		sum:     make([]float64, n),
		sum2:    make([]float64, n),
		values:  make([]float64, n),
	}, nil
}

func (p *Pedestal) Rows() int    { return p.rows }
func (p *Pedestal) Cols() int    { return p.cols }
func (p *Pedestal) Samples() int { return p.samples }

// Filled reports whether every pixel has seen a full window of samples.
func (p *Pedestal) Filled() bool {
	return slices.Min(p.count) >= p.samples
}

// Push adds one dark frame.
func (p *Pedestal) Push(frame *types.Frame) error {
	if err := p.checkShape(frame); err != nil {
		return err
	}
	if err := frame.Float64Into(p.values); err != nil {
		return err
	}
	p.PushValues(p.values)
	return nil
}

// PushValues adds one dark frame given as row-major values.
func (p *Pedestal) PushValues(values []float64) {
	for i := range min(len(values), len(p.sum)) {
		p.add(i, values[i])
	}
}

// PushMasked adds only the pixels where skip is false, typically those not
// claimed by a hit.
func (p *Pedestal) PushMasked(values []float64, skip func(idx int) bool) {
	for i := range min(len(values), len(p.sum)) {
		if !skip(i) {
			p.add(i, values[i])
		}
	}
}

func (p *Pedestal) add(i int, v float64) {
	if p.count[i] < p.samples {
		p.count[i]++
		p.sum[i] += v
		p.sum2[i] += v * v
		return
	}
	mean := p.sum[i] / float64(p.count[i])
	p.sum[i] += v - mean
	p.sum2[i] += v*v - mean*mean
}

func (p *Pedestal) Mean(row, col int) float64 {
	i := row*p.cols + col
	if p.count[i] == 0 {
		return 0
	}
	return p.sum[i] / float64(p.count[i])
}

func (p *Pedestal) StdDev(row, col int) float64 {
	i := row*p.cols + col
	n := float64(p.count[i])
	if n == 0 {
		return 0
	}
	mean := p.sum[i] / n
	v := p.sum2[i]/n - mean*mean
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

// Correct writes frame minus the pedestal mean into dst.
func (p *Pedestal) Correct(frame *types.Frame, dst []float64) error {
	if err := p.checkShape(frame); err != nil {
		return err
	}
	if err := frame.Float64Into(dst); err != nil {
		return err
	}
	p.CorrectValues(dst)
	return nil
}

// CorrectValues subtracts the pedestal mean in place.
func (p *Pedestal) CorrectValues(values []float64) {
	for i := range min(len(values), len(p.sum)) {
		if p.count[i] > 0 {
			values[i] -= p.sum[i] / float64(p.count[i])
		}
	}
}

func (p *Pedestal) Reset() {
	clear(p.count)
	clear(p.sum)
	clear(p.sum2)
}

func (p *Pedestal) checkShape(frame *types.Frame) error {
	if frame.Rows != p.rows || frame.Cols != p.cols {
		return fmt.Errorf("%w: frame %dx%d, pedestal is %dx%d", types.ErrConfig, frame.Rows, frame.Cols, p.rows, p.cols)
	}
	return nil
}
