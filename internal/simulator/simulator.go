// Package simulator produces synthetic detector frames: a noisy pedestal
// with isolated photon peaks.
package simulator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"slsframe-go/internal/ingest"
	"slsframe-go/internal/types"
)

type Config struct {
	Rows  int
	Cols  int
	DType types.DType
	// Rate in frames per second; zero runs unthrottled.
	Rate      float64
	Pedestal  float64
	Noise     float64
	Peaks     int
	Amplitude float64
	// Frames stops the stream after that many frames; zero never stops.
	Frames int
	Seed   int64
}

func DefaultConfig(rows, cols int) Config {
	return Config{
		Rows:      rows,
		Cols:      cols,
		DType:     types.Uint16,
		Rate:      100,
		Pedestal:  1000,
		Noise:     5,
		Peaks:     5,
		Amplitude: 400,
		Seed:      time.Now().UnixNano(),
	}
}

// Peak is the true position of a generated photon.
type Peak struct {
	Row int
	Col int
}

// minSpacing keeps generated peaks out of each other's 3x3 halo.
const minSpacing = 5

// Generator builds frames one at a time. It is not safe for concurrent use.
type Generator struct {
	cfg    Config
	rng    *rand.Rand
	number uint64
	peaks  []Peak
	limit  float64
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.Rows < 1 || cfg.Cols < 1 {
		return nil, fmt.Errorf("%w: simulator shape %dx%d", types.ErrConfig, cfg.Rows, cfg.Cols)
	}
	if cfg.DType == types.None {
		cfg.DType = types.Uint16
	}
	limit := math.Inf(1)
	if !cfg.DType.Float() && !cfg.DType.Signed() {
		limit = math.Exp2(float64(cfg.DType.Bitdepth())) - 1
	}
	return &Generator{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		limit: limit,
	}, nil
}

// Next returns the next frame and the peaks placed in it. The peak slice is
// reused by the following call.
func (g *Generator) Next() (*types.Frame, []Peak) {
	frame := types.NewFrame(g.cfg.Rows, g.cfg.Cols, g.cfg.DType)
	frame.Number = g.number
	g.number++

	values := make([]float64, frame.Pixels())
	for i := range values {
		values[i] = g.cfg.Pedestal + g.rng.NormFloat64()*g.cfg.Noise
	}

	g.peaks = g.peaks[:0]
	for attempt := 0; len(g.peaks) < g.cfg.Peaks && attempt < 20*g.cfg.Peaks; attempt++ {
		p := Peak{Row: g.rng.Intn(g.cfg.Rows), Col: g.rng.Intn(g.cfg.Cols)}
		if g.crowded(p) {
			continue
		}
		g.peaks = append(g.peaks, p)
		g.deposit(values, p)
	}

	for i, v := range values {
		frame.SetPixel(i/g.cfg.Cols, i%g.cfg.Cols, min(max(math.Round(v), 0), g.limit))
	}
	return frame, g.peaks
}

func (g *Generator) crowded(p Peak) bool {
	for _, q := range g.peaks {
		if abs(p.Row-q.Row) < minSpacing && abs(p.Col-q.Col) < minSpacing {
			return true
		}
	}
	return false
}

// deposit adds a photon with a quarter of its charge shared to the direct
// neighbours.
func (g *Generator) deposit(values []float64, p Peak) {
	values[p.Row*g.cfg.Cols+p.Col] += g.cfg.Amplitude
	for _, d := range [][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
		r, c := p.Row+d[0], p.Col+d[1]
		if r < 0 || r >= g.cfg.Rows || c < 0 || c >= g.cfg.Cols {
			continue
		}
		values[r*g.cfg.Cols+c] += g.cfg.Amplitude / 4
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Stream emits frames at cfg.Rate until ctx is done or cfg.Frames have been
// sent, then closes the channel.
func Stream(ctx context.Context, cfg Config) (<-chan *types.Frame, error) {
	gen, err := NewGenerator(cfg)
	if err != nil {
		return nil, err
	}
	out := make(chan *types.Frame)
	go func() {
		defer close(out)
		var tick <-chan time.Time
		if cfg.Rate > 0 {
			ticker := time.NewTicker(time.Duration(float64(time.Second) / cfg.Rate))
			defer ticker.Stop()
			tick = ticker.C
		}
		for sent := 0; cfg.Frames == 0 || sent < cfg.Frames; sent++ {
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			}
			frame, _ := gen.Next()
			select {
			case <-ctx.Done():
				return
			case out <- frame:
			}
		}
	}()
	return out, nil
}

// Publish sends the stream through s and finishes with an
// end-of-acquisition header when cfg.Frames is reached.
func Publish(ctx context.Context, cfg Config, s *ingest.Sender) error {
	frames, err := Stream(ctx, cfg)
	if err != nil {
		return err
	}
	header := ingest.ZmqHeader{FileName: "simulator"}
	for frame := range frames {
		header.FrameIndex = frame.Number
		header.AcqIndex = frame.Number + 1
		if cfg.Frames > 0 {
			header.Progress = 100 * float64(frame.Number+1) / float64(cfg.Frames)
		}
		if err := s.SendFrame(header, frame); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return s.SendEnd(header)
}
