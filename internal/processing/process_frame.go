package processing

import (
	"fmt"

	"slsframe-go/internal/types"
)

// ProcessorConfig selects the per-frame processing chain.
type ProcessorConfig struct {
	Rows      int
	Cols      int
	Window    int
	Threshold float64
	// PedestalFrames is the number of leading frames used only to build
	// the pedestal. Zero disables pedestal correction.
	PedestalFrames int
	// TrackPedestal keeps updating the pedestal with pixels outside hits.
	TrackPedestal bool
}

// Processor corrects frames and runs the cluster finder on them. It is
// owned by a single consumer goroutine.
type Processor struct {
	cfg      ProcessorConfig
	finder   *ClusterFinder
	pedestal *Pedestal

	raw       []float64
	corrected []float64
	seen      int
}

func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	finder, err := NewClusterFinder(cfg.Rows, cfg.Cols, cfg.Window)
	if err != nil {
		return nil, err
	}
	p := &Processor{cfg: cfg, finder: finder}
	if cfg.PedestalFrames > 0 {
		p.pedestal, err = NewPedestal(cfg.Rows, cfg.Cols, cfg.PedestalFrames)
		if err != nil {
			return nil, err
		}
		p.raw = make([]float64, cfg.Rows*cfg.Cols)
		p.corrected = make([]float64, cfg.Rows*cfg.Cols)
	}
	return p, nil
}

func (p *Processor) Finder() *ClusterFinder { return p.finder }
func (p *Processor) Pedestal() *Pedestal    { return p.pedestal }

// Calibrating reports whether the next frame will only feed the pedestal.
func (p *Processor) Calibrating() bool {
	return p.pedestal != nil && p.seen < p.cfg.PedestalFrames
}

// ProcessFrame returns the hits of frame. While the pedestal is being
// built it returns no hits and no error.
func (p *Processor) ProcessFrame(frame *types.Frame) ([]types.Hit, error) {
	if p.pedestal == nil {
		return p.finder.Find(frame, p.cfg.Threshold)
	}
	if frame.Rows != p.cfg.Rows || frame.Cols != p.cfg.Cols {
		return nil, fmt.Errorf("%w: frame %dx%d, processor expects %dx%d",
			types.ErrConfig, frame.Rows, frame.Cols, p.cfg.Rows, p.cfg.Cols)
	}
	if err := frame.Float64Into(p.raw); err != nil {
		return nil, err
	}
	if p.Calibrating() {
		p.pedestal.PushValues(p.raw)
		p.seen++
		return nil, nil
	}
	p.seen++

	copy(p.corrected, p.raw)
	p.pedestal.CorrectValues(p.corrected)
	hits, err := p.finder.FindValues(p.corrected, p.cfg.Threshold)
	if err != nil {
		return nil, err
	}
	if p.cfg.TrackPedestal {
		p.pedestal.PushMasked(p.raw, p.finder.Claimed)
	}
	return hits, nil
}

// Reset forgets the pedestal so the next frames rebuild it.
func (p *Processor) Reset() {
	p.seen = 0
	if p.pedestal != nil {
		p.pedestal.Reset()
	}
}
