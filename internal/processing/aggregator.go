package processing

import (
	"time"

	"slsframe-go/internal/types"
)

const recentFrames = 256

// Aggregator accumulates a hit map: per-pixel seed counts plus per-frame
// hit totals. It is owned by the consumer; readers take SnapshotCopy.
type Aggregator struct {
	rows       int
	cols       int
	flushEvery int
	frameCount int
	hits       uint64
	counts     []uint32
	recent     []int
}

// NewAggregator sums hits over rows x cols frames. AddHits reports true
// every flushEvery frames; zero never asks for a flush.
func NewAggregator(rows, cols, flushEvery int) *Aggregator {
	return &Aggregator{
		rows:       rows,
		cols:       cols,
		flushEvery: flushEvery,
		counts:     make([]uint32, rows*cols),
		recent:     make([]int, 0, recentFrames),
	}
}

func (a *Aggregator) AddHits(hits []types.Hit) bool {
	for _, h := range hits {
		if h.Row < 0 || h.Row >= a.rows || h.Col < 0 || h.Col >= a.cols {
			continue
		}
		a.counts[h.Row*a.cols+h.Col]++
	}
	a.hits += uint64(len(hits))
	if len(a.recent) == recentFrames {
		copy(a.recent, a.recent[1:])
		a.recent = a.recent[:recentFrames-1]
	}
	a.recent = append(a.recent, len(hits))

	a.frameCount++
	return a.flushEvery > 0 && a.frameCount%a.flushEvery == 0
}

func (a *Aggregator) Frames() int     { return a.frameCount }
func (a *Aggregator) Hits() uint64     { return a.hits }
func (a *Aggregator) Counts() []uint32 { return a.counts }

func (a *Aggregator) Reset() {
	a.frameCount = 0
	a.hits = 0
	clear(a.counts)
	a.recent = a.recent[:0]
}

func (a *Aggregator) SnapshotCopy() types.HitMapSnapshot {
	return types.HitMapSnapshot{
		Rows:   a.rows,
		Cols:   a.cols,
		Frames: a.frameCount,
		Hits:   a.hits,
		Counts: append([]uint32(nil), a.counts...),
		Recent: append([]int(nil), a.recent...),
	}
}

func Timestamp() string {
	return time.Now().Format("20060102_150405")
}
