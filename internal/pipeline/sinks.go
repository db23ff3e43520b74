package pipeline

import (
	"sync"
	"time"

	"slsframe-go/internal/processing"
	"slsframe-go/internal/types"
)

// HitMapSink accumulates hits into an Aggregator and publishes copies for
// readers on other goroutines.
type HitMapSink struct {
	agg      *processing.Aggregator
	interval time.Duration
	updates  chan<- any
	onFlush  func(types.HitMapSnapshot) error

	lastPublish time.Time

	mu     sync.Mutex
	latest types.UISnapshot
	has    bool
}

// NewHitMapSink publishes at most once per interval. updates may be nil;
// sends to it never block. onFlush runs when the aggregator asks for a
// flush, after which the map starts over.
func NewHitMapSink(agg *processing.Aggregator, interval time.Duration, updates chan<- any, onFlush func(types.HitMapSnapshot) error) *HitMapSink {
	return &HitMapSink{agg: agg, interval: interval, updates: updates, onFlush: onFlush}
}

func (s *HitMapSink) Consume(_ *types.Frame, hits []types.Hit) error {
	flush := s.agg.AddHits(hits)
	if flush {
		snap := s.publish()
		s.agg.Reset()
		if s.onFlush != nil {
			return s.onFlush(snap)
		}
		return nil
	}
	if time.Since(s.lastPublish) >= s.interval {
		s.publish()
	}
	return nil
}

// Flush publishes the current map regardless of the interval. Call it from
// the consumer goroutine or after Run has returned.
func (s *HitMapSink) Flush() types.HitMapSnapshot {
	return s.publish()
}

func (s *HitMapSink) publish() types.HitMapSnapshot {
	s.lastPublish = time.Now()
	msg := types.UISnapshot{Type: "snapshot", Data: s.agg.SnapshotCopy()}
	s.mu.Lock()
	s.latest = msg
	s.has = true
	s.mu.Unlock()
	if s.updates != nil {
		select {
		case s.updates <- msg:
		default:
		}
	}
	return msg.Data
}

// Latest returns the last published snapshot.
func (s *HitMapSink) Latest() (types.UISnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.has
}
