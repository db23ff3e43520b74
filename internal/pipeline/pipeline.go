// Package pipeline moves frames from a source through the SPSC queue to
// the cluster finder and on to the sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"slsframe-go/internal/queue"
	"slsframe-go/internal/ratelog"
	"slsframe-go/internal/types"
)

// Policy decides what the producer does when the queue is full.
type Policy int

const (
	// PolicyDrop discards the new frame.
	PolicyDrop Policy = iota
	// PolicyStall waits for room and stops reading the source meanwhile.
	PolicyStall
)

func (p Policy) String() string {
	if p == PolicyStall {
		return "stall"
	}
	return "drop"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "drop":
		return PolicyDrop, nil
	case "stall":
		return PolicyStall, nil
	}
	return PolicyDrop, fmt.Errorf("%w: unknown backpressure policy %q", types.ErrConfig, s)
}

// FrameProcessor turns a frame into hits.
type FrameProcessor interface {
	ProcessFrame(frame *types.Frame) ([]types.Hit, error)
}

// Sink receives every processed frame on the consumer goroutine.
type Sink interface {
	Consume(frame *types.Frame, hits []types.Hit) error
}

type SinkFunc func(frame *types.Frame, hits []types.Hit) error

func (f SinkFunc) Consume(frame *types.Frame, hits []types.Hit) error { return f(frame, hits) }

type Config struct {
	QueueCapacity int
	Policy        Policy
	// DrainOnStop processes frames still queued after cancellation instead
	// of discarding them.
	DrainOnStop   bool
	StallInterval time.Duration
	LogEvery      int
}

func DefaultConfig() Config {
	return Config{
		QueueCapacity: 64,
		Policy:        PolicyDrop,
		DrainOnStop:   true,
		StallInterval: time.Millisecond,
		LogEvery:      100,
	}
}

type Stats struct {
	Produced      atomic.Uint64
	Dropped       atomic.Uint64
	Consumed      atomic.Uint64
	Discarded     atomic.Uint64
	Hits          atomic.Uint64
	Timeouts      atomic.Uint64
	SourceErrors  atomic.Uint64
	ProcessErrors atomic.Uint64
	SinkErrors    atomic.Uint64
}

type StatsSnapshot struct {
	Produced      uint64 `json:"produced"`
	Dropped       uint64 `json:"dropped"`
	Consumed      uint64 `json:"consumed"`
	Discarded     uint64 `json:"discarded"`
	Hits          uint64 `json:"hits"`
	Timeouts      uint64 `json:"timeouts"`
	SourceErrors  uint64 `json:"source_errors"`
	ProcessErrors uint64 `json:"process_errors"`
	SinkErrors    uint64 `json:"sink_errors"`
	Queued        int    `json:"queued"`
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

func WithSinks(sinks ...Sink) Option {
	return func(p *Pipeline) { p.sinks = append(p.sinks, sinks...) }
}

// Pipeline runs one producer and one consumer goroutine joined by a
// lock-free queue. Stats may be read from any goroutine.
type Pipeline struct {
	cfg   Config
	src   FrameSource
	proc  FrameProcessor
	sinks []Sink
	q     *queue.SPSC[*types.Frame]
	wake  chan struct{}
	stats Stats
	log   *slog.Logger
	every *ratelog.Logger
}

func New(src FrameSource, proc FrameProcessor, cfg Config, opts ...Option) (*Pipeline, error) {
	if cfg.QueueCapacity < 1 {
		return nil, fmt.Errorf("%w: queue capacity %d", types.ErrConfig, cfg.QueueCapacity)
	}
	if cfg.StallInterval <= 0 {
		cfg.StallInterval = time.Millisecond
	}
	p := &Pipeline{
		cfg:  cfg,
		src:  src,
		proc: proc,
		q:    queue.New[*types.Frame](cfg.QueueCapacity),
		wake: make(chan struct{}, 1),
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.every = ratelog.New(p.log, cfg.LogEvery)
	return p, nil
}

func (p *Pipeline) Stats() StatsSnapshot {
	return StatsSnapshot{
		Produced:      p.stats.Produced.Load(),
		Dropped:       p.stats.Dropped.Load(),
		Consumed:      p.stats.Consumed.Load(),
		Discarded:     p.stats.Discarded.Load(),
		Hits:          p.stats.Hits.Load(),
		Timeouts:      p.stats.Timeouts.Load(),
		SourceErrors:  p.stats.SourceErrors.Load(),
		ProcessErrors: p.stats.ProcessErrors.Load(),
		SinkErrors:    p.stats.SinkErrors.Load(),
		Queued:        p.q.SizeGuess(),
	}
}

// Run blocks until the source is exhausted or ctx is cancelled and both
// goroutines have exited. It returns the source error that stopped the
// producer, if any.
func (p *Pipeline) Run(ctx context.Context) error {
	done := make(chan struct{})
	var producerErr error
	go func() {
		defer close(done)
		producerErr = p.produce(ctx)
	}()

	p.consume(ctx, done)
	<-done

	s := p.Stats()
	p.log.Info("pipeline stopped",
		"produced", s.Produced,
		"consumed", s.Consumed,
		"dropped", s.Dropped,
		"discarded", s.Discarded,
		"hits", s.Hits)
	return producerErr
}

func (p *Pipeline) produce(ctx context.Context) error {
	for {
		frame, err := p.src.Next(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, io.EOF):
			p.log.Info("source exhausted", "produced", p.stats.Produced.Load())
			return nil
		case errors.Is(err, types.ErrNoData):
			p.stats.Timeouts.Add(1)
			continue
		case errors.Is(err, types.ErrProtocol), errors.Is(err, types.ErrFormat):
			p.stats.SourceErrors.Add(1)
			p.every.Warn("skipping bad frame", "err", err)
			continue
		default:
			p.log.Error("frame source failed", "err", err)
			return err
		}

		if !p.enqueue(ctx, frame) {
			return nil
		}
	}
}

// enqueue reports false when ctx ended while stalled.
func (p *Pipeline) enqueue(ctx context.Context, frame *types.Frame) bool {
	for !p.q.Write(frame) {
		if p.cfg.Policy == PolicyDrop {
			p.stats.Dropped.Add(1)
			p.every.Warn("dropping frame", "err", types.ErrQueueFull, "frame", frame.Number)
			return true
		}
		timer := time.NewTimer(p.cfg.StallInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.stats.Dropped.Add(1)
			return false
		case <-timer.C:
		}
	}
	p.stats.Produced.Add(1)
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

func (p *Pipeline) consume(ctx context.Context, done <-chan struct{}) {
	for {
		if ctx.Err() != nil && !p.cfg.DrainOnStop {
			<-done
			p.finish(ctx)
			return
		}
		if frame, ok := p.q.Read(); ok {
			p.process(frame)
			continue
		}
		select {
		case <-p.wake:
		case <-done:
			p.finish(ctx)
			return
		}
	}
}

// finish empties the queue once the producer has exited.
func (p *Pipeline) finish(ctx context.Context) {
	discard := ctx.Err() != nil && !p.cfg.DrainOnStop
	for {
		frame, ok := p.q.Read()
		if !ok {
			return
		}
		if discard {
			p.stats.Discarded.Add(1)
			continue
		}
		p.process(frame)
	}
}

func (p *Pipeline) process(frame *types.Frame) {
	hits, err := p.proc.ProcessFrame(frame)
	if err != nil {
		p.stats.ProcessErrors.Add(1)
		p.every.Error("frame processing failed", "frame", frame.Number, "err", err)
		return
	}
	p.stats.Consumed.Add(1)
	p.stats.Hits.Add(uint64(len(hits)))
	for _, sink := range p.sinks {
		if err := sink.Consume(frame, hits); err != nil {
			p.stats.SinkErrors.Add(1)
			p.every.Error("sink failed", "frame", frame.Number, "err", err)
		}
	}
}
