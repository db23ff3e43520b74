package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"slsframe-go/internal/file"
	"slsframe-go/internal/types"
)

// FrameSource yields frames until it returns io.EOF. types.ErrNoData,
// types.ErrProtocol and types.ErrFormat are treated as affecting only the
// current attempt.
type FrameSource interface {
	Next(ctx context.Context) (*types.Frame, error)
}

// FileSource replays a file at an optional fixed rate.
type FileSource struct {
	r     file.Reader
	delay time.Duration
	last  time.Time
}

// NewFileSource reads r from its current position. A positive rate limits
// delivery to that many frames per second.
func NewFileSource(r file.Reader, rate float64) *FileSource {
	s := &FileSource{r: r}
	if rate > 0 {
		s.delay = time.Duration(float64(time.Second) / rate)
	}
	return s
}

func (s *FileSource) Next(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.delay > 0 && !s.last.IsZero() {
		if wait := s.delay - time.Since(s.last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	pos := s.r.Tell()
	frame, err := s.r.Read()
	if err != nil {
		if !errors.Is(err, io.EOF) && s.r.Tell() == pos {
			// never hand the same bad frame back twice
			_ = s.r.Seek(pos + 1)
		}
		return nil, err
	}
	s.last = time.Now()
	return frame, nil
}

// ChanSource adapts a channel of frames, such as the simulator's.
type ChanSource <-chan *types.Frame

func (c ChanSource) Next(ctx context.Context) (*types.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-c:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	}
}
