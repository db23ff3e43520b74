package ingest

import (
	"context"
	"io"

	"slsframe-go/internal/types"
)

// Source adapts a Receiver to a pull-style frame source.
type Source struct {
	r         *Receiver
	parts     int
	stopAtEnd bool
}

// NewSource reads frames made of parts payload parts. With stopAtEnd the
// source reports io.EOF after the first end-of-acquisition header.
func NewSource(r *Receiver, parts int, stopAtEnd bool) *Source {
	if parts < 1 {
		parts = 1
	}
	return &Source{r: r, parts: parts, stopAtEnd: stopAtEnd}
}

// Next returns the next frame. types.ErrNoData means the receive timed out
// and the caller may retry; protocol and format errors affect only the
// current message.
func (s *Source) Next(ctx context.Context) (*types.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		zf, err := s.r.ReceiveN(s.parts)
		if err != nil {
			return nil, err
		}
		if zf.Frame != nil {
			return zf.Frame, nil
		}
		stats := s.r.Stats().Snapshot()
		s.r.log.Info("end of acquisition",
			"endpoint", s.r.endpoint,
			"frames", stats.Frames,
			"protocol_errors", stats.ProtocolErrors,
			"file_index", zf.Header.FileIndex)
		if s.stopAtEnd {
			return nil, io.EOF
		}
	}
}

func (s *Source) Close() error { return s.r.Close() }

