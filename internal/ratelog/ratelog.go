// Package ratelog thins out log lines on hot error paths.
package ratelog

import (
	"log/slog"
	"sync/atomic"
)

// Logger emits every Nth call. It is safe for concurrent use.
type Logger struct {
	every uint64
	count atomic.Uint64
	log   *slog.Logger
}

func New(l *slog.Logger, every int) *Logger {
	if every < 1 {
		every = 1
	}
	if l == nil {
		l = slog.Default()
	}
	return &Logger{every: uint64(every), log: l}
}

func (r *Logger) Warn(msg string, args ...any) {
	if n, ok := r.tick(); ok {
		r.log.Warn(msg, append(args, "occurrences", n)...)
	}
}

func (r *Logger) Error(msg string, args ...any) {
	if n, ok := r.tick(); ok {
		r.log.Error(msg, append(args, "occurrences", n)...)
	}
}

func (r *Logger) tick() (uint64, bool) {
	n := r.count.Add(1)
	return n, n%r.every == 0
}

func (r *Logger) Count() uint64 { return r.count.Load() }
