// Package queue provides a bounded single-producer single-consumer ring.
//
// Exactly one goroutine may call Write and exactly one goroutine may call
// Read, Front and PopFront. IsEmpty, IsFull and SizeGuess may be called from
// either side and are only hints while the other side is active.
package queue

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

type SPSC[T any] struct {
	_     cpu.CacheLinePad
	write atomic.Uint32
	_     cpu.CacheLinePad
	read  atomic.Uint32
	_     cpu.CacheLinePad
	slots []T
	size  uint32
}

// New allocates capacity+1 slots; one slot stays empty to tell full from
// empty.
func New[T any](capacity int) *SPSC[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &SPSC[T]{
		slots: make([]T, capacity+1),
		size:  uint32(capacity + 1),
	}
}

func (q *SPSC[T]) next(i uint32) uint32 {
	i++
	if i == q.size {
		return 0
	}
	return i
}

// Write enqueues v. It returns false and leaves the queue untouched when
// the queue is full.
func (q *SPSC[T]) Write(v T) bool {
	w := q.write.Load()
	nw := q.next(w)
	if nw == q.read.Load() {
		return false
	}
	q.slots[w] = v
	q.write.Store(nw)
	return true
}

// Read dequeues the oldest element.
func (q *SPSC[T]) Read() (T, bool) {
	var zero T
	r := q.read.Load()
	if r == q.write.Load() {
		return zero, false
	}
	v := q.slots[r]
	q.slots[r] = zero
	q.read.Store(q.next(r))
	return v, true
}

// Front returns a pointer to the oldest element without removing it, or nil.
// The pointer is valid until PopFront.
func (q *SPSC[T]) Front() *T {
	r := q.read.Load()
	if r == q.write.Load() {
		return nil
	}
	return &q.slots[r]
}

// PopFront drops the oldest element. The queue must not be empty.
func (q *SPSC[T]) PopFront() {
	var zero T
	r := q.read.Load()
	if r == q.write.Load() {
		return
	}
	q.slots[r] = zero
	q.read.Store(q.next(r))
}

func (q *SPSC[T]) IsEmpty() bool {
	return q.read.Load() == q.write.Load()
}

func (q *SPSC[T]) IsFull() bool {
	return q.next(q.write.Load()) == q.read.Load()
}

func (q *SPSC[T]) SizeGuess() int {
	w, r := q.write.Load(), q.read.Load()
	if w >= r {
		return int(w - r)
	}
	return int(q.size - r + w)
}

func (q *SPSC[T]) Capacity() int { return int(q.size - 1) }
