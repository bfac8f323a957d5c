// Package batch groups a stream of items into fixed-size batches.
package batch

import "iter"

// Accumulator collects items until size of them are held. It is not safe for
// concurrent use.
type Accumulator[T any] struct {
	size int
	buf  []T
}

// New returns an accumulator emitting batches of size items. Sizes below one
// are treated as one.
func New[T any](size int) *Accumulator[T] {
	if size < 1 {
		size = 1
	}
	return &Accumulator[T]{size: size}
}

// Add appends item. When the batch is complete it is returned with full set
// and the accumulator starts a new, independent batch.
func (a *Accumulator[T]) Add(item T) (batch []T, full bool) {
	if a.buf == nil {
		a.buf = make([]T, 0, a.size)
	}
	a.buf = append(a.buf, item)
	if len(a.buf) < a.size {
		return nil, false
	}
	batch, a.buf = a.buf, nil
	return batch, true
}

// Flush returns the partial batch, or nil if nothing is pending.
func (a *Accumulator[T]) Flush() []T {
	if len(a.buf) == 0 {
		return nil
	}
	batch := a.buf
	a.buf = nil
	return batch
}

// Batches lazily groups seq. Every batch but the last has exactly size items;
// an empty seq yields nothing.
func Batches[T any](seq iter.Seq[T], size int) iter.Seq[[]T] {
	return func(yield func([]T) bool) {
		acc := New[T](size)
		for item := range seq {
			if b, full := acc.Add(item); full {
				if !yield(b) {
					return
				}
			}
		}
		if b := acc.Flush(); b != nil {
			yield(b)
		}
	}
}
