// Package pipeline overlaps batch accumulation with the network call for the
// previous batch.
//
// The caller's goroutine is the producer: every call to Stream.Next pulls
// input, fills the current batch and hands full batches to a single worker
// goroutine over a one-slot channel, so the producer is never more than one
// batch ahead of the worker. The worker sends each batch and passes the
// vectors (or the failure) back over a second one-slot channel. Batches are
// processed strictly in arrival order, so vectors come out in input order.
package pipeline

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/bitop-dev/basilica/internal/batch"
	"go.uber.org/zap"
)

// Source yields the next encoded item. ok is false once input is exhausted.
type Source[T any] func() (item T, ok bool, err error)

// SendFunc embeds one batch, returning one vector per item.
type SendFunc[T any] func(ctx context.Context, batch []T) ([][]float64, error)

type Options struct {
	BatchSize int
	Logger    *zap.Logger
}

type kind int

const (
	kindBatch kind = iota
	kindEnd
	kindResult
	kindError
)

type message[T any] struct {
	kind    kind
	batch   []T
	vectors [][]float64
	err     error
}

// Stream is a lazily evaluated sequence of vectors. It must be consumed from
// a single goroutine.
//
// A stream that is dropped without Close keeps its worker goroutine parked on
// the hand-off for as long as the stream's context lives.
type Stream[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	src     Source[T]
	srcErr  error
	send    SendFunc[T]
	next    func() ([]T, bool)
	stopSrc func()

	toWorker   chan message[T]
	fromWorker chan message[T]
	workerDone chan struct{}
	started    bool

	pending   [][]float64
	cur       []float64
	inputDone bool
	finished  bool
	handed    int
	err       error

	closed    atomic.Bool
	closeOnce sync.Once
}

func New[T any](ctx context.Context, src Source[T], send SendFunc[T], opts Options) *Stream[T] {
	ctx, cancel := context.WithCancel(ctx)
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Stream[T]{
		ctx:        ctx,
		cancel:     cancel,
		log:        log,
		src:        src,
		send:       send,
		toWorker:   make(chan message[T], 1),
		fromWorker: make(chan message[T], 1),
		workerDone: make(chan struct{}),
	}
	s.next, s.stopSrc = iter.Pull(batch.Batches(s.items, opts.BatchSize))
	return s
}

// items adapts src to a sequence. A source failure ends the sequence and is
// kept in srcErr, so a partial batch flushed after it is never sent.
func (s *Stream[T]) items(yield func(T) bool) {
	for {
		item, ok, err := s.src()
		if err != nil {
			s.srcErr = err
			return
		}
		if !ok || !yield(item) {
			return
		}
	}
}

// Next advances to the next vector. It returns false when the input is
// exhausted and every batch has been answered, or on the first failure.
func (s *Stream[T]) Next() bool {
	if s.err != nil || s.closed.Load() {
		return false
	}
	for len(s.pending) == 0 {
		if s.finished {
			return false
		}
		if err := s.step(); err != nil {
			if s.closed.Load() {
				return false
			}
			s.err = err
			s.cur = nil
			return false
		}
	}
	s.cur, s.pending = s.pending[0], s.pending[1:]
	return true
}

// Vector returns the vector Next advanced to.
func (s *Stream[T]) Vector() []float64 { return s.cur }

// Err returns the failure that stopped the stream, if any.
func (s *Stream[T]) Err() error { return s.err }

// Close stops the worker and waits for it to exit. It is safe to call more
// than once.
func (s *Stream[T]) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		if s.started {
			<-s.workerDone
		}
		s.stopSrc()
	})
	return nil
}

func (s *Stream[T]) step() error {
	if s.inputDone {
		return s.await()
	}

	b, ok := s.next()
	if s.srcErr != nil {
		return s.srcErr
	}
	if !ok {
		s.inputDone = true
		if !s.started {
			s.finished = true
			return nil
		}
		return s.put(message[T]{kind: kindEnd})
	}

	if err := s.poll(); err != nil {
		return err
	}
	return s.handOff(b)
}

func (s *Stream[T]) handOff(b []T) error {
	if !s.started {
		s.started = true
		go s.work()
	}
	s.handed++
	s.log.Debug("handing batch to worker", zap.Int("batch", s.handed), zap.Int("size", len(b)))
	return s.put(message[T]{kind: kindBatch, batch: b})
}

// put blocks until the worker slot is free. Results that arrive meanwhile are
// accepted so the two one-slot channels cannot wait on each other.
func (s *Stream[T]) put(m message[T]) error {
	for {
		select {
		case s.toWorker <- m:
			return nil
		case r := <-s.fromWorker:
			if err := s.accept(r); err != nil {
				return err
			}
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

// poll takes at most one ready worker message without blocking.
func (s *Stream[T]) poll() error {
	select {
	case r := <-s.fromWorker:
		return s.accept(r)
	default:
		return nil
	}
}

func (s *Stream[T]) await() error {
	select {
	case r := <-s.fromWorker:
		return s.accept(r)
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Stream[T]) accept(m message[T]) error {
	switch m.kind {
	case kindResult:
		s.pending = append(s.pending, m.vectors...)
	case kindError:
		return m.err
	case kindEnd:
		s.finished = true
	}
	return nil
}

func (s *Stream[T]) work() {
	defer close(s.workerDone)
	for {
		var m message[T]
		select {
		case m = <-s.toWorker:
		case <-s.ctx.Done():
			return
		}

		if m.kind == kindEnd {
			s.emit(message[T]{kind: kindEnd})
			return
		}

		vectors, err := s.send(s.ctx, m.batch)
		out := message[T]{kind: kindResult, vectors: vectors}
		if err != nil {
			s.log.Debug("batch failed", zap.Int("batch_size", len(m.batch)), zap.Error(err))
			out = message[T]{kind: kindError, err: err}
		}
		if !s.emit(out) {
			return
		}
	}
}

func (s *Stream[T]) emit(m message[T]) bool {
	select {
	case s.fromWorker <- m:
		return true
	case <-s.ctx.Done():
		return false
	}
}
