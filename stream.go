package basilica

import (
	"iter"

	"github.com/bitop-dev/basilica/internal/pipeline"
)

// EmbeddingStream yields one vector per input item, in input order. Input is
// pulled and encoded inside Next while the previous batch is in flight.
//
// A stream must be used from one goroutine. Call Close when done, also after
// a failure or an early stop; a stream dropped without Close keeps a
// goroutine alive until the call's context ends.
type EmbeddingStream struct {
	inner *pipeline.Stream[any]
	stop  func()
}

func newEmbeddingStream(inner *pipeline.Stream[any], stop func()) *EmbeddingStream {
	return &EmbeddingStream{inner: inner, stop: stop}
}

func (s *EmbeddingStream) Next() bool {
	if s == nil || s.inner == nil {
		return false
	}
	return s.inner.Next()
}

// Embedding returns the vector Next advanced to.
func (s *EmbeddingStream) Embedding() []float64 {
	if s == nil || s.inner == nil {
		return nil
	}
	return s.inner.Vector()
}

// Err returns the failure that ended the stream. Vectors yielded before it
// remain valid.
func (s *EmbeddingStream) Err() error {
	if s == nil || s.inner == nil {
		return nil
	}
	return mapProviderError(s.inner.Err())
}

func (s *EmbeddingStream) Close() error {
	if s == nil || s.inner == nil {
		return nil
	}
	err := s.inner.Close()
	if s.stop != nil {
		s.stop()
	}
	return err
}

// All ranges over the vectors and closes the stream afterwards. A failure is
// yielded once, last, with a nil vector.
func (s *EmbeddingStream) All() iter.Seq2[[]float64, error] {
	return func(yield func([]float64, error) bool) {
		defer s.Close()
		for s.Next() {
			if !yield(s.Embedding(), nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// Collect reads the whole stream and closes it.
func (s *EmbeddingStream) Collect() ([][]float64, error) {
	defer s.Close()
	var out [][]float64
	for s.Next() {
		out = append(out, s.Embedding())
	}
	return out, s.Err()
}
