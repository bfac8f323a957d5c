package main

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"github.com/bitop-dev/basilica"
	"gopkg.in/yaml.v3"
)

type record struct {
	Input     string    `json:"input" yaml:"input"`
	Embedding []float64 `json:"embedding" yaml:"embedding,flow"`
}

type encoder interface {
	Encode(v any) error
	Close() error
}

type jsonLines struct{ *json.Encoder }

func (jsonLines) Close() error { return nil }

// newEncoder writes JSON lines or a stream of YAML documents.
func newEncoder(w io.Writer, format string) (encoder, error) {
	switch format {
	case "json", "":
		return jsonLines{json.NewEncoder(w)}, nil
	case "yaml":
		return yaml.NewEncoder(w), nil
	}
	return nil, fmt.Errorf("unknown format %q (want json or yaml)", format)
}

// fifo remembers the inputs the stream has pulled but not yet answered, so
// each embedding can be printed next to its input.
type fifo struct{ items []string }

func (f *fifo) track(seq iter.Seq[string]) iter.Seq[string] {
	return func(yield func(string) bool) {
		for s := range seq {
			f.items = append(f.items, s)
			if !yield(s) {
				return
			}
		}
	}
}

func (f *fifo) pop() string {
	if len(f.items) == 0 {
		return ""
	}
	s := f.items[0]
	f.items = f.items[1:]
	return s
}

func writeStream(enc encoder, s *basilica.EmbeddingStream, inputs *fifo) error {
	defer s.Close()
	for s.Next() {
		if err := enc.Encode(record{Input: inputs.pop(), Embedding: s.Embedding()}); err != nil {
			return err
		}
	}
	if err := s.Err(); err != nil {
		return err
	}
	return enc.Close()
}
