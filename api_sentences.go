package basilica

import (
	"context"
	"iter"
	"time"

	"github.com/bitop-dev/basilica/internal/encode"
)

type EmbedSentencesRequest struct {
	// Sentences is pulled lazily and may be unbounded.
	Sentences iter.Seq[string]

	Model   string // default "english"
	Version string // default "default"
	Options Options

	BatchSize int           // default 64
	Timeout   time.Duration // per HTTP attempt, default 15s
}

type EmbedSentenceRequest struct {
	Sentence string

	Model   string
	Version string
	Options Options

	Timeout time.Duration // default 5s
}

// EmbedSentences streams one vector per sentence. Argument errors are
// returned before any request is made; failures while streaming are reported
// by the stream's Err.
func (c *Connection) EmbedSentences(ctx context.Context, req EmbedSentencesRequest) (*EmbeddingStream, error) {
	if req.Sentences == nil {
		return nil, validationError("sentences are required")
	}
	cl, err := c.prepare(sentencesDefaults, req.Model, req.Version, req.Options, req.BatchSize, req.Timeout)
	if err != nil {
		return nil, err
	}

	next, stop := iter.Pull(req.Sentences)
	src := func() (any, bool, error) {
		s, ok := next()
		if !ok {
			return nil, false, nil
		}
		return encode.Text(s), true, nil
	}
	return c.stream(ctx, cl, src, stop), nil
}

func (c *Connection) EmbedSentence(ctx context.Context, req EmbedSentenceRequest) ([]float64, error) {
	cl, err := c.prepare(sentenceDefaults, req.Model, req.Version, req.Options, 1, req.Timeout)
	if err != nil {
		return nil, err
	}
	return c.embedOne(ctx, cl, encode.Text(req.Sentence))
}
