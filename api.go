// Package basilica is a client for the Basilica embedding service.
//
// A Connection embeds sentences and images. The streaming calls batch their
// input and keep one batch in flight while the next one is encoded, yielding
// vectors in input order as soon as they arrive:
//
//	conn, err := basilica.NewConnection(basilica.Config{AuthKey: key})
//	...
//	s, err := conn.EmbedSentences(ctx, basilica.EmbedSentencesRequest{
//		Sentences: slices.Values([]string{"a", "b"}),
//	})
//	...
//	defer s.Close()
//	for s.Next() {
//		use(s.Embedding())
//	}
//	if err := s.Err(); err != nil { ... }
package basilica

import (
	"context"
	"fmt"
	"time"

	"github.com/bitop-dev/basilica/internal/pipeline"
	"github.com/bitop-dev/basilica/internal/provider"
	"go.uber.org/zap"
)

const (
	kindText   = "text"
	kindImages = "images"
)

// call is everything an embed call needs once its arguments are checked.
type call struct {
	url       string
	query     map[string]any
	transform bool
	batchSize int
	timeout   time.Duration
}

type callDefaults struct {
	kind      string
	model     string
	batchSize int
	timeout   time.Duration
}

var (
	sentencesDefaults = callDefaults{kind: kindText, model: "english", batchSize: 64, timeout: 15 * time.Second}
	sentenceDefaults  = callDefaults{kind: kindText, model: "english", batchSize: 1, timeout: 5 * time.Second}
	imagesDefaults    = callDefaults{kind: kindImages, model: "generic", batchSize: 32, timeout: 30 * time.Second}
	imageDefaults     = callDefaults{kind: kindImages, model: "generic", batchSize: 1, timeout: 10 * time.Second}
)

const defaultVersion = "default"

func (c *Connection) prepare(d callDefaults, model, version string, opts Options, batchSize int, timeout time.Duration) (call, error) {
	if err := c.checkOpen(); err != nil {
		return call{}, err
	}
	if model == "" {
		model = d.model
	}
	if version == "" {
		version = defaultVersion
	}
	if batchSize < 0 {
		return call{}, validationError("batch size must be positive (got %d)", batchSize)
	}
	if batchSize == 0 {
		batchSize = d.batchSize
	}
	if timeout < 0 {
		return call{}, validationError("timeout must not be negative (got %s)", timeout)
	}
	if timeout == 0 {
		timeout = d.timeout
	}
	q, transform, err := opts.query()
	if err != nil {
		return call{}, err
	}
	return call{
		url:       c.endpoint(d.kind, model, version),
		query:     q,
		transform: transform,
		batchSize: batchSize,
		timeout:   timeout,
	}, nil
}

func (c *Connection) request(cl call, items []any) provider.EmbedRequest {
	return provider.EmbedRequest{URL: cl.url, Items: items, Options: cl.query, Timeout: cl.timeout}
}

func (c *Connection) stream(ctx context.Context, cl call, src pipeline.Source[any], stop func()) *EmbeddingStream {
	send := func(ctx context.Context, items []any) ([][]float64, error) {
		resp, err := c.embed(ctx, cl, items)
		if err != nil {
			return nil, err
		}
		return resp.Vectors, nil
	}
	inner := pipeline.New(ctx, src, send, pipeline.Options{
		BatchSize: cl.batchSize,
		Logger:    c.log.With(zap.String("url", cl.url)),
	})
	return newEmbeddingStream(inner, stop)
}

// embed sends one batch. Failures are logged with the request id the server
// saw, so they can be matched against server-side logs.
func (c *Connection) embed(ctx context.Context, cl call, items []any) (provider.EmbedResponse, error) {
	resp, err := c.embedder.Embed(ctx, c.request(cl, items))
	if err != nil {
		lvl := zap.WarnLevel
		if ctx.Err() != nil {
			lvl = zap.DebugLevel
		}
		c.log.Log(lvl, "embed batch failed",
			zap.String("url", cl.url),
			zap.String("request_id", resp.RequestID),
			zap.Int("attempts", resp.Attempts),
			zap.Int("size", len(items)),
			zap.Error(err))
	}
	return resp, err
}

func (c *Connection) embedOne(ctx context.Context, cl call, item any) ([]float64, error) {
	resp, err := c.embed(ctx, cl, []any{item})
	if err != nil {
		return nil, mapProviderError(err)
	}
	if len(resp.Vectors) != 1 {
		return nil, &Error{Provider: provider.Name, Code: CodeProtocol, Message: fmt.Sprintf("expected 1 embedding, got %d", len(resp.Vectors))}
	}
	return resp.Vectors[0], nil
}
