package provider

import (
	"context"
	"time"
)

// DataKey is the body key the batch items are sent under. Callers may not
// use it for options.
const DataKey = "data"

// Embedder sends one batch and returns one vector per item, in order.
type Embedder interface {
	Embed(ctx context.Context, req EmbedRequest) (EmbedResponse, error)
}

type EmbedRequest struct {
	URL string

	// Items are JSON-encodable wire items: strings for text and ImageItem
	// values for images.
	Items []any

	Options map[string]any

	// Timeout bounds each individual HTTP attempt. Zero means no timeout.
	Timeout time.Duration
}

type EmbedResponse struct {
	Vectors [][]float64

	// Attempts and RequestID are set on failures too, once a request was
	// built.
	Attempts  int
	RequestID string
}

// ImageItem is the wire shape of one image in a batch.
type ImageItem struct {
	Img string `json:"img"`
}
