package basilica

import (
	"context"
	"fmt"
	"iter"
	"os"
	"time"

	"github.com/bitop-dev/basilica/internal/encode"
	"github.com/bitop-dev/basilica/internal/provider"
)

type EmbedImagesRequest struct {
	// Images holds encoded image files (JPEG, PNG, GIF, BMP, TIFF or WebP).
	// It is pulled lazily and may be unbounded.
	Images iter.Seq[[]byte]

	Model   string // default "generic"
	Version string // default "default"
	Options Options

	BatchSize int           // default 32
	Timeout   time.Duration // per HTTP attempt, default 30s
}

type EmbedImageRequest struct {
	Image []byte

	Model   string
	Version string
	Options Options

	Timeout time.Duration // default 10s
}

type EmbedImageFilesRequest struct {
	// Paths are read one at a time as the stream needs them.
	Paths iter.Seq[string]

	Model   string
	Version string
	Options Options

	BatchSize int
	Timeout   time.Duration
}

type EmbedImageFileRequest struct {
	Path string

	Model   string
	Version string
	Options Options

	Timeout time.Duration
}

// EmbedImages streams one vector per image. Unless Options.TransformImage is
// false every image is shrunk to at most 512px per side and re-encoded as
// JPEG before upload.
func (c *Connection) EmbedImages(ctx context.Context, req EmbedImagesRequest) (*EmbeddingStream, error) {
	if req.Images == nil {
		return nil, validationError("images are required")
	}
	cl, err := c.prepare(imagesDefaults, req.Model, req.Version, req.Options, req.BatchSize, req.Timeout)
	if err != nil {
		return nil, err
	}
	next, stop := iter.Pull(req.Images)
	src := func() (any, bool, error) {
		img, ok := next()
		if !ok {
			return nil, false, nil
		}
		return imageItem(img, cl.transform)
	}
	return c.stream(ctx, cl, src, stop), nil
}

func (c *Connection) EmbedImage(ctx context.Context, req EmbedImageRequest) ([]float64, error) {
	cl, err := c.prepare(imageDefaults, req.Model, req.Version, req.Options, 1, req.Timeout)
	if err != nil {
		return nil, err
	}
	item, _, err := imageItem(req.Image, cl.transform)
	if err != nil {
		return nil, mapProviderError(err)
	}
	return c.embedOne(ctx, cl, item)
}

// EmbedImageFiles is EmbedImages over files on disk. A file that cannot be
// read ends the stream with a read_error.
func (c *Connection) EmbedImageFiles(ctx context.Context, req EmbedImageFilesRequest) (*EmbeddingStream, error) {
	if req.Paths == nil {
		return nil, validationError("paths are required")
	}
	cl, err := c.prepare(imagesDefaults, req.Model, req.Version, req.Options, req.BatchSize, req.Timeout)
	if err != nil {
		return nil, err
	}
	next, stop := iter.Pull(req.Paths)
	src := func() (any, bool, error) {
		path, ok := next()
		if !ok {
			return nil, false, nil
		}
		img, err := readImage(path)
		if err != nil {
			return nil, false, err
		}
		return imageItem(img, cl.transform)
	}
	return c.stream(ctx, cl, src, stop), nil
}

func (c *Connection) EmbedImageFile(ctx context.Context, req EmbedImageFileRequest) ([]float64, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	img, err := readImage(req.Path)
	if err != nil {
		return nil, mapProviderError(err)
	}
	return c.EmbedImage(ctx, EmbedImageRequest{
		Image:   img,
		Model:   req.Model,
		Version: req.Version,
		Options: req.Options,
		Timeout: req.Timeout,
	})
}

func imageItem(img []byte, transform bool) (any, bool, error) {
	item, err := encode.ImageItem(img, transform)
	if err != nil {
		return nil, false, err
	}
	return item, true, nil
}

func readImage(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &provider.Error{Provider: provider.Name, Code: provider.CodeRead, Message: fmt.Sprintf("read image file: %v", err), Cause: err}
	}
	return b, nil
}
