// Package encode turns raw inputs into the strings carried in an embed
// request body.
package encode

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/bitop-dev/basilica/internal/provider"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// MaxSide is the largest width or height a transformed image keeps.
	MaxSide = 512
	// JPEGQuality matches the quality most imaging libraries default to.
	JPEGQuality = 75
	// MaxPixels bounds width*height of an image before it is decoded, so a
	// small file declaring huge dimensions is rejected instead of allocated.
	MaxPixels = 89_478_485
)

// Text returns the sentence unchanged; text goes on the wire as is.
func Text(s string) string { return s }

// Image returns the base64 form of img. With transform set the image is
// decoded, shrunk to fit MaxSide, flattened to RGB and re-encoded as JPEG
// first; otherwise the original bytes, even none, are encoded untouched.
func Image(img []byte, transform bool) (string, error) {
	if !transform {
		return base64.StdEncoding.EncodeToString(img), nil
	}
	out, err := Thumbnail(img)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// ImageItem wraps Image in the wire shape used for image batches.
func ImageItem(img []byte, transform bool) (provider.ImageItem, error) {
	s, err := Image(img, transform)
	if err != nil {
		return provider.ImageItem{}, err
	}
	return provider.ImageItem{Img: s}, nil
}

// Thumbnail decodes img and re-encodes it as an RGB JPEG no larger than
// MaxSide on either side. The aspect ratio is kept and images are never
// enlarged.
func Thumbnail(img []byte) ([]byte, error) {
	if len(img) == 0 {
		return nil, provider.InvalidInput(nil, "image is empty")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, provider.InvalidInput(err, "image could not be decoded: %v", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, provider.InvalidInput(nil, "image dimensions %dx%d exceed the %d pixel limit", cfg.Width, cfg.Height, MaxPixels)
	}
	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, provider.InvalidInput(err, "image could not be decoded: %v", err)
	}

	sb := src.Bounds()
	w, h := fit(sb.Dx(), sb.Dy(), MaxSide)
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	if w == sb.Dx() && h == sb.Dy() {
		draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, sb, draw.Src, nil)
	}
	// RGB has no alpha channel: keep the colour, drop the transparency.
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, provider.InvalidInput(err, "image could not be re-encoded: %v", err)
	}
	return buf.Bytes(), nil
}

func fit(w, h, side int) (int, int) {
	if w <= side && h <= side {
		return w, h
	}
	if w >= h {
		return side, max(1, (h*side+w/2)/w)
	}
	return max(1, (w*side+h/2)/h), side
}
