package basilica

import (
	"maps"

	"github.com/bitop-dev/basilica/internal/provider"
	"github.com/bitop-dev/basilica/internal/schema"
)

// Option keys understood by the service.
const (
	OptionDimensions        = "dimensions"
	OptionNormalizeL2       = "normalize_l2"
	OptionNormalizeMean     = "normalize_mean"
	OptionNormalizeVariance = "normalize_variance"
	// OptionTransformImage is handled by the client and never sent.
	OptionTransformImage = "transform_image"
)

// Options tune an embed call. Nil fields are left to the server's defaults.
type Options struct {
	// Dimensions asks the service to reduce vectors to this size with PCA;
	// zero keeps the model's size.
	Dimensions        int
	NormalizeL2       *bool
	NormalizeMean     *bool
	NormalizeVariance *bool

	// TransformImage shrinks and re-encodes images before upload. Nil means
	// true.
	TransformImage *bool

	// Extra carries model-specific options. Typed fields win over Extra.
	Extra map[string]any
}

// Ptr returns a pointer to v, for the optional fields of Options and Config.
func Ptr[T any](v T) *T { return &v }

// query builds the option map sent with every batch of one call and the
// client-local transform flag. It fails before any request is made.
func (o Options) query() (map[string]any, bool, error) {
	q := make(map[string]any, len(o.Extra)+4)
	maps.Copy(q, o.Extra)

	if _, ok := q[provider.DataKey]; ok {
		return nil, false, validationError("options may not contain the %q key", provider.DataKey)
	}

	transform := true
	if v, ok := q[OptionTransformImage]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return nil, false, validationError("option %q must be a bool (got %T)", OptionTransformImage, v)
		}
		transform = b
		delete(q, OptionTransformImage)
	}
	if o.TransformImage != nil {
		transform = *o.TransformImage
	}

	switch {
	case o.Dimensions < 0:
		return nil, false, validationError("dimensions must be positive (got %d)", o.Dimensions)
	case o.Dimensions > 0:
		q[OptionDimensions] = o.Dimensions
	}
	setBool(q, OptionNormalizeL2, o.NormalizeL2)
	setBool(q, OptionNormalizeMean, o.NormalizeMean)
	setBool(q, OptionNormalizeVariance, o.NormalizeVariance)

	if err := schema.Options.ValidateValue(q); err != nil {
		return nil, false, validationError("invalid options: %v", err)
	}
	return q, transform, nil
}

func setBool(q map[string]any, key string, v *bool) {
	if v != nil {
		q[key] = *v
	}
}
