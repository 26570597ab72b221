package preview

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/example/image-classifier/internal/domain"
)

// RenderedMediaType is the media type of every rendered preview.
const RenderedMediaType = "image/png"

// Rendered is a decoded and downscaled preview ready to be served.
type Rendered struct {
	Data   []byte
	Width  int
	Height int
}

// Render decodes data and fits it within maxDimension on both axes. Images
// that cannot be decoded are reported as validation errors.
func Render(data []byte, maxDimension int) (Rendered, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Rendered{}, domain.ValidationError(fmt.Errorf("decode image: %w", err))
	}

	if maxDimension > 0 {
		img = imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return Rendered{}, fmt.Errorf("encode preview: %w", err)
	}

	bounds := img.Bounds()
	return Rendered{Data: buf.Bytes(), Width: bounds.Dx(), Height: bounds.Dy()}, nil
}
