package domain

import (
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// SelectedImage is the file chosen by the user. It is replaced wholesale on
// every selection and never mutated.
type SelectedImage struct {
	Name      string
	MediaType string
	Data      []byte
}

// Size returns the number of bytes in the image.
func (i SelectedImage) Size() int { return len(i.Data) }

// NewSelectedImage validates a picked file. The declared media type is kept
// when it names an image; otherwise the type is sniffed from the bytes.
func NewSelectedImage(name string, data []byte, declared string) (SelectedImage, error) {
	if len(data) == 0 {
		return SelectedImage{}, ValidationError(errors.New("image is empty"))
	}

	mediaType := normalizeMediaType(declared)
	if !isImageType(mediaType) {
		sniffed := mimetype.Detect(data).String()
		mediaType = normalizeMediaType(sniffed)
		if !isImageType(mediaType) {
			return SelectedImage{}, ValidationError(fmt.Errorf("unsupported media type %q", sniffed))
		}
	}

	return SelectedImage{Name: name, MediaType: mediaType, Data: data}, nil
}

func normalizeMediaType(value string) string {
	if value == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(value))
	}
	return mediaType
}

func isImageType(mediaType string) bool {
	return strings.HasPrefix(mediaType, "image/")
}
