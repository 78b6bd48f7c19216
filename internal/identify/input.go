package identify

import (
	"encoding/base64"
	"strings"

	"cellar/internal/domain"
)

// MaxImageBytes bounds the decoded size of a label photo.
const MaxImageBytes = 10 << 20

// Input is what the user offered for identification: text, an image, or an
// image with supplementary text.
type Input struct {
	Text        string `json:"text,omitempty"`
	ImageBase64 string `json:"imageBase64,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

func (in Input) HasImage() bool {
	return in.ImageBase64 != ""
}

func (in Input) IsZero() bool {
	return strings.TrimSpace(in.Text) == "" && !in.HasImage()
}

// Type reports whether the input is treated as an image or a text request.
func (in Input) Type() domain.InputType {
	if in.HasImage() {
		return domain.InputImage
	}
	return domain.InputText
}

// Validate checks the input before any provider is called.
func (in Input) Validate() error {
	if in.IsZero() {
		return domain.NewValidationError("input", "enter a wine name or attach a label photo")
	}
	if !in.HasImage() {
		return nil
	}
	if !domain.AllowedImageTypes[in.MimeType] {
		return domain.NewValidationError("mimeType", "unsupported image type "+in.MimeType)
	}
	if base64.StdEncoding.DecodedLen(len(in.ImageBase64)) > MaxImageBytes {
		return domain.NewValidationError("image", "image is too large")
	}
	return nil
}
