package domain

import (
	"bytes"
	"fmt"
	"image"
)

// DecodeImage decodes data after checking the header dimensions against
// maxPixels, so oversized frames are rejected before any pixel buffer is
// allocated. Callers register the formats they accept.
func DecodeImage(data []byte, maxPixels int) (image.Image, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode header: %w", err)
	}
	if size := (Size{Width: cfg.Width, Height: cfg.Height}); !size.Within(maxPixels) {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, maxPixels)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode: %w", err)
	}
	return img, format, nil
}
