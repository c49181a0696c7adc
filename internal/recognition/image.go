package recognition

import (
	"bytes"
	"image"

	"github.com/kozaktomas/face-recognizer/internal/apperr"
	"github.com/kozaktomas/face-recognizer/internal/inference"
	"github.com/kozaktomas/face-recognizer/internal/validation"
	"golang.org/x/image/draw"
)

// DecodeImage validates and decodes an uploaded image.
func DecodeImage(data []byte) (image.Image, error) {
	if _, err := validation.Image(data); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Validation("decode image", "failed to decode image: %v", err)
	}
	return img, nil
}

// CropChip cuts bbox out of img and scales it to a size x size RGBA chip.
// bbox is relative to the image origin and must already be clamped.
func CropChip(img image.Image, bbox inference.BBox, size int) *image.RGBA {
	b := img.Bounds()
	src := image.Rect(b.Min.X+bbox.XMin, b.Min.Y+bbox.YMin, b.Min.X+bbox.XMax, b.Min.Y+bbox.YMax)

	chip := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(chip, chip.Bounds(), img, src, draw.Over, nil)
	return chip
}
