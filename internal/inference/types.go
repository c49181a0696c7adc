// Package inference defines the face detection and embedding collaborators
// and an HTTP client for a model server that provides both.
package inference

import (
	"context"
	"image"
)

// Face is one detection in pixel coordinates of the source image.
type Face struct {
	BBox  BBox    `json:"bbox"`
	Score float64 `json:"score"`
}

// Detector finds faces in an image. Results may be in any order and carry
// scores in [0,1]; callers apply their own score threshold.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Face, error)
}

// Embedder turns a cropped face chip into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, chip image.Image) ([]float32, error)
}
