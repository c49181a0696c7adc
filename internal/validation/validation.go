// Package validation checks client-supplied identifiers, match parameters
// and image uploads before they reach the pipeline or the store.
package validation

import (
	"bytes"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"math"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kozaktomas/face-recognizer/internal/apperr"
	"github.com/kozaktomas/face-recognizer/internal/constants"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/webp" // register WEBP decoder
)

const maxFieldLength = 255

var (
	personIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	forbiddenInName = `<>"';\`
)

// ImageExtensions are the file extensions accepted for uploads and directory enrollment.
var ImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".webp": true,
}

var imageFormats = map[string]bool{
	"jpeg": true,
	"png":  true,
	"bmp":  true,
	"webp": true,
}

// PersonID checks the identifier format.
func PersonID(id string) error {
	switch {
	case id == "":
		return apperr.Validation("", "person_id cannot be empty")
	case len(id) > maxFieldLength:
		return apperr.Validation("", "person_id cannot exceed %d characters", maxFieldLength)
	case !personIDPattern.MatchString(id):
		return apperr.Validation("", "person_id can only contain alphanumeric characters, underscores, and hyphens")
	}
	return nil
}

// Name checks a display name.
func Name(name string) error {
	switch {
	case name == "":
		return apperr.Validation("", "name cannot be empty")
	case len(name) > maxFieldLength:
		return apperr.Validation("", "name cannot exceed %d characters", maxFieldLength)
	case strings.ContainsAny(name, forbiddenInName):
		return apperr.Validation("", "name contains invalid characters")
	}
	return nil
}

func Threshold(t float64) error {
	if math.IsNaN(t) || t < 0 || t > 1 {
		return apperr.Validation("", "threshold must be between 0.0 and 1.0")
	}
	return nil
}

func TopK(k int) error {
	if k < 1 || k > constants.MaxTopK {
		return apperr.Validation("", "top_k must be between 1 and %d", constants.MaxTopK)
	}
	return nil
}

func PerPersonK(k int) error {
	if k < 1 || k > constants.MaxPerPersonK {
		return apperr.Validation("", "per_person_k must be between 1 and %d", constants.MaxPerPersonK)
	}
	return nil
}

// HasImageExtension reports whether name ends in an accepted image extension.
func HasImageExtension(name string) bool {
	return ImageExtensions[strings.ToLower(filepath.Ext(name))]
}

// Image checks the size, the encoded format and the pixel dimensions of data
// without decoding the full image. It returns the detected format name.
func Image(data []byte) (string, error) {
	if len(data) == 0 {
		return "", apperr.Validation("", "image is empty")
	}
	if len(data) > constants.MaxImageBytes {
		return "", apperr.Validation("", "image exceeds maximum of %dMB", constants.MaxImageBytes>>20)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", apperr.Validation("", "invalid or corrupted image file: %v", err)
	}
	if !imageFormats[format] {
		return "", apperr.Validation("", "unsupported image format: %s", format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return "", apperr.Validation("", "image has invalid dimensions")
	}
	if cfg.Width > constants.MaxImageDimension || cfg.Height > constants.MaxImageDimension {
		return "", apperr.Validation("", "image dimensions too large: %dx%d", cfg.Width, cfg.Height)
	}
	return format, nil
}
