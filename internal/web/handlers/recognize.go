package handlers

import (
	"net/http"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/constants"
	"github.com/kozaktomas/face-recognizer/internal/recognition"
	"github.com/rs/zerolog"
)

// RecognizeHandler runs recognition on a single uploaded image.
type RecognizeHandler struct {
	service *recognition.Service
	logger  zerolog.Logger
}

// NewRecognizeHandler creates a new recognize handler.
func NewRecognizeHandler(svc *recognition.Service, logger zerolog.Logger) *RecognizeHandler {
	return &RecognizeHandler{service: svc, logger: logger}
}

// RecognizeResponse is the result for one image plus processing time.
type RecognizeResponse struct {
	*recognition.ImageResult
	ElapsedMS float64 `json:"elapsed_ms"`
}

// Recognize handles POST /recognize with a multipart "image" file and optional
// threshold, top_k and per_person_k form values.
func (h *RecognizeHandler) Recognize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxImageBytes+1<<20)
	if err := r.ParseMultipartForm(constants.MaxImageBytes); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	opts, err := parseMatchOptions(r.FormValue)
	if err != nil {
		respondAppError(w, h.logger, "recognize", err)
		return
	}

	files := r.MultipartForm.File["image"]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "no image provided")
		return
	}
	data, err := readUpload(files[0])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	result, err := h.service.Recognize(r.Context(), data, opts)
	if err != nil {
		respondAppError(w, h.logger, "recognize", err)
		return
	}
	result.Source = files[0].Filename

	respondJSON(w, http.StatusOK, RecognizeResponse{
		ImageResult: result,
		ElapsedMS:   float64(time.Since(start).Microseconds()) / 1000,
	})
}
