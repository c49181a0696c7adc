package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-recognizer/internal/cache"
	"github.com/kozaktomas/face-recognizer/internal/database/memory"
	"github.com/kozaktomas/face-recognizer/internal/inference"
	"github.com/kozaktomas/face-recognizer/internal/matcher"
	"github.com/kozaktomas/face-recognizer/internal/recognition"
	"github.com/rs/zerolog"
)

// centerDetector reports one face in the middle of every image.
type centerDetector struct{}

func (centerDetector) Detect(ctx context.Context, img image.Image) ([]inference.Face, error) {
	b := img.Bounds()
	return []inference.Face{{
		BBox:  inference.BBox{XMin: b.Dx() / 4, YMin: b.Dy() / 4, XMax: b.Dx() * 3 / 4, YMax: b.Dy() * 3 / 4},
		Score: 0.99,
	}}, nil
}

// meanColorEmbedder embeds a chip as its mean RGB color in [0,1].
type meanColorEmbedder struct{}

func (meanColorEmbedder) Embed(ctx context.Context, chip image.Image) ([]float32, error) {
	b := chip.Bounds()
	var r, g, bl, n float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			cr, cg, cb, _ := chip.At(x, y).RGBA()
			r += float64(cr) / 0xffff
			g += float64(cg) / 0xffff
			bl += float64(cb) / 0xffff
			n++
		}
	}
	return []float32{float32(r / n), float32(g / n), float32(bl / n)}, nil
}

// testService builds a Service over an in-memory store with fake inference.
func testService(t *testing.T) (*recognition.Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore(3)
	c := cache.New(store, cache.Options{}, zerolog.Nop())
	p := recognition.NewPipeline(centerDetector{}, meanColorEmbedder{}, c, store,
		matcher.New(matcher.Options{}), recognition.PipelineOptions{Workers: 2}, zerolog.Nop())
	return recognition.NewService(p, store, c, recognition.ServiceOptions{}, zerolog.Nop()), store
}

// solidPNG encodes a 32x32 image of one color.
func solidPNG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := range 32 {
		for x := range 32 {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// multipartRequest builds a multipart POST with files under field and plain form values.
func multipartRequest(t *testing.T, path, field string, files map[string][]byte, values map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, data := range files {
		fw, err := mw.CreateFormFile(field, name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data)
	}
	for k, v := range values {
		mw.WriteField(k, v)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertJSONError checks that the response is a JSON error of the given kind
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedKind string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] == "" {
		t.Error("expected a non-empty error message")
	}
	if result["kind"] != expectedKind {
		t.Errorf("expected kind '%s', got '%s'", expectedKind, result["kind"])
	}
}
