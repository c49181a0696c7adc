package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const (
	defaultServerURL  = "http://localhost:8000"
	defaultTimeout    = 30 * time.Second
	detectJPEGQuality = 95
)

// Client calls a model server exposing face detection and face embedding
// endpoints. It implements both Detector and Embedder.
type Client struct {
	baseURL string
	client  *http.Client
}

var (
	_ Detector = (*Client)(nil)
	_ Embedder = (*Client)(nil)
)

// NewClient creates a model server client. An empty baseURL uses the local default.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultServerURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// detectResponse is the body returned by /detect/face
type detectResponse struct {
	Faces []struct {
		BBox  []float64 `json:"bbox"` // [x1, y1, x2, y2]
		Score float64   `json:"score"`
	} `json:"faces"`
}

// embedResponse is the body returned by /embed/face
type embedResponse struct {
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
}

// Detect sends img to the detection endpoint. Boxes outside the image are
// clamped and empty boxes are dropped.
func (c *Client) Detect(ctx context.Context, img image.Image) ([]Face, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: detectJPEGQuality}); err != nil {
		return nil, fmt.Errorf("encoding image: %w", err)
	}

	body, err := c.postMultipartImage(ctx, "/detect/face", buf.Bytes(), "image/jpeg", "image.jpg")
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	var resp detectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse detect response: %w", err)
	}

	bounds := img.Bounds()
	faces := make([]Face, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		bbox, ok := bboxFromCorners(f.BBox)
		if !ok {
			continue
		}
		bbox = bbox.Clamp(bounds.Dx(), bounds.Dy())
		if !bbox.IsValid() {
			continue
		}
		faces = append(faces, Face{BBox: bbox, Score: f.Score})
	}
	return faces, nil
}

// Embed sends a face chip to the embedding endpoint.
func (c *Client) Embed(ctx context.Context, chip image.Image) ([]float32, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, chip); err != nil {
		return nil, fmt.Errorf("encoding chip: %w", err)
	}

	body, err := c.postMultipartImage(ctx, "/embed/face", buf.Bytes(), "image/png", "chip.png")
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse embed response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("empty embedding returned")
	}
	if resp.Dim > 0 && resp.Dim != len(resp.Embedding) {
		return nil, fmt.Errorf("embedding length %d does not match reported dim %d", len(resp.Embedding), resp.Dim)
	}
	return resp.Embedding, nil
}

// Health checks that the model server responds.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model server unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}

// postMultipartImage uploads data as the "file" form field and returns the response body.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, data []byte, mimeType, filename string) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
