// Package recognition runs the detect, crop, embed and match pipeline and the
// enrollment and registry operations built on it.
package recognition

import (
	"context"
	"fmt"
	"image"
	"sort"

	"github.com/kozaktomas/face-recognizer/internal/apperr"
	"github.com/kozaktomas/face-recognizer/internal/cache"
	"github.com/kozaktomas/face-recognizer/internal/constants"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/inference"
	"github.com/kozaktomas/face-recognizer/internal/matcher"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Match sources
const (
	SourceCache = "cache"
	SourceIndex = "index"
)

// FaceResult is the recognition outcome for one detected face. Error is set
// when the face could not be embedded; the other faces are unaffected.
type FaceResult struct {
	BBox      inference.BBox  `json:"bbox"`
	Score     float64         `json:"score"`
	Matches   []matcher.Match `json:"matches"`
	Predicted *matcher.Match  `json:"predicted"`
	Accepted  bool            `json:"accepted"`
	Error     string          `json:"error,omitempty"`
}

// ImageResult aggregates all faces found in one image.
type ImageResult struct {
	Source string       `json:"source,omitempty"`
	Width  int          `json:"width"`
	Height int          `json:"height"`
	Faces  []FaceResult `json:"faces"`
}

// PipelineOptions configures a Pipeline. Zero values take the package defaults.
type PipelineOptions struct {
	MinDetScore float64
	ChipSize    int
	Workers     int
	MatchSource string
}

// Pipeline turns images into per-face matches.
type Pipeline struct {
	detector inference.Detector
	embedder inference.Embedder
	cache    *cache.EmbeddingCache
	store    database.VectorStore
	matcher  *matcher.Matcher
	sem      *semaphore.Weighted
	opts     PipelineOptions
	logger   zerolog.Logger
}

// NewPipeline wires the collaborators. store is only queried when
// MatchSource is SourceIndex.
func NewPipeline(det inference.Detector, emb inference.Embedder, c *cache.EmbeddingCache, store database.VectorStore, m *matcher.Matcher, opts PipelineOptions, logger zerolog.Logger) *Pipeline {
	if opts.ChipSize <= 0 {
		opts.ChipSize = constants.ChipSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MatchSource == "" {
		opts.MatchSource = SourceCache
	}
	return &Pipeline{
		detector: det,
		embedder: emb,
		cache:    c,
		store:    store,
		matcher:  m,
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
		opts:     opts,
		logger:   logger,
	}
}

// Matcher returns the matcher used for ranking.
func (p *Pipeline) Matcher() *matcher.Matcher {
	return p.matcher
}

// Recognize detects faces in img and matches each one. Detection and match
// source failures abort the whole image with a recognition error.
func (p *Pipeline) Recognize(ctx context.Context, img image.Image, opts matcher.Options) (*ImageResult, error) {
	faces, err := p.detect(ctx, img, p.minDetScore())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRecognition, "recognize", fmt.Errorf("detecting faces: %w", err))
	}

	bounds := img.Bounds()
	result := &ImageResult{Width: bounds.Dx(), Height: bounds.Dy(), Faces: make([]FaceResult, 0, len(faces))}
	if len(faces) == 0 {
		return result, nil
	}

	match, err := p.matchFunc(ctx, opts)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRecognition, "recognize", err)
	}

	for _, face := range faces {
		fr := FaceResult{BBox: face.BBox, Score: face.Score, Matches: []matcher.Match{}}

		vec, err := p.embed(ctx, CropChip(img, face.BBox, p.opts.ChipSize))
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperr.Wrap(apperr.KindRecognition, "recognize", ctx.Err())
			}
			p.logger.Warn().Err(err).Interface("bbox", face.BBox).Msg("face embedding failed")
			fr.Error = err.Error()
			result.Faces = append(result.Faces, fr)
			continue
		}

		res, err := match(vec)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindRecognition, "recognize", err)
		}
		fr.Matches = res.Matches
		fr.Predicted = res.Predicted
		fr.Accepted = res.Accepted
		result.Faces = append(result.Faces, fr)
	}

	return result, nil
}

// matchFunc resolves the match source once per image so that every face of
// the image is ranked against the same snapshot.
func (p *Pipeline) matchFunc(ctx context.Context, opts matcher.Options) (func([]float32) (matcher.Result, error), error) {
	if p.opts.MatchSource == SourceIndex && p.store != nil {
		return func(vec []float32) (matcher.Result, error) {
			return p.matcher.MatchNearest(ctx, p.store, vec, opts)
		}, nil
	}

	snap, err := p.cache.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading embeddings: %w", err)
	}
	return func(vec []float32) (matcher.Result, error) {
		return p.matcher.Match(snap, vec, opts), nil
	}, nil
}

func (p *Pipeline) minDetScore() float64 {
	if p.opts.MinDetScore > 0 {
		return p.opts.MinDetScore
	}
	return constants.MinDetScore
}

// detect runs the detector under a worker slot and returns faces scoring at
// least minScore with a valid clamped box, best score first.
func (p *Pipeline) detect(ctx context.Context, img image.Image, minScore float64) ([]inference.Face, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	faces, err := p.detector.Detect(ctx, img)
	p.sem.Release(1)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	kept := make([]inference.Face, 0, len(faces))
	for _, f := range faces {
		if f.Score < minScore {
			continue
		}
		f.BBox = f.BBox.Clamp(b.Dx(), b.Dy())
		if !f.BBox.IsValid() {
			continue
		}
		kept = append(kept, f)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Score > kept[j].Score
	})
	return kept, nil
}

func (p *Pipeline) embed(ctx context.Context, chip image.Image) ([]float32, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)
	return p.embedder.Embed(ctx, chip)
}
