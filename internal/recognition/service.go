package recognition

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/apperr"
	"github.com/kozaktomas/face-recognizer/internal/cache"
	"github.com/kozaktomas/face-recognizer/internal/constants"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/matcher"
	"github.com/kozaktomas/face-recognizer/internal/validation"
	"github.com/rs/zerolog"
)

// ServiceOptions configures enrollment.
type ServiceOptions struct {
	EnrollMinDetScore float64
	EnrollMaxFaces    int
}

// ImageInput is one enrollment image with the name it is recorded under.
type ImageInput struct {
	Source string
	Data   []byte
}

// SkippedImage records why an enrollment image produced no embedding.
type SkippedImage struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// EnrollResult summarizes one enrollment request.
type EnrollResult struct {
	PersonID        string         `json:"person_id"`
	ImagesProcessed int            `json:"images_processed"`
	FacesDetected   int            `json:"faces_detected"`
	EmbeddingsAdded int            `json:"embeddings_added"`
	Skipped         []SkippedImage `json:"skipped"`
}

// HealthReport is the combined state of the store, the cache and the breaker.
type HealthReport struct {
	Status   string       `json:"status"` // ok, degraded or unhealthy
	Healthy  bool         `json:"healthy"`
	Database string       `json:"database"`
	Breaker  string       `json:"breaker,omitempty"`
	Cache    cache.Health `json:"cache"`
}

type breakerReporter interface {
	BreakerState() string
}

// Service is the entry point for recognition, enrollment and the person registry.
type Service struct {
	pipeline *Pipeline
	store    database.Store
	cache    *cache.EmbeddingCache
	opts     ServiceOptions
	logger   zerolog.Logger
}

// NewService creates a Service. The cache must be the one the pipeline reads.
func NewService(p *Pipeline, store database.Store, c *cache.EmbeddingCache, opts ServiceOptions, logger zerolog.Logger) *Service {
	if opts.EnrollMinDetScore <= 0 {
		opts.EnrollMinDetScore = constants.EnrollMinDetScore
	}
	if opts.EnrollMaxFaces <= 0 {
		opts.EnrollMaxFaces = constants.EnrollMaxFaces
	}
	return &Service{
		pipeline: p,
		store:    store,
		cache:    c,
		opts:     opts,
		logger:   logger,
	}
}

// Defaults returns the match options applied to unset request fields.
func (s *Service) Defaults() matcher.Options {
	return s.pipeline.Matcher().Defaults()
}

// ValidateOptions checks explicitly set match options.
func ValidateOptions(opts matcher.Options) error {
	if opts.Threshold != nil {
		if err := validation.Threshold(*opts.Threshold); err != nil {
			return err
		}
	}
	if opts.TopK != 0 {
		if err := validation.TopK(opts.TopK); err != nil {
			return err
		}
	}
	if opts.PerPersonK != 0 {
		if err := validation.PerPersonK(opts.PerPersonK); err != nil {
			return err
		}
	}
	return nil
}

// Recognize decodes an uploaded image and recognizes every face in it.
func (s *Service) Recognize(ctx context.Context, data []byte, opts matcher.Options) (*ImageResult, error) {
	if err := ValidateOptions(opts); err != nil {
		return nil, err
	}
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return s.pipeline.Recognize(ctx, img, opts)
}

// RecognizeImage recognizes an already decoded image.
func (s *Service) RecognizeImage(ctx context.Context, img image.Image, opts matcher.Options) (*ImageResult, error) {
	if err := ValidateOptions(opts); err != nil {
		return nil, err
	}
	return s.pipeline.Recognize(ctx, img, opts)
}

// Enroll adds embeddings for an existing person. Each image contributes at
// most EnrollMaxFaces faces, best detection score first, and only faces that
// reach EnrollMinDetScore. Images that cannot be used are reported in
// Skipped. A store failure aborts the request; embeddings inserted before it
// are kept.
func (s *Service) Enroll(ctx context.Context, personID string, images []ImageInput) (*EnrollResult, error) {
	if err := validation.PersonID(personID); err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, apperr.Validation("enroll", "no images provided")
	}
	if _, err := s.store.GetPerson(ctx, personID); err != nil {
		return nil, err
	}

	result := &EnrollResult{PersonID: personID, Skipped: []SkippedImage{}}
	defer func() {
		if result.EmbeddingsAdded > 0 {
			s.cache.Invalidate()
		}
	}()

	for _, in := range images {
		result.ImagesProcessed++

		img, err := DecodeImage(in.Data)
		if err != nil {
			result.Skipped = append(result.Skipped, SkippedImage{Source: in.Source, Reason: apperr.Message(err)})
			continue
		}

		faces, err := s.pipeline.detect(ctx, img, s.opts.EnrollMinDetScore)
		if err != nil {
			return result, apperr.Wrap(apperr.KindRecognition, "enroll", fmt.Errorf("detecting faces in %s: %w", in.Source, err))
		}
		if len(faces) == 0 {
			result.Skipped = append(result.Skipped, SkippedImage{Source: in.Source, Reason: "no face detected"})
			continue
		}
		if len(faces) > s.opts.EnrollMaxFaces {
			faces = faces[:s.opts.EnrollMaxFaces]
		}
		result.FacesDetected += len(faces)

		for _, face := range faces {
			vec, err := s.pipeline.embed(ctx, CropChip(img, face.BBox, s.pipeline.opts.ChipSize))
			if err != nil {
				if ctx.Err() != nil {
					return result, apperr.Wrap(apperr.KindRecognition, "enroll", ctx.Err())
				}
				result.Skipped = append(result.Skipped, SkippedImage{Source: in.Source, Reason: "embedding failed: " + err.Error()})
				continue
			}
			if _, err := s.store.InsertEmbedding(ctx, personID, vec, in.Source); err != nil {
				return result, fmt.Errorf("storing embedding from %s: %w", in.Source, err)
			}
			result.EmbeddingsAdded++
		}
	}

	s.logger.Info().
		Str("person_id", personID).
		Int("images", result.ImagesProcessed).
		Int("embeddings", result.EmbeddingsAdded).
		Int("skipped", len(result.Skipped)).
		Msg("enrollment finished")
	return result, nil
}

// RegisterPerson creates a new person with no embeddings.
func (s *Service) RegisterPerson(ctx context.Context, personID, name string) (*database.Person, error) {
	if err := validation.PersonID(personID); err != nil {
		return nil, err
	}
	if err := validation.Name(name); err != nil {
		return nil, err
	}
	p, err := s.store.CreatePerson(ctx, personID, name)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate()
	return p, nil
}

func (s *Service) GetPerson(ctx context.Context, personID string) (*database.Person, error) {
	if err := validation.PersonID(personID); err != nil {
		return nil, err
	}
	return s.store.GetPerson(ctx, personID)
}

func (s *Service) ListPersons(ctx context.Context, offset, limit int) (*database.PersonPage, error) {
	if offset < 0 {
		return nil, apperr.Validation("list persons", "offset must not be negative")
	}
	if limit <= 0 || limit > constants.MaxPersonPageSize {
		return nil, apperr.Validation("list persons", "limit must be between 1 and %d", constants.MaxPersonPageSize)
	}
	return s.store.ListPersons(ctx, offset, limit)
}

// DeletePerson removes a person and every embedding of theirs.
func (s *Service) DeletePerson(ctx context.Context, personID string) error {
	if err := validation.PersonID(personID); err != nil {
		return err
	}
	if err := s.store.DeletePerson(ctx, personID); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

// Health pings the store and reports cache and breaker state. The service is
// healthy while the cache can serve recognition; a failing store with a
// usable cache is reported as degraded.
func (s *Service) Health(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	report := HealthReport{Database: "ok", Cache: s.cache.Health()}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("health check database ping failed")
		report.Database = "unavailable"
	}
	if b, ok := s.store.(breakerReporter); ok {
		report.Breaker = b.BreakerState()
	}

	report.Healthy = report.Cache.Healthy()
	if !report.Cache.Loaded {
		// Nothing cached yet: try a load so a fresh process can become healthy.
		if _, err := s.cache.Get(ctx); err == nil {
			report.Cache = s.cache.Health()
			report.Healthy = report.Cache.Healthy()
		} else if !errors.Is(err, apperr.ErrStorageUnavailable) {
			s.logger.Warn().Err(err).Msg("health check cache load failed")
		}
	}

	switch {
	case !report.Healthy:
		report.Status = "unhealthy"
	case report.Database != "ok" || report.Cache.Degraded:
		report.Status = "degraded"
	default:
		report.Status = "ok"
	}
	return report
}
