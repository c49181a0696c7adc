package config

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Database    DatabaseConfig
	Store       StoreConfig       `yaml:"store"`
	Cache       CacheConfig       `yaml:"cache"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Inference   InferenceConfig
	Stream      StreamConfig `yaml:"stream"`
	Web         WebConfig
	Log         LogConfig
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MinConns     int    // Connections kept warm in the pool (default 1)
	MaxConns     int    // Maximum open connections (default 20)
	EfSearch     int    // hnsw.ef_search for nearest-neighbor queries (default 100)
	VectorDim    int    // Dimension of the embeddings column
	ConnLifetime time.Duration
}

type StoreConfig struct {
	Backend         string        `yaml:"backend"` // postgres or memory
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryMinBackoff time.Duration `yaml:"retry_min_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

type CacheConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	MaxStaleness time.Duration `yaml:"max_staleness"`
}

type RecognitionConfig struct {
	EmbeddingDim      int     `yaml:"embedding_dim"`
	ChipSize          int     `yaml:"chip_size"`
	Threshold         float64 `yaml:"threshold"`
	TopK              int     `yaml:"top_k"`
	PerPersonK        int     `yaml:"per_person_k"`
	MinDetScore       float64 `yaml:"min_det_score"`
	EnrollMinDetScore float64 `yaml:"enroll_min_det_score"`
	EnrollMaxFaces    int     `yaml:"enroll_max_faces"`
	MatchSource       string  `yaml:"match_source"` // cache or index
	Workers           int     `yaml:"workers"`      // defaults to runtime.NumCPU()
}

type InferenceConfig struct {
	URL     string // defaults to http://localhost:8000
	Timeout time.Duration
}

type StreamConfig struct {
	MaxSessions            int           `yaml:"max_sessions"`
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	ReapInterval           time.Duration `yaml:"reap_interval"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	MaxFrameBytes          int           `yaml:"max_frame_bytes"`
}

type WebConfig struct {
	Host           string
	Port           int
	APIKeys        []string
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or console
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads a non-negative float environment variable.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

// envDuration reads a positive time.Duration environment variable (e.g. "30s").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList splits a comma-separated environment variable, dropping blanks.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// databaseURL returns DATABASE_URL, or assembles one from the DB_* variables
// when only those are set.
func databaseURL() string {
	if u := os.Getenv("DATABASE_URL"); u != "" {
		return u
	}
	host := os.Getenv("DB_HOST")
	if host == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(envString("DB_USER", "postgres"), os.Getenv("DB_PASSWORD")),
		Host:   fmt.Sprintf("%s:%s", host, envString("DB_PORT", "5432")),
		Path:   "/" + envString("DB_NAME", "face_recognition"),
	}
	q := u.Query()
	q.Set("sslmode", envString("DB_SSLMODE", "disable"))
	u.RawQuery = q.Encode()
	return u.String()
}

// defaults parses the embedded defaults file.
func defaults() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return &cfg
}

func Load() *Config {
	cfg := defaults()

	cfg.Database = DatabaseConfig{
		URL:          databaseURL(),
		MinConns:     envInt("DATABASE_MIN_CONNS", 1),
		MaxConns:     envInt("DATABASE_MAX_CONNS", 20),
		EfSearch:     envInt("DATABASE_EF_SEARCH", 100),
		ConnLifetime: envDuration("DATABASE_CONN_LIFETIME", time.Hour),
	}

	cfg.Store.Backend = envString("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.RetryAttempts = envInt("STORE_RETRY_ATTEMPTS", cfg.Store.RetryAttempts)
	cfg.Store.RetryMinBackoff = envDuration("STORE_RETRY_MIN_BACKOFF", cfg.Store.RetryMinBackoff)
	cfg.Store.RetryMaxBackoff = envDuration("STORE_RETRY_MAX_BACKOFF", cfg.Store.RetryMaxBackoff)
	cfg.Store.BreakerFailures = envInt("STORE_BREAKER_FAILURES", cfg.Store.BreakerFailures)
	cfg.Store.BreakerCooldown = envDuration("STORE_BREAKER_COOLDOWN", cfg.Store.BreakerCooldown)

	cfg.Cache.TTL = envDuration("CACHE_TTL", cfg.Cache.TTL)
	cfg.Cache.MaxStaleness = envDuration("CACHE_MAX_STALENESS", cfg.Cache.MaxStaleness)

	r := &cfg.Recognition
	r.EmbeddingDim = envInt("EMBEDDING_DIM", r.EmbeddingDim)
	r.ChipSize = envInt("CHIP_SIZE", r.ChipSize)
	r.Threshold = envFloat("RECOGNITION_THRESHOLD", r.Threshold)
	r.TopK = envInt("RECOGNITION_TOP_K", r.TopK)
	r.PerPersonK = envInt("RECOGNITION_PER_PERSON_K", r.PerPersonK)
	r.MinDetScore = envFloat("MIN_DET_SCORE", r.MinDetScore)
	r.EnrollMinDetScore = envFloat("ENROLL_MIN_DET_SCORE", r.EnrollMinDetScore)
	r.EnrollMaxFaces = envInt("ENROLL_MAX_FACES", r.EnrollMaxFaces)
	r.MatchSource = envString("MATCH_SOURCE", r.MatchSource)
	if r.Workers == 0 {
		r.Workers = runtime.NumCPU()
	}
	r.Workers = envInt("INFERENCE_WORKERS", r.Workers)
	cfg.Database.VectorDim = r.EmbeddingDim

	cfg.Inference = InferenceConfig{
		URL:     os.Getenv("INFERENCE_URL"),
		Timeout: envDuration("INFERENCE_TIMEOUT", 30*time.Second),
	}

	s := &cfg.Stream
	s.MaxSessions = envInt("STREAM_MAX_SESSIONS", s.MaxSessions)
	s.IdleTimeout = envDuration("STREAM_IDLE_TIMEOUT", s.IdleTimeout)
	s.ReapInterval = envDuration("STREAM_REAP_INTERVAL", s.ReapInterval)
	s.MaxConsecutiveFailures = envInt("STREAM_MAX_CONSECUTIVE_FAILURES", s.MaxConsecutiveFailures)
	s.MaxFrameBytes = envInt("STREAM_MAX_FRAME_BYTES", s.MaxFrameBytes)

	cfg.Web = WebConfig{
		Host:           envString("WEB_HOST", "0.0.0.0"),
		Port:           envInt("WEB_PORT", 8080),
		APIKeys:        envList("API_KEYS"),
		AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
	}

	cfg.Log = LogConfig{
		Level:  envString("LOG_LEVEL", "info"),
		Format: envString("LOG_FORMAT", "json"),
	}

	return cfg
}
