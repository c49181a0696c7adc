// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Embedding constants
const (
	// EmbeddingDim is the dimension of face embeddings produced by the reference model
	EmbeddingDim = 192

	// ChipSize is the width and height in pixels of the face crop passed to the embedder
	ChipSize = 96
)

// Matching constants
const (
	// DefaultThreshold is the default maximum Euclidean distance for an accepted match.
	// Lower values = stricter matching
	DefaultThreshold = 0.6

	// DefaultTopK is the default number of ranked persons returned per face
	DefaultTopK = 3

	// DefaultPerPersonK is the number of a person's closest embeddings considered
	DefaultPerPersonK = 20

	// MaxTopK bounds top_k on client requests
	MaxTopK = 100

	// MaxPerPersonK bounds per_person_k on client requests
	MaxPerPersonK = 1000
)

// Detection constants
const (
	// MinDetScore is the minimum detection score for a face to be recognized
	MinDetScore = 0.5

	// EnrollMinDetScore is the minimum detection score for a face to be enrolled
	EnrollMinDetScore = 0.95

	// EnrollMaxFaces is the number of faces taken from each enrollment image
	EnrollMaxFaces = 1
)

// Cache constants
const (
	// DefaultCacheTTL is how long an embedding snapshot is served before a reload
	DefaultCacheTTL = 30 * time.Second

	// DefaultMaxStaleness bounds how long a stale snapshot is served while the store is down
	DefaultMaxStaleness = 10 * time.Minute
)

// Storage resilience constants
const (
	// DefaultRetryAttempts is the total number of attempts for a transient storage failure
	DefaultRetryAttempts = 3

	// DefaultRetryMinBackoff is the first retry delay
	DefaultRetryMinBackoff = 2 * time.Second

	// DefaultRetryMaxBackoff caps the retry delay
	DefaultRetryMaxBackoff = 10 * time.Second

	// DefaultBreakerFailures is the number of consecutive failures that opens the breaker
	DefaultBreakerFailures = 5

	// DefaultBreakerCooldown is how long the breaker stays open before a trial request
	DefaultBreakerCooldown = 60 * time.Second
)
