package constants

import "time"

// Handler pagination constants
const (
	// DefaultPersonPageSize is the default page size for the person list endpoint
	DefaultPersonPageSize = 50

	// MaxPersonPageSize is the maximum page size for the person list endpoint
	MaxPersonPageSize = 100
)

// File upload constants
const (
	// MaxImageBytes is the maximum accepted image size in bytes (16MB)
	MaxImageBytes = 16 << 20

	// MaxImageDimension is the maximum accepted image width or height
	MaxImageDimension = 10000

	// MaxUploadSize is the maximum multipart request size in bytes (100MB)
	MaxUploadSize = 100 << 20
)

// Streaming constants
const (
	// EventChannelBuffer is the buffer size for outbound websocket events
	EventChannelBuffer = 100

	// DefaultMaxSessions bounds concurrent streaming sessions
	DefaultMaxSessions = 64

	// DefaultIdleTimeout is how long a streaming session may go without frames
	DefaultIdleTimeout = 2 * time.Minute

	// DefaultReapInterval is how often idle sessions are swept
	DefaultReapInterval = 15 * time.Second

	// DefaultMaxConsecutiveFailures is the number of storage-unavailable results
	// in a row that ends a streaming session
	DefaultMaxConsecutiveFailures = 5

	// WSPongWait is the read deadline extended by every pong
	WSPongWait = 60 * time.Second

	// WSPingPeriod must be less than WSPongWait
	WSPingPeriod = 50 * time.Second

	// WSWriteWait is the deadline for a single websocket write
	WSWriteWait = 10 * time.Second
)
