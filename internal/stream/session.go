package stream

import (
	"context"
	"sync"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/apperr"
	"github.com/kozaktomas/face-recognizer/internal/matcher"
	"github.com/kozaktomas/face-recognizer/internal/recognition"
)

// State is the lifecycle state of a streaming session.
type State string

// Session states. Stopped is terminal.
const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateStopped   State = "stopped"
)

// EventType identifies what an Event carries.
type EventType string

// Event types delivered to a Sink.
const (
	EventStarted EventType = "stream_started"
	EventResult  EventType = "recognition_result"
	EventError   EventType = "stream_error"
	EventStopped EventType = "stream_stopped"
	EventDropped EventType = "frame_dropped"
)

// Stop reasons reported in EventStopped.
const (
	ReasonClient             = "client"
	ReasonIdle               = "idle_timeout"
	ReasonStorageUnavailable = "storage_unavailable"
	ReasonShutdown           = "shutdown"
)

// Event is one message from a session to its client.
type Event struct {
	Type      EventType
	SessionID string
	Timestamp float64 // client timestamp of the frame
	Elapsed   time.Duration
	Result    *recognition.ImageResult
	Kind      apperr.Kind
	Message   string
	Fatal     bool
	Reason    string
}

// Sink receives session events. It is called with the session lock held, so
// it must not block and must not call back into the Manager.
type Sink func(Event)

// Params are the recognition settings of a stream.
type Params struct {
	Options     matcher.Options
	ReportDrops bool
}

// Info is a point-in-time view of a session.
type Info struct {
	ID           string    `json:"session_id"`
	State        State     `json:"state"`
	InFlight     bool      `json:"in_flight"`
	LastActivity time.Time `json:"last_activity"`
	Frames       uint64    `json:"frames"`
	Dropped      uint64    `json:"dropped"`
}

// session holds per-connection state. All fields below mu are guarded by it.
type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	params       Params
	sink         Sink
	inFlight     bool
	lastActivity time.Time
	failures     int
	frames       uint64
	dropped      uint64
}

func (s *session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.id,
		State:        s.state,
		InFlight:     s.inFlight,
		LastActivity: s.lastActivity,
		Frames:       s.frames,
		Dropped:      s.dropped,
	}
}

// emitLocked delivers ev unless the session has stopped. Callers hold mu.
func (s *session) emitLocked(ev Event) {
	if s.state == StateStopped {
		return
	}
	ev.SessionID = s.id
	s.sink(ev)
}

// stopLocked moves the session to Stopped and emits the final event.
// It reports whether this call performed the transition.
func (s *session) stopLocked(reason string) bool {
	if s.state == StateStopped {
		return false
	}
	s.emitLocked(Event{Type: EventStopped, Reason: reason})
	s.state = StateStopped
	s.cancel()
	return true
}
