// Package stream runs live recognition sessions. Each session processes at
// most one frame at a time; frames that arrive meanwhile are dropped.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/kozaktomas/face-recognizer/internal/apperr"
	"github.com/kozaktomas/face-recognizer/internal/constants"
	"github.com/kozaktomas/face-recognizer/internal/matcher"
	"github.com/kozaktomas/face-recognizer/internal/recognition"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrNotStreaming is returned for frames sent to a session that is not streaming.
	ErrNotStreaming = errors.New("session is not streaming")
	// ErrUnknownSession is returned by Start for a session that was never opened.
	ErrUnknownSession = errors.New("unknown session")
	// ErrTooManySessions is returned by Open when MaxSessions are already open.
	ErrTooManySessions = errors.New("maximum number of streaming sessions reached")
	// ErrClosed is returned by Open after Close.
	ErrClosed = errors.New("stream manager closed")
)

// Recognizer processes one encoded frame.
type Recognizer interface {
	Recognize(ctx context.Context, data []byte, opts matcher.Options) (*recognition.ImageResult, error)
}

// Options configures a Manager. Zero values take the package defaults.
type Options struct {
	MaxSessions            int
	IdleTimeout            time.Duration
	ReapInterval           time.Duration
	MaxConsecutiveFailures int
	MaxFrameBytes          int
	Workers                int // concurrent frames across all sessions
}

// Manager owns all streaming sessions.
type Manager struct {
	rec    Recognizer
	opts   Options
	logger zerolog.Logger
	sem    *semaphore.Weighted
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	wg        sync.WaitGroup
	scheduler *gocron.Scheduler
}

// NewManager creates a Manager. Call StartReaper to begin idle cleanup.
func NewManager(rec Recognizer, opts Options, logger zerolog.Logger) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = constants.DefaultMaxSessions
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = constants.DefaultIdleTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = constants.DefaultReapInterval
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = constants.DefaultMaxConsecutiveFailures
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = constants.MaxImageBytes
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Manager{
		rec:      rec,
		opts:     opts,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Open registers an Idle session that delivers events to sink.
func (m *Manager) Open(sessionID string, sink Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.sessions[sessionID]; ok {
		return apperr.Conflict("open session", "session %q already exists", sessionID)
	}
	if len(m.sessions) >= m.opts.MaxSessions {
		return ErrTooManySessions
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.sessions[sessionID] = &session{
		id:           sessionID,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateIdle,
		sink:         sink,
		lastActivity: m.now(),
	}
	m.logger.Debug().Str("session_id", sessionID).Int("sessions", len(m.sessions)).Msg("stream session opened")
	return nil
}

// Start moves an Idle session to Streaming with params. Starting a session
// that is already streaming does nothing.
func (m *Manager) Start(sessionID string, params Params) error {
	if err := recognition.ValidateOptions(params.Options); err != nil {
		return err
	}
	s := m.lookup(sessionID)
	if s == nil {
		return ErrUnknownSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStreaming:
		return nil
	case StateStopped:
		return ErrNotStreaming
	}

	s.state = StateStreaming
	s.params = params
	s.failures = 0
	s.lastActivity = m.now()
	s.emitLocked(Event{Type: EventStarted})
	m.logger.Info().Str("session_id", sessionID).Msg("video stream started")
	return nil
}

// PushFrame schedules frame for recognition. It returns false without error
// when the previous frame of the session is still being processed.
func (m *Manager) PushFrame(sessionID string, frame []byte, timestamp float64) (bool, error) {
	s := m.lookup(sessionID)
	if s == nil {
		return false, ErrNotStreaming
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming {
		return false, ErrNotStreaming
	}
	s.lastActivity = m.now()

	if len(frame) > m.opts.MaxFrameBytes {
		return false, apperr.Validation("push frame", "frame exceeds %d bytes", m.opts.MaxFrameBytes)
	}
	if s.inFlight {
		s.dropped++
		if s.params.ReportDrops {
			s.emitLocked(Event{Type: EventDropped, Timestamp: timestamp})
		}
		return false, nil
	}

	s.inFlight = true
	s.frames++
	m.wg.Add(1)
	go m.process(s, s.params.Options, frame, timestamp)
	return true, nil
}

// process runs one frame on a worker slot and delivers the outcome.
func (m *Manager) process(s *session, opts matcher.Options, frame []byte, timestamp float64) {
	defer m.wg.Done()

	if err := m.sem.Acquire(s.ctx, 1); err != nil {
		m.deliver(s, timestamp, 0, nil, err)
		return
	}
	start := time.Now()
	res, err := m.rec.Recognize(s.ctx, frame, opts)
	m.sem.Release(1)

	m.deliver(s, timestamp, time.Since(start), res, err)
}

// deliver emits the frame outcome under the session lock, so nothing reaches
// the sink once Stop has returned.
func (m *Manager) deliver(s *session, timestamp float64, elapsed time.Duration, res *recognition.ImageResult, err error) {
	s.mu.Lock()
	s.inFlight = false
	s.lastActivity = m.now()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return
	}

	if err == nil {
		s.failures = 0
		s.emitLocked(Event{Type: EventResult, Timestamp: timestamp, Elapsed: elapsed, Result: res})
		s.mu.Unlock()
		return
	}

	kind := apperr.Classify(err)
	if kind == apperr.KindStorageUnavailable {
		s.failures++
	} else {
		s.failures = 0
	}
	fatal := s.failures >= m.opts.MaxConsecutiveFailures
	s.emitLocked(Event{Type: EventError, Timestamp: timestamp, Kind: kind, Message: apperr.Message(err), Fatal: fatal})

	if !fatal {
		m.logger.Warn().Err(err).Str("session_id", s.id).Str("kind", string(kind)).Msg("frame recognition failed")
		s.mu.Unlock()
		return
	}
	s.stopLocked(ReasonStorageUnavailable)
	s.mu.Unlock()

	m.logger.Error().Err(err).Str("session_id", s.id).Int("failures", m.opts.MaxConsecutiveFailures).Msg("stopping stream after repeated storage failures")
	m.forget(s)
}

// Stop ends a session. It is safe to call any number of times, for unknown
// sessions too, and no event is delivered for the session after it returns.
func (m *Manager) Stop(sessionID string) {
	m.stop(sessionID, ReasonClient)
}

func (m *Manager) stop(sessionID, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	stopped := s.stopLocked(reason)
	s.mu.Unlock()
	if stopped {
		m.logger.Info().Str("session_id", sessionID).Str("reason", reason).Msg("video stream stopped")
	}
}

// forget removes s from the session table if it is still registered.
func (m *Manager) forget(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
}

func (m *Manager) lookup(sessionID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// Session returns the current view of a session.
func (m *Manager) Session(sessionID string) (Info, bool) {
	s := m.lookup(sessionID)
	if s == nil {
		return Info{}, false
	}
	return s.info(), true
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StartReaper schedules periodic removal of idle sessions.
func (m *Manager) StartReaper() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scheduler != nil {
		return nil
	}

	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	if _, err := s.Every(m.opts.ReapInterval).WaitForSchedule().Do(m.reapIdle); err != nil {
		return err
	}
	s.StartAsync()
	m.scheduler = s
	return nil
}

// reapIdle stops sessions with no frame activity for IdleTimeout. Sessions
// with a frame in flight are skipped.
func (m *Manager) reapIdle() int {
	now := m.now()

	m.mu.Lock()
	candidates := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	var reaped int
	for _, s := range candidates {
		s.mu.Lock()
		idle := !s.inFlight && now.Sub(s.lastActivity) > m.opts.IdleTimeout
		s.mu.Unlock()
		if idle {
			m.stop(s.id, ReasonIdle)
			reaped++
		}
	}
	if reaped > 0 {
		m.logger.Info().Int("reaped", reaped).Msg("idle stream sessions removed")
	}
	return reaped
}

// Close stops the reaper and every session, then waits for in-flight frames.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sched := m.scheduler
	m.scheduler = nil
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	for _, id := range ids {
		m.stop(id, ReasonShutdown)
	}
	m.wg.Wait()
}
