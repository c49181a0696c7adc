package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kozaktomas/face-recognizer/internal/apperr"
	"github.com/kozaktomas/face-recognizer/internal/constants"
	"github.com/kozaktomas/face-recognizer/internal/matcher"
	"github.com/kozaktomas/face-recognizer/internal/recognition"
	"github.com/kozaktomas/face-recognizer/internal/stream"
	"github.com/kozaktomas/face-recognizer/internal/web/middleware"
	"github.com/rs/zerolog"
)

// Client message types.
const (
	msgStartStream  = "start_video_stream"
	msgProcessFrame = "process_frame"
	msgStopStream   = "stop_video_stream"
)

// Server-only message type; the rest are stream.EventType values.
const msgConnected = "connected"

// StreamHandlerOptions configures websocket timing and limits.
type StreamHandlerOptions struct {
	MaxFrameBytes int
	PongWait      time.Duration
	PingPeriod    time.Duration
	WriteWait     time.Duration
}

// StreamHandler serves the live recognition websocket.
type StreamHandler struct {
	manager  *stream.Manager
	opts     StreamHandlerOptions
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewStreamHandler creates a stream handler. Browsers must send an Origin
// accepted by origins or matching the request host.
func NewStreamHandler(m *stream.Manager, origins *middleware.Origins, opts StreamHandlerOptions, logger zerolog.Logger) *StreamHandler {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = constants.MaxImageBytes
	}
	if opts.PongWait <= 0 {
		opts.PongWait = constants.WSPongWait
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = constants.WSWriteWait
	}
	h := &StreamHandler{manager: m, opts: opts, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 64 << 10,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || origins.Allowed(origin) {
				return true
			}
			return strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == r.Host
		},
	}
	return h
}

// clientMessage is any message sent by the client. Fields are used per Type.
type clientMessage struct {
	Type        string   `json:"type"`
	Threshold   *float64 `json:"threshold,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	PerPersonK  int      `json:"per_person_k,omitempty"`
	ReportDrops bool     `json:"report_drops,omitempty"`
	Frame       string   `json:"frame,omitempty"`
	Timestamp   float64  `json:"timestamp,omitempty"`
}

// serverMessage is any message sent to the client.
type serverMessage struct {
	Type      string                    `json:"type"`
	SessionID string                    `json:"session_id,omitempty"`
	Timestamp *float64                  `json:"timestamp,omitempty"`
	ElapsedMS *float64                  `json:"elapsed_ms,omitempty"`
	Width     int                       `json:"width,omitempty"`
	Height    int                       `json:"height,omitempty"`
	Faces     *[]recognition.FaceResult `json:"faces,omitempty"`
	Kind      apperr.Kind               `json:"kind,omitempty"`
	Message   string                    `json:"message,omitempty"`
	Fatal     bool                      `json:"fatal,omitempty"`
	Reason    string                    `json:"reason,omitempty"`
}

// eventMessage converts a session event into its wire form.
func eventMessage(ev stream.Event) serverMessage {
	msg := serverMessage{Type: string(ev.Type), SessionID: ev.SessionID}
	switch ev.Type {
	case stream.EventResult:
		ts := ev.Timestamp
		ms := float64(ev.Elapsed.Microseconds()) / 1000
		faces := []recognition.FaceResult{}
		if ev.Result != nil {
			msg.Width, msg.Height = ev.Result.Width, ev.Result.Height
			if ev.Result.Faces != nil {
				faces = ev.Result.Faces
			}
		}
		msg.Timestamp, msg.ElapsedMS, msg.Faces = &ts, &ms, &faces
	case stream.EventError:
		ts := ev.Timestamp
		msg.Timestamp = &ts
		msg.Kind, msg.Message, msg.Fatal = ev.Kind, ev.Message, ev.Fatal
	case stream.EventDropped:
		ts := ev.Timestamp
		msg.Timestamp = &ts
	case stream.EventStopped:
		msg.Reason = ev.Reason
	}
	return msg
}

// wsConn is one websocket connection. The read loop runs on the handler
// goroutine; writeLoop is the only writer.
type wsConn struct {
	h      *StreamHandler
	conn   *websocket.Conn
	out    chan serverMessage
	done   chan struct{} // closed when the read loop ends
	closed chan struct{} // closed when writeLoop returns
	logger zerolog.Logger

	closeCode int
	closeText string

	sessionID string // current session, owned by the read loop
}

// Serve upgrades the request and runs the connection until the peer goes away.
func (h *StreamHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsConn{
		h:      h,
		conn:   conn,
		out:    make(chan serverMessage, constants.EventChannelBuffer),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		logger: h.logger.With().Str("remote", sanitizeForLog(r.RemoteAddr)).Logger(),
	}
	go c.writeLoop()

	if err := c.openSession(); err != nil {
		c.send(serverMessage{Type: string(stream.EventError), Kind: apperr.KindInternal, Message: err.Error(), Fatal: true})
		c.shutdown(websocket.CloseTryAgainLater, "session rejected")
		return
	}

	c.readLoop()
	h.manager.Stop(c.sessionID)
	c.shutdown(websocket.CloseNormalClosure, "")
}

// openSession registers a fresh Idle session and announces its id.
func (c *wsConn) openSession() error {
	id := uuid.NewString()
	if err := c.h.manager.Open(id, c.sink); err != nil {
		c.logger.Warn().Err(err).Msg("stream session rejected")
		return err
	}
	c.sessionID = id
	c.send(serverMessage{Type: msgConnected, SessionID: id})
	c.logger.Info().Str("session_id", id).Msg("websocket client connected")
	return nil
}

// sink is called by the session with its lock held, so it never blocks.
func (c *wsConn) sink(ev stream.Event) {
	select {
	case c.out <- eventMessage(ev):
	default:
		c.logger.Warn().Str("session_id", ev.SessionID).Str("type", string(ev.Type)).Msg("websocket send buffer full, event dropped")
	}
}

// send queues msg from the read loop. It gives up once the writer is gone.
func (c *wsConn) send(msg serverMessage) {
	select {
	case c.out <- msg:
	case <-c.closed:
	}
}

func (c *wsConn) sendError(kind apperr.Kind, message string) {
	c.send(serverMessage{Type: string(stream.EventError), SessionID: c.sessionID, Kind: kind, Message: message})
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(int64(c.h.opts.MaxFrameBytes)*4/3 + 4096)
	c.conn.SetReadDeadline(time.Now().Add(c.h.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.h.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info().Err(err).Str("session_id", c.sessionID).Msg("websocket connection lost")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.h.opts.PongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(apperr.KindValidation, "invalid message")
			continue
		}
		c.handle(msg)
	}
}

func (c *wsConn) handle(msg clientMessage) {
	switch msg.Type {
	case msgStartStream:
		c.start(msg)
	case msgProcessFrame:
		c.pushFrame(msg)
	case msgStopStream:
		c.h.manager.Stop(c.sessionID)
	default:
		c.sendError(apperr.KindValidation, "unknown message type")
	}
}

func (c *wsConn) start(msg clientMessage) {
	// A stopped session is gone from the manager; restarting gets a new one.
	if _, ok := c.h.manager.Session(c.sessionID); !ok {
		if err := c.openSession(); err != nil {
			c.sendError(apperr.KindInternal, err.Error())
			return
		}
	}

	params := stream.Params{
		Options: matcher.Options{
			Threshold:  msg.Threshold,
			TopK:       msg.TopK,
			PerPersonK: msg.PerPersonK,
		},
		ReportDrops: msg.ReportDrops,
	}
	if err := c.h.manager.Start(c.sessionID, params); err != nil {
		c.sendError(apperr.Classify(err), apperr.Message(err))
	}
}

func (c *wsConn) pushFrame(msg clientMessage) {
	frame := msg.Frame
	if strings.HasPrefix(frame, "data:") {
		if i := strings.IndexByte(frame, ','); i >= 0 {
			frame = frame[i+1:]
		}
	}
	if frame == "" {
		c.sendError(apperr.KindValidation, "no frame data provided")
		return
	}
	data, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		c.sendError(apperr.KindValidation, "frame is not valid base64")
		return
	}

	if _, err := c.h.manager.PushFrame(c.sessionID, data, msg.Timestamp); err != nil {
		if errors.Is(err, stream.ErrNotStreaming) {
			c.sendError(apperr.KindValidation, "stream not started")
			return
		}
		c.sendError(apperr.Classify(err), apperr.Message(err))
	}
}

// writeLoop writes queued messages and pings until shutdown, then flushes
// what is left and closes the socket.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.h.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		close(c.closed)
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.out:
			if err := c.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.h.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.out:
					if err := c.write(msg); err != nil {
						return
					}
				default:
					c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(c.closeCode, c.closeText),
						time.Now().Add(c.h.opts.WriteWait))
					return
				}
			}
		}
	}
}

func (c *wsConn) write(msg serverMessage) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.h.opts.WriteWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Debug().Err(err).Msg("websocket write failed")
		return err
	}
	return nil
}

// shutdown makes the writer flush, send a close frame and close the socket,
// and waits for it.
func (c *wsConn) shutdown(code int, text string) {
	c.closeCode, c.closeText = code, text
	close(c.done)
	<-c.closed
}
