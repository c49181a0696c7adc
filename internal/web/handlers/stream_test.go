package handlers

import (
	"encoding/base64"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kozaktomas/face-recognizer/internal/recognition"
	"github.com/kozaktomas/face-recognizer/internal/stream"
	"github.com/kozaktomas/face-recognizer/internal/web/middleware"
	"github.com/rs/zerolog"
)

type wsEnv struct {
	svc     *recognition.Service
	manager *stream.Manager
	server  *httptest.Server
}

func newWSEnv(t *testing.T, sessionOpts stream.Options) *wsEnv {
	t.Helper()
	svc, _ := testService(t)
	m := stream.NewManager(svc, sessionOpts, zerolog.Nop())
	h := NewStreamHandler(m, middleware.NewOrigins(nil), StreamHandlerOptions{}, zerolog.Nop())
	server := httptest.NewServer(http.HandlerFunc(h.Serve))
	t.Cleanup(func() {
		server.Close()
		m.Close()
	})
	return &wsEnv{svc: svc, manager: m, server: server}
}

func (e *wsEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

// readMessage reads the next server message, failing after a timeout.
func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg serverMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// readUntil skips messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) serverMessage {
	t.Helper()
	for range 20 {
		if msg := readMessage(t, conn); msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s message received", typ)
	return serverMessage{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStreamHandler_RecognizesFrames(t *testing.T) {
	env := newWSEnv(t, stream.Options{Workers: 2})
	enrollColor(t, env.svc, "red", color.RGBA{R: 255, A: 255})

	conn := env.dial(t)
	defer conn.Close()

	connected := readMessage(t, conn)
	if connected.Type != msgConnected || connected.SessionID == "" {
		t.Fatalf("first message = %+v, want connected with a session id", connected)
	}

	if err := conn.WriteJSON(clientMessage{Type: msgStartStream, TopK: 1}); err != nil {
		t.Fatal(err)
	}
	started := readMessage(t, conn)
	if started.Type != string(stream.EventStarted) || started.SessionID != connected.SessionID {
		t.Fatalf("got %+v, want stream_started", started)
	}

	frame := "data:image/png;base64," + base64.StdEncoding.EncodeToString(solidPNG(t, color.RGBA{R: 250, A: 255}))
	if err := conn.WriteJSON(clientMessage{Type: msgProcessFrame, Frame: frame, Timestamp: 1234.5}); err != nil {
		t.Fatal(err)
	}
	result := readUntil(t, conn, string(stream.EventResult))
	if result.Timestamp == nil || *result.Timestamp != 1234.5 {
		t.Errorf("timestamp = %v, want 1234.5", result.Timestamp)
	}
	if result.Faces == nil || len(*result.Faces) != 1 {
		t.Fatalf("faces = %v, want one face", result.Faces)
	}
	if p := (*result.Faces)[0].Predicted; p == nil || p.PersonID != "red" {
		t.Errorf("predicted = %+v, want red", p)
	}

	if err := conn.WriteJSON(clientMessage{Type: msgStopStream}); err != nil {
		t.Fatal(err)
	}
	stopped := readUntil(t, conn, string(stream.EventStopped))
	if stopped.Reason != stream.ReasonClient {
		t.Errorf("reason = %q, want %q", stopped.Reason, stream.ReasonClient)
	}
	waitFor(t, "session removal", func() bool { return env.manager.Count() == 0 })
}

func TestStreamHandler_RestartOpensNewSession(t *testing.T) {
	env := newWSEnv(t, stream.Options{})
	conn := env.dial(t)
	defer conn.Close()

	first := readMessage(t, conn)
	conn.WriteJSON(clientMessage{Type: msgStartStream})
	readUntil(t, conn, string(stream.EventStarted))
	conn.WriteJSON(clientMessage{Type: msgStopStream})
	readUntil(t, conn, string(stream.EventStopped))

	conn.WriteJSON(clientMessage{Type: msgStartStream})
	second := readUntil(t, conn, msgConnected)
	if second.SessionID == first.SessionID {
		t.Error("restart should use a new session id")
	}
	started := readUntil(t, conn, string(stream.EventStarted))
	if started.SessionID != second.SessionID {
		t.Errorf("stream_started for %s, want %s", started.SessionID, second.SessionID)
	}
}

func TestStreamHandler_ProtocolErrors(t *testing.T) {
	env := newWSEnv(t, stream.Options{})
	conn := env.dial(t)
	defer conn.Close()
	readMessage(t, conn)

	tests := []struct {
		name string
		send func() error
		kind string
	}{
		{"frame before start", func() error {
			return conn.WriteJSON(clientMessage{Type: msgProcessFrame, Frame: base64.StdEncoding.EncodeToString([]byte("x"))})
		}, "validation"},
		{"invalid json", func() error { return conn.WriteMessage(websocket.TextMessage, []byte("{")) }, "validation"},
		{"unknown type", func() error { return conn.WriteJSON(clientMessage{Type: "dance"}) }, "validation"},
		{"bad start options", func() error {
			return conn.WriteJSON(clientMessage{Type: msgStartStream, TopK: 1000})
		}, "validation"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.send(); err != nil {
				t.Fatal(err)
			}
			msg := readMessage(t, conn)
			if msg.Type != string(stream.EventError) || string(msg.Kind) != tc.kind {
				t.Errorf("got %+v, want stream_error of kind %s", msg, tc.kind)
			}
			if msg.Fatal {
				t.Error("protocol errors must not be fatal")
			}
		})
	}

	// Still usable after the errors above.
	conn.WriteJSON(clientMessage{Type: msgStartStream})
	readUntil(t, conn, string(stream.EventStarted))
	conn.WriteJSON(clientMessage{Type: msgProcessFrame, Frame: "%%%"})
	if msg := readMessage(t, conn); msg.Type != string(stream.EventError) {
		t.Errorf("got %+v, want stream_error for bad base64", msg)
	}
}

func TestStreamHandler_DroppedConnectionStopsSession(t *testing.T) {
	env := newWSEnv(t, stream.Options{})
	conn := env.dial(t)

	connected := readMessage(t, conn)
	conn.WriteJSON(clientMessage{Type: msgStartStream})
	readUntil(t, conn, string(stream.EventStarted))
	if _, ok := env.manager.Session(connected.SessionID); !ok {
		t.Fatal("session should be registered while connected")
	}

	// Drop the TCP connection without a close handshake.
	conn.UnderlyingConn().Close()

	waitFor(t, "session cleanup", func() bool {
		_, ok := env.manager.Session(connected.SessionID)
		return !ok
	})
}

func TestStreamHandler_SessionLimit(t *testing.T) {
	env := newWSEnv(t, stream.Options{MaxSessions: 1})
	first := env.dial(t)
	defer first.Close()
	readMessage(t, first)

	second := env.dial(t)
	defer second.Close()
	msg := readMessage(t, second)
	if msg.Type != string(stream.EventError) || !msg.Fatal {
		t.Fatalf("got %+v, want fatal stream_error", msg)
	}
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := second.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Errorf("expected close 1013, got %v", err)
	}
}

func TestEventMessage_ResultAlwaysHasFaces(t *testing.T) {
	msg := eventMessage(stream.Event{Type: stream.EventResult, SessionID: "s1", Result: &recognition.ImageResult{}})
	if msg.Faces == nil || *msg.Faces == nil {
		t.Fatal("faces must be an empty array, not absent")
	}
	if msg.Timestamp == nil || msg.ElapsedMS == nil {
		t.Error("timestamp and elapsed_ms must be present on results")
	}
}
