// Package device serves spec.md §4.6's single privileged WebSocket
// from the embedded tag-reader/scale at /ws/device. It is distinguished
// from package wshub (the many-client /ws/ui) by accepting exactly one
// connection: a second connect evicts the first, "newest wins".
package device

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/spoolbuddy/core/engine"
	"github.com/spoolbuddy/core/events"
)

const (
	writeWait       = 10 * time.Second
	maxMessageSize  = 16 * 1024
	heartbeatWindow = 15 * time.Second // spec.md §4.6
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inbound is the union of upstream message shapes, spec.md §6.
type inbound struct {
	Type    string          `json:"type"`
	TagID   string          `json:"tag_id"`
	TagType string          `json:"tag_type"`
	Data    json.RawMessage `json:"data"`
	Grams   float64         `json:"weight_g"`
	Stable  bool            `json:"stable"`
}

// Session owns the single current device connection.
type Session struct {
	publish func(events.Event)

	mu       sync.Mutex
	conn     *websocket.Conn
	cancel   func()
	lastSeen time.Time
}

// New builds a Session. publish delivers device_connected/_disconnected,
// tag_detected/_removed, and weight bus events.
func New(publish func(events.Event)) *Session {
	return &Session{publish: publish}
}

// Connected reports whether a device is currently attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Handle is the httprouter.Handle for GET /ws/device. A connecting device
// evicts whatever session was previously attached.
func (s *Session) Handle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws/device upgrade failed", "error", err)
		return
	}

	s.evict()

	s.mu.Lock()
	s.conn = conn
	s.lastSeen = time.Now()
	s.mu.Unlock()

	s.emit(events.DeviceConnected{})
	s.readLoop(conn)
}

// evict closes and detaches the current connection, if any, without
// publishing device_disconnected itself — the caller either immediately
// replaces it (Handle) or the disconnect was already observed (readLoop).
func (s *Session) evict() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)

	defer func() {
		s.mu.Lock()
		stillCurrent := s.conn == conn
		if stillCurrent {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
		if stillCurrent {
			s.emit(events.DeviceDisconnected{})
		}
	}()

	deadCh := make(chan struct{})
	go s.watchHeartbeat(conn, deadCh)
	defer close(deadCh)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.touch()

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Warn("invalid device message", "error", err)
			continue
		}
		s.handleUpstream(msg)
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// watchHeartbeat closes conn (triggering readLoop's defer) if no message of
// any kind arrives within heartbeatWindow, spec.md §4.6.
func (s *Session) watchHeartbeat(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := s.conn == conn && time.Since(s.lastSeen) > heartbeatWindow
			s.mu.Unlock()
			if stale {
				conn.Close()
				return
			}
		}
	}
}

func (s *Session) handleUpstream(msg inbound) {
	switch msg.Type {
	case "tag_detected":
		var payload map[string]any
		if len(msg.Data) > 0 {
			_ = json.Unmarshal(msg.Data, &payload)
		}
		s.emit(events.TagDetected{TagID: msg.TagID, TagType: msg.TagType, Payload: payload})
	case "tag_removed":
		s.emit(events.TagRemoved{TagID: msg.TagID})
	case "weight":
		s.emit(events.Weight{Grams: msg.Grams, Stable: msg.Stable})
	case "heartbeat":
		// liveness only; watchHeartbeat already saw it via touch().
	default:
		slog.Warn("unknown device message type", "type", msg.Type)
	}
}

func (s *Session) emit(e events.Event) {
	if s.publish != nil {
		s.publish(e)
	}
}

func (s *Session) write(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return engine.Errorf(engine.Unavailable, "no device connected")
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WriteTag sends a write_tag command downstream, spec.md §4.6.
func (s *Session) WriteTag(requestID string, data any) error {
	return s.write(struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
		Data      any    `json:"data"`
	}{"write_tag", requestID, data})
}

// TareScale sends a tare_scale command downstream.
func (s *Session) TareScale() error {
	return s.write(struct {
		Type string `json:"type"`
	}{"tare_scale"})
}

// CalibrateScale sends a calibrate_scale command downstream.
func (s *Session) CalibrateScale(knownWeight float64) error {
	return s.write(struct {
		Type        string  `json:"type"`
		KnownWeight float64 `json:"known_weight"`
	}{"calibrate_scale", knownWeight})
}

// Notify sends an operator-facing notification downstream.
func (s *Session) Notify(message string, durationMS int) error {
	return s.write(struct {
		Type       string `json:"type"`
		Message    string `json:"message"`
		DurationMS int    `json:"duration_ms"`
	}{"notification", message, durationMS})
}
