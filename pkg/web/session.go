package web

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomcast/roomcast/pkg/packet"
)

const writeTimeout = 5 * time.Second

// Session is one connected PTT client. Connection writes are serialized by
// sendMu; the remaining fields are guarded by mu and never held across
// network I/O.
type Session struct {
	conn   *websocket.Conn
	sendMu sync.Mutex

	mu           sync.Mutex
	clientID     string
	targetRoom   string
	priority     packet.Priority
	transmitting bool
	lastFrame    time.Time
}

func newSession(conn *websocket.Conn) *Session {
	return &Session{conn: conn}
}

func (s *Session) SetClientID(id string) {
	s.mu.Lock()
	s.clientID = id
	s.mu.Unlock()
}

func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

func (s *Session) Target() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetRoom
}

func (s *Session) Priority() packet.Priority {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}

// BeginTransmit marks the session as holding the channel. Returns false if it
// already is, so a repeated ptt_start is a no-op.
func (s *Session) BeginTransmit(target string, p packet.Priority, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transmitting {
		return false
	}
	s.transmitting = true
	s.targetRoom = target
	s.priority = p
	s.lastFrame = now
	return true
}

// EndTransmit clears the transmitting flag. Returns false if the session was
// not transmitting, so a stray ptt_stop is a no-op.
func (s *Session) EndTransmit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.transmitting {
		return false
	}
	s.transmitting = false
	return true
}

func (s *Session) Transmitting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transmitting
}

// TouchFrame records audio activity for the stuck-session watchdog.
func (s *Session) TouchFrame(now time.Time) {
	s.mu.Lock()
	s.lastFrame = now
	s.mu.Unlock()
}

// Stuck reports whether the session claims to be transmitting but has sent
// no audio frame for longer than timeout.
func (s *Session) Stuck(timeout time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transmitting && now.Sub(s.lastFrame) > timeout
}

// WriteJSON sends a control message with a bounded write deadline.
func (s *Session) WriteJSON(v interface{}) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

// WriteBinary sends a raw audio frame with a bounded write deadline.
func (s *Session) WriteBinary(b []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (s *Session) Close() error {
	return s.conn.Close()
}
