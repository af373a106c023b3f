// Package session owns the live sessions of the server: their lifecycle, the
// connection currently attached to each, and the pipeline that serves it.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jwebster45206/bazaar-engine/internal/pipeline"
	"github.com/jwebster45206/bazaar-engine/pkg/protocol"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

// MaxAudioBytes keeps the last 30s of 16 kHz mono PCM16 audio.
const MaxAudioBytes = 30 * 16000 * 2

type State string

const (
	StatePending State = "pending" // created, never connected
	StateActive  State = "active"  // a connection has been attached at least once
	StateClosed  State = "closed"  // deleted or reaped
)

// Conn is the server side of one transport connection.
type Conn interface {
	// Send queues a message for the connection's writer. It must not block.
	Send(msg protocol.ServerMessage)
	// Close ends the connection with a normal close frame.
	Close(reason string)
}

// Session is one learner's game. It forwards pipeline output to whichever
// connection is attached, and drops it while none is.
type Session struct {
	id        string
	createdAt time.Time
	worlds    worldReader
	logger    *slog.Logger

	pipeline *pipeline.Pipeline

	mu         sync.Mutex
	state      State
	conn       Conn
	lastActive time.Time
	audio      []byte
}

type worldReader interface {
	Snapshot(sessionID string) (*world.WorldState, error)
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// World returns a copy of the session's current world.
func (s *Session) World() (*world.WorldState, error) {
	return s.worlds.Snapshot(s.id)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Touch records client activity for the idle janitor.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// AttachConn makes c the session's connection and queues the current world on
// it before any pipeline output. A previous connection is closed. It returns
// ErrClosed if the session has ended.
func (s *Session) AttachConn(c Conn) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	// Snapshot under s.mu: a pass that lands later blocks in Send until c is
	// attached, so c never sees a world older than this one.
	if ws, err := s.worlds.Snapshot(s.id); err != nil {
		s.logger.Warn("No world to send on attach", "error", err)
	} else {
		c.Send(protocol.WorldState{State: ws})
	}
	previous := s.conn
	s.conn = c
	s.state = StateActive
	s.lastActive = time.Now()
	s.audio = s.audio[:0]
	s.mu.Unlock()

	if previous != nil && previous != c {
		s.logger.Info("Replacing session connection")
		previous.Close("replaced by a new connection")
	}
	return nil
}

// DetachConn clears c if it is still the attached connection. The session stays
// active so the client can reconnect.
func (s *Session) DetachConn(c Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == c {
		s.conn = nil
		s.lastActive = time.Now()
	}
}

// Send implements pipeline.Outbox.
func (s *Session) Send(msg protocol.ServerMessage) {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()

	if c == nil {
		s.logger.Debug("No connection, dropping message", "type", msg.Type())
		return
	}
	c.Send(msg)
}

// AppendAudio buffers an inbound audio frame, discarding the oldest audio past
// MaxAudioBytes. It returns the number of bytes buffered.
func (s *Session) AppendAudio(frame []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audio = append(s.audio, frame...)
	if over := len(s.audio) - MaxAudioBytes; over > 0 {
		// Keep whole samples.
		over += over % 2
		s.audio = append(s.audio[:0], s.audio[over:]...)
	}
	s.lastActive = time.Now()
	return len(s.audio)
}

func (s *Session) AudioBuffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

// close ends the session: the pipeline stops and the connection is closed.
func (s *Session) close(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	c := s.conn
	s.conn = nil
	s.audio = nil
	s.mu.Unlock()

	s.pipeline.Close()
	if c != nil {
		c.Close(reason)
	}
}
