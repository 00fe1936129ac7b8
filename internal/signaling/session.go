package signaling

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrConnClosed    = errors.New("signaling: connection closed")
	ErrSendQueueFull = errors.New("signaling: send queue full")
)

// Sender delivers one encoded message to a client. Implementations must not
// block on a slow client.
type Sender interface {
	Send(payload []byte) error
}

// Session is the router's per-connection record. It starts unregistered,
// becomes registered on a successful login and is closed exactly once.
type Session struct {
	id  string
	out Sender

	mu       sync.Mutex
	identity string
	peer     string
	closed   bool
}

func newSession(out Sender) *Session {
	return &Session{id: uuid.NewString(), out: out}
}

// ID is a process-unique connection id, distinct from the login name.
func (s *Session) ID() string { return s.id }

func (s *Session) Send(payload []byte) error {
	return s.out.Send(payload)
}

// Identity returns the login name, or "" before login.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Peer returns the name this session last negotiated with, or "".
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *Session) setIdentity(name string) {
	s.mu.Lock()
	s.identity = name
	s.mu.Unlock()
}

func (s *Session) setPeer(name string) {
	s.mu.Lock()
	s.peer = name
	s.mu.Unlock()
}

// markClosed reports whether this call performed the transition.
func (s *Session) markClosed() (identity, peer string, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", "", false
	}
	s.closed = true
	return s.identity, s.peer, true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
