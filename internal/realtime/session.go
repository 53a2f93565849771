package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"lifequest-live/internal/auth"
)

const defaultSendBuffer = 64

// Session is one live client connection. Outbound frames are queued on a
// bounded buffer drained by the transport's write loop.
type Session struct {
	ID          string
	PlayerID    string
	Identity    auth.Identity
	ConnectedAt time.Time

	mu     sync.RWMutex
	closed bool
	send   chan []byte
	done   chan struct{}
}

// NewSession creates an unregistered session for identity.
func NewSession(identity auth.Identity, buffer int, connectedAt time.Time) *Session {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Session{
		ID:          uuid.NewString(),
		PlayerID:    identity.PlayerID,
		Identity:    identity,
		ConnectedAt: connectedAt.UTC(),
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
}

// Enqueue queues an encoded frame without blocking.
func (s *Session) Enqueue(frame []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

// Outbound is drained by the transport. It is closed by Close.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops accepting frames. Frames already queued stay readable from
// Outbound until drained.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
	close(s.done)
}
