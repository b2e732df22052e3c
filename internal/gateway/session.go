package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/straticus1/aeimsLib-sub004/internal/security"
)

// Conn is the minimal duplex-message transport a Session drives; production
// code backs it with a *websocket.Conn (see http.go), tests substitute an
// in-memory fake.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// Session is one authenticated client connection (spec.md §4.1).
type Session struct {
	UserID       string
	SessionID    string
	ConnectionID string

	conn     Conn
	outbound chan Frame
	cancel   context.CancelFunc

	mu            sync.Mutex
	permissions   security.PermissionSet
	subscriptions map[string]bool
	closed        bool
	lastPong      time.Time
	lastSeq       int64
}

func newSession(userID, sessionID, connectionID string, perms security.PermissionSet, conn Conn, cancel context.CancelFunc) *Session {
	return &Session{
		UserID:        userID,
		SessionID:     sessionID,
		ConnectionID:  connectionID,
		permissions:   perms,
		conn:          conn,
		cancel:        cancel,
		outbound:      make(chan Frame, 128),
		subscriptions: make(map[string]bool),
		lastPong:      time.Now(),
	}
}

// Permissions returns the session's current permission set. It is refreshed
// in place by a successful auth_refresh (spec.md §4.1), so callers read it
// per message rather than caching it.
func (s *Session) Permissions() security.PermissionSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissions
}

func (s *Session) setPermissions(perms security.PermissionSet) {
	s.mu.Lock()
	s.permissions = perms
	s.mu.Unlock()
}

// AcceptSeq records a command's per-session sequence number, reporting
// false for replays at or below the last accepted number (spec.md §3:
// "a monotonic per-session sequence number used for de-duplication of
// replays"). Zero means the client is not using sequence numbers and is
// always accepted.
func (s *Session) AcceptSeq(seq int64) bool {
	if seq == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.lastSeq {
		return false
	}
	s.lastSeq = seq
	return true
}

// Subscribe adds filter to the session's forwarding set. Per spec.md §9's
// resolved ambiguity, the filter is forwarded for the session's lifetime or
// until an explicit Unsubscribe.
func (s *Session) Subscribe(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[filter] = true
}

// Unsubscribe removes filter from the forwarding set.
func (s *Session) Unsubscribe(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, filter)
}

// Matches reports whether filter is currently subscribed.
func (s *Session) Matches(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions[filter]
}

// Enqueue queues frame for delivery to the client, dropping it if the
// session is already closed or its outbound buffer is full (a slow
// consumer does not block the rest of the gateway). The send happens under
// the session lock so it can never race markClosed's channel close.
func (s *Session) Enqueue(frame Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) markPong() {
	s.mu.Lock()
	s.lastPong = time.Now()
	s.mu.Unlock()
}

func (s *Session) pongAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastPong)
}

// markClosed flips the session to closed and closes the outbound channel,
// exactly once. Holding the lock for the close pairs with Enqueue's locked
// send.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.outbound)
	if s.cancel != nil {
		s.cancel()
	}
	return true
}
