package gateway

import (
	"sync"
	"time"

	"peermatch/pkg/interfaces"
	"peermatch/pkg/types"
)

// SessionState is the lifecycle state of one client connection
type SessionState string

const (
	SessionUnauthenticated SessionState = "unauthenticated"
	SessionIdle            SessionState = "idle"
	SessionMatching        SessionState = "matching"
	SessionClosed          SessionState = "closed"
)

// Session binds one authenticated connection to at most one active request
// ARCHITECTURAL DISCOVERY: the session never owns a request record; it only
// remembers the ID so outcomes can be routed back to the right socket
type Session struct {
	ID          string
	UserID      string
	Username    string
	IsAdmin     bool
	ConnectedAt time.Time

	conn            interfaces.Connection
	mu              sync.Mutex
	state           SessionState
	activeRequestID string
}

func newSession(conn interfaces.Connection, identity *types.Identity) *Session {
	return &Session{
		ID:          conn.ID(),
		UserID:      identity.UserID,
		Username:    identity.Username,
		IsAdmin:     identity.IsAdmin,
		ConnectedAt: time.Now(),
		conn:        conn,
		state:       SessionUnauthenticated,
	}
}

// State returns the current session state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveRequestID returns the waiting request bound to this session, if any
func (s *Session) ActiveRequestID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRequestID
}

// Connection returns the underlying transport connection
func (s *Session) Connection() interfaces.Connection {
	return s.conn
}

func (s *Session) authenticate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionUnauthenticated {
		s.state = SessionIdle
	}
}

// begin moves an idle session to matching for requestID
func (s *Session) begin(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == SessionClosed:
		return ErrSessionClosed
	case s.activeRequestID != "" || s.state == SessionMatching:
		return types.ErrDuplicateRequest
	}
	s.activeRequestID = requestID
	s.state = SessionMatching
	return nil
}

// finish clears the active request only if it is still requestID
// FUNCTIONAL DISCOVERY: compare-and-clear keeps a late outcome for an old
// request from wiping out a newer one
func (s *Session) finish(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishLocked(requestID)
}

func (s *Session) finishLocked(requestID string) bool {
	if requestID == "" || s.activeRequestID != requestID {
		return false
	}
	s.activeRequestID = ""
	if s.state == SessionMatching {
		s.state = SessionIdle
	}
	return true
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SessionClosed
	s.activeRequestID = ""
}
