package gateway

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Registry tracks live sessions and which session waits on which request
// ARCHITECTURAL DISCOVERY: outcomes are routed by request ID, not user ID, so
// a reconnecting user never receives the result of the old socket's request
// on the wrong session
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // sessionID -> Session
	users    map[string]*Session // userID -> most recent Session
	requests map[string]*Session // requestID -> Session waiting on it
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		users:    make(map[string]*Session),
		requests: make(map[string]*Session),
	}
}

// Register adds a session; an older session of the same user is replaced in
// the user index and its connection closed
func (r *Registry) Register(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.users[sess.UserID]; ok && existing != sess {
		// FUNCTIONAL DISCOVERY: close asynchronously; the old read pump runs
		// its own Disconnect which takes this lock
		go func(old *Session) {
			if err := old.conn.Close(); err != nil {
				log.WithError(err).WithField("session_id", old.ID).Debug("Failed to close superseded connection")
			}
		}(existing)
	}

	r.sessions[sess.ID] = sess
	r.users[sess.UserID] = sess
}

// Unregister removes a session; the user index entry is only removed if it
// still points at this session
func (r *Registry) Unregister(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sess.ID)
	if r.users[sess.UserID] == sess {
		delete(r.users, sess.UserID)
	}
	for requestID, owner := range r.requests {
		if owner == sess {
			delete(r.requests, requestID)
		}
	}
}

// UserSession returns the current session for a user
func (r *Registry) UserSession(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.users[userID]
	return sess, ok
}

// Session returns a session by ID
func (r *Registry) Session(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// bindRequest records that sess waits on requestID
func (r *Registry) bindRequest(requestID string, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[requestID] = sess
}

// takeRequest removes and returns the session waiting on requestID; only one
// caller ever gets a non-nil result for a given request
func (r *Registry) takeRequest(requestID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.requests[requestID]
	if !ok {
		return nil
	}
	delete(r.requests, requestID)
	return sess
}

// CloseAll closes every registered connection; read pumps then run their
// own disconnect cleanup
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	for _, sess := range sessions {
		if err := sess.conn.Close(); err != nil {
			log.WithError(err).WithField("session_id", sess.ID).Debug("Failed to close connection")
		}
	}
}

// Stats returns registry counters for monitoring
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"total_connections": len(r.sessions),
		"connected_users":   len(r.users),
		"pending_requests":  len(r.requests),
	}
}
