package types

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestState is the lifecycle state of a match request
type RequestState string

// ARCHITECTURAL DISCOVERY: Waiting is the only non-terminal state; a record
// leaves it exactly once and never comes back
const (
	StateWaiting   RequestState = "waiting"
	StateMatched   RequestState = "matched"
	StateExpired   RequestState = "expired"
	StateCancelled RequestState = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s
func (s RequestState) IsTerminal() bool {
	switch s {
	case StateMatched, StateExpired, StateCancelled:
		return true
	default:
		return false
	}
}

// PartitionKey identifies one partition of the waiting pool
type PartitionKey struct {
	Category   string `json:"category"`
	Difficulty string `json:"difficulty"`
}

func (k PartitionKey) String() string {
	return k.Category + "/" + k.Difficulty
}

// RequestRecord is the fact of one user asking for a practice partner.
// Identity and criteria are immutable; State changes once, out of Waiting.
type RequestRecord struct {
	ID          string       `json:"requestId"`
	UserID      string       `json:"userId"`
	Username    string       `json:"username"`
	Category    string       `json:"category"`
	Difficulty  string       `json:"difficulty"`
	RequestedAt time.Time    `json:"requestedAt"`
	State       RequestState `json:"state"`

	// TransitionedAt is zero while the record is waiting
	TransitionedAt time.Time `json:"transitionedAt,omitempty"`

	mu sync.Mutex
}

// NewRequestRecord builds a Waiting record with a server-generated ID
// FUNCTIONAL DISCOVERY: criteria are trimmed before validation so " Arrays "
// and "Arrays" land in the same partition
func NewRequestRecord(userID, username, category, difficulty string, now time.Time) (*RequestRecord, error) {
	category = strings.TrimSpace(category)
	difficulty = strings.TrimSpace(difficulty)
	if err := ValidateCriteria(category, difficulty); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, ErrMissingUserID
	}

	return &RequestRecord{
		ID:          uuid.New().String(),
		UserID:      userID,
		Username:    username,
		Category:    category,
		Difficulty:  difficulty,
		RequestedAt: now,
		State:       StateWaiting,
	}, nil
}

// Key returns the partition this record belongs to
func (r *RequestRecord) Key() PartitionKey {
	return PartitionKey{Category: r.Category, Difficulty: r.Difficulty}
}

// Transition moves the record out of Waiting into a terminal state
func (r *RequestRecord) Transition(to RequestState, at time.Time) error {
	if !to.IsTerminal() {
		return ErrInvalidTransition
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State != StateWaiting {
		return ErrInvalidTransition
	}
	r.State = to
	r.TransitionedAt = at
	return nil
}

// CurrentState returns the state under the record lock
func (r *RequestRecord) CurrentState() RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.State
}

// Snapshot returns a copy safe to share with other goroutines
func (r *RequestRecord) Snapshot() *RequestRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &RequestRecord{
		ID:             r.ID,
		UserID:         r.UserID,
		Username:       r.Username,
		Category:       r.Category,
		Difficulty:     r.Difficulty,
		RequestedAt:    r.RequestedAt,
		State:          r.State,
		TransitionedAt: r.TransitionedAt,
	}
}

// Match is a confirmed pairing of two compatible requests
type Match struct {
	ID       string         `json:"matchId"`
	RequestA *RequestRecord `json:"requestA"`
	RequestB *RequestRecord `json:"requestB"`
	FormedAt time.Time      `json:"formedAt"`
}

// NewMatch pairs two records; it does not change their state
func NewMatch(a, b *RequestRecord, now time.Time) (*Match, error) {
	if a == nil || b == nil {
		return nil, ErrIncompatibleMatch
	}
	if a.Key() != b.Key() || a.UserID == b.UserID || a.ID == b.ID {
		return nil, ErrIncompatibleMatch
	}
	return &Match{
		ID:       uuid.New().String(),
		RequestA: a,
		RequestB: b,
		FormedAt: now,
	}, nil
}

// Peer returns the request on the other side of the match from userID
func (m *Match) Peer(userID string) *RequestRecord {
	if m.RequestA.UserID == userID {
		return m.RequestB
	}
	return m.RequestA
}

// Transition is one row of the request log
// TECHNICAL DISCOVERY: dynamodbav tags let the DynamoDB backend marshal this
// struct directly; the SQLite backend maps columns by hand
type Transition struct {
	RequestID      string       `json:"requestId" dynamodbav:"requestId"`
	UserID         string       `json:"userId" dynamodbav:"userId"`
	Category       string       `json:"category" dynamodbav:"category"`
	Difficulty     string       `json:"difficulty" dynamodbav:"difficulty"`
	RequestedAt    time.Time    `json:"requestedAt" dynamodbav:"requestedAt"`
	State          RequestState `json:"state" dynamodbav:"state"`
	TransitionedAt time.Time    `json:"transitionedAt" dynamodbav:"transitionedAt"`
	MatchID        string       `json:"matchId,omitempty" dynamodbav:"matchId,omitempty"`
}

// TransitionOf captures the record's current state as a log row
func TransitionOf(r *RequestRecord, matchID string) *Transition {
	snap := r.Snapshot()
	at := snap.TransitionedAt
	if at.IsZero() {
		at = snap.RequestedAt
	}
	return &Transition{
		RequestID:      snap.ID,
		UserID:         snap.UserID,
		Category:       snap.Category,
		Difficulty:     snap.Difficulty,
		RequestedAt:    snap.RequestedAt,
		State:          snap.State,
		TransitionedAt: at,
		MatchID:        matchID,
	}
}

// Identity is the verified output of the identity verifier
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}
