package types

import (
	"encoding/json"
	"time"
)

// Event type constants for the per-connection event channel
const (
	EventStartMatching  = "start-matching"
	EventCancelMatching = "cancel-matching"

	EventMatchPending   = "match-pending"
	EventMatchFound     = "match-found"
	EventMatchTimeout   = "match-timeout"
	EventMatchCancelled = "match-cancelled"
	EventError          = "error"
)

// Envelope is the JSON frame exchanged over the websocket
// ARCHITECTURAL DISCOVERY: Payload stays raw until the type is known so the
// gateway decodes each event into its own struct
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// StartMatchingPayload is the body of an inbound start-matching event
type StartMatchingPayload struct {
	Category   string `json:"category"`
	Difficulty string `json:"difficulty"`
}

// MatchPendingPayload acknowledges that the request is waiting in the pool
type MatchPendingPayload struct {
	RequestID string `json:"requestId"`
}

// MatchFoundPayload is pushed to both sides of a match
type MatchFoundPayload struct {
	MatchID        string `json:"matchId"`
	PeerUserID     string `json:"peerUserId"`
	PeerUsername   string `json:"peerUsername"`
	WorkspaceToken string `json:"workspaceToken"`
	Category       string `json:"category"`
	Difficulty     string `json:"difficulty"`

	// Degraded is set when the workspace allocator failed; the match stands
	Degraded bool `json:"degraded,omitempty"`
}

// MatchTimeoutPayload is pushed when a waiting request expires
type MatchTimeoutPayload struct {
	RequestID string `json:"requestId"`
}

// MatchCancelledPayload confirms a cancellation that removed a record
type MatchCancelledPayload struct {
	RequestID string `json:"requestId"`
}

// ErrorPayload reports a per-connection failure
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope marshals payload into an outbound frame
func NewEnvelope(eventType string, payload interface{}) (*Envelope, error) {
	env := &Envelope{Type: eventType, Timestamp: time.Now()}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env.Payload = data
	return env, nil
}

// DecodeEnvelope parses an inbound frame and checks the type is known
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrMalformedEvent
	}
	if !IsValidInboundEvent(env.Type) {
		return &env, ErrUnknownEvent
	}
	return &env, nil
}
