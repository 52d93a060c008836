package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Handler-related errors
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrNilVerifier  = errors.New("handler requires an identity verifier")
	ErrNilGateway   = errors.New("handler requires a session gateway")
)
