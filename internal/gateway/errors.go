package gateway

import "errors"

// Session-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrNilIdentity   = errors.New("identity cannot be nil")
	ErrSessionClosed = errors.New("session is closed")
)

// Gateway construction errors
var (
	ErrNilMatcher   = errors.New("gateway requires a matcher")
	ErrNilAllocator = errors.New("gateway requires a workspace allocator")
)
