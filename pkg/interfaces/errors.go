package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrRequestNotFound = errors.New("request not found")
	ErrUnauthorized    = errors.New("unauthorized access")
)
