package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error codes on the wire
var (
	ErrAuth                  = errors.New("authentication failed")
	ErrValidation            = errors.New("category and difficulty are required")
	ErrDuplicateRequest      = errors.New("user already has an outstanding match request")
	ErrPoolContentionTimeout = errors.New("waiting pool is busy, try again")
	ErrHandoffFailure        = errors.New("workspace allocation failed")

	ErrInvalidTransition = errors.New("request is no longer waiting")
	ErrIncompatibleMatch = errors.New("requests cannot be matched")
	ErrMissingUserID     = errors.New("user ID is required")
	ErrMalformedEvent    = errors.New("malformed event")
	ErrUnknownEvent      = errors.New("unknown event type")
	ErrRateLimited       = errors.New("too many match requests, slow down")
)

// Wire error codes
const (
	CodeValidation    = "validation_error"
	CodeDuplicate     = "duplicate_request"
	CodeTryAgain      = "try_again"
	CodeRateLimited   = "rate_limited"
	CodeUnknownEvent  = "unknown_event"
	CodeMalformed     = "malformed_event"
	CodeInternalError = "internal_error"
)

// ErrorCode maps an error to the code sent to clients
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrDuplicateRequest):
		return CodeDuplicate
	case errors.Is(err, ErrPoolContentionTimeout):
		return CodeTryAgain
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrUnknownEvent):
		return CodeUnknownEvent
	case errors.Is(err, ErrMalformedEvent):
		return CodeMalformed
	default:
		return CodeInternalError
	}
}
