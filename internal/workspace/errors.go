package workspace

import "errors"

var (
	ErrEmptyBaseURL  = errors.New("workspace service base URL cannot be empty")
	ErrEmptyToken    = errors.New("workspace service returned no token")
	ErrUnexpectedRes = errors.New("unexpected workspace service response")
)
