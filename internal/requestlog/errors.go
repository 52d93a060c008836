package requestlog

import "errors"

var (
	ErrEmptyTable    = errors.New("request log table name cannot be empty")
	ErrNilClient     = errors.New("dynamodb client cannot be nil")
	ErrNilTransition = errors.New("transition cannot be nil")
)
