package pool

import "errors"

// Pool-specific errors; the taxonomy errors live in pkg/types
var (
	ErrNilRecord  = errors.New("record cannot be nil")
	ErrNotWaiting = errors.New("only waiting records can enter the pool")
)
