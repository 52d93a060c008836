package matcher

import "errors"

var (
	ErrNilPool = errors.New("matcher requires a waiting pool")
)
