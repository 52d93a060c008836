package supervisor

import "errors"

var (
	ErrSupervisorAlreadyRunning = errors.New("timeout supervisor is already running")
	ErrSupervisorNotRunning     = errors.New("timeout supervisor is not running")
	ErrNilMatcher               = errors.New("supervisor requires a matcher")
)
