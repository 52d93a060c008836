package interfaces

import (
	"context"

	"peermatch/pkg/types"
)

// RequestLog is the append/query store of request state transitions
type RequestLog interface {
	// Append records one state transition; rows are never updated
	Append(ctx context.Context, transition *types.Transition) error

	// History returns all transitions of one request, oldest first
	History(ctx context.Context, requestID string) ([]*types.Transition, error)

	// UserHistory returns a user's most recent transitions, newest first
	UserHistory(ctx context.Context, userID string, limit int) ([]*types.Transition, error)

	// HealthCheck verifies the store is reachable
	HealthCheck(ctx context.Context) error

	// Close releases the store
	Close() error
}
