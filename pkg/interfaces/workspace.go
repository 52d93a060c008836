package interfaces

import "context"

// WorkspaceAllocator creates the shared session two matched users move into
type WorkspaceAllocator interface {
	// Allocate returns a workspace token; called once per formed match
	Allocate(ctx context.Context, userIDA, userIDB string) (string, error)
}
