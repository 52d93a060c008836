package interfaces

// Connection represents one client's bidirectional event channel
// ARCHITECTURAL DISCOVERY: Pure abstraction without transport details keeps
// the gateway testable with in-memory fakes
type Connection interface {
	// WriteJSON sends a JSON frame to the client (thread-safe, bounded)
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// ID returns the server-assigned connection identifier
	ID() string
}
