package interfaces

// Connection is a client transport the registry can deliver messages to.
// WriteJSON must be safe for concurrent use.
type Connection interface {
	// ID returns a process-unique identifier used in logs.
	ID() string

	// WriteJSON queues v for delivery. It fails once the connection is closed.
	WriteJSON(v interface{}) error

	Close() error

	IsOpen() bool
}
