// Package transport moves protocol frames between a sync client and the
// instance server. The websocket implementation is used in production; Pipe
// connects both ends in memory for tests and embedded use.
package transport

import (
	"context"
)

// Conn is a bidirectional, message-oriented connection. Read and Write may
// be called concurrently with each other but not with themselves.
type Conn interface {
	// Read blocks for the next frame. Cancelling ctx aborts the read and
	// leaves the connection unusable.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Close is idempotent.
	Close() error
	RemoteAddr() string
}

// DialFunc opens a new connection to the server.
type DialFunc func(ctx context.Context) (Conn, error)
