// Package transport provides the framed byte transports the proxy speaks
// JSON-RPC over: the client-facing stdio channel and the per-backend pipe
// pair.
package transport

import (
	"context"
	"errors"
)

// Common transport errors.
var (
	ErrTransportClosed = errors.New("transport is closed")
)

// Transport represents a bidirectional, message-framed communication channel.
type Transport interface {
	// ID returns a unique identifier for this transport instance.
	ID() string

	// Read reads the next message from the transport.
	// It blocks until a message is available or the context is cancelled.
	// Returns io.EOF when the transport is closed cleanly.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a message through the transport.
	// Write is safe for concurrent use; messages are framed atomically.
	Write(ctx context.Context, data []byte) error

	// Close closes the transport.
	// After Close is called, Read and Write will return errors.
	// Close is safe to call multiple times.
	Close() error

	// Done returns a channel that's closed when the transport is closed.
	Done() <-chan struct{}
}
