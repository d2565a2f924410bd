package muxpool

import "context"

// Connection is a live multiplexed transport connection capable of carrying
// many concurrent logical streams. Establishing the transport (dial, TLS,
// protocol handshake) is the supplier's business; the pool only opens and
// closes streams on it.
type Connection interface {
	// OpenStream opens one logical stream on the connection.
	OpenStream(ctx context.Context) (Stream, error)

	// MaxConcurrentStreams is the peer-negotiated ceiling on concurrent
	// streams. Zero means the transport did not advertise one.
	MaxConcurrentStreams() uint64

	// IsClosed reports whether the underlying transport has died.
	IsClosed() bool

	Close() error
}

// Stream is one logical exchange riding on a Connection.
type Stream interface {
	// ID is the protocol-assigned stream identity. Peers reference it in
	// go-away boundaries, so identities must increase as streams are opened.
	ID() uint64

	Close() error

	// CloseWithError tears the stream down abnormally.
	CloseWithError(err error) error
}

// ConnectionSupplier establishes and retires the underlying transport
// connections on behalf of a StreamPool. The pool never inspects its
// internals, it only sequences calls to it.
type ConnectionSupplier interface {
	Acquire(ctx context.Context) (Connection, error)
	Release(conn Connection) error
	Close() error
}
