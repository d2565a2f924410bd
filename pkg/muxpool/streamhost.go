package muxpool

import "sync"

// StreamHost is an internal representation of a child Stream riding on a
// pooled Connection.
type StreamHost struct {
	Stream       Stream
	ID           uint64
	ConnectionID uint64

	connHost  *ConnectionHost
	failOnce  sync.Once
	closeOnce sync.Once
	errors    chan error
}

func newStreamHost(stream Stream, connHost *ConnectionHost) *StreamHost {
	return &StreamHost{
		Stream:       stream,
		ID:           stream.ID(),
		ConnectionID: connHost.ConnectionID,
		connHost:     connHost,
		errors:       make(chan error, 1),
	}
}

// Errors yields the terminal error delivered to this stream, if any. A stream
// receives at most one: the go-away reason when the peer abandoned it, or the
// transport failure cause when the whole connection died.
func (sh *StreamHost) Errors() <-chan error {
	return sh.errors
}

// Close finishes the stream and returns its slot to the owning connection.
// Call it when the exchange completes, successfully or not.
func (sh *StreamHost) Close() {
	sh.connHost.CloseAndRelease(sh)
}

// fail delivers a terminal error to the stream at most once. Confined to the
// owning connection's task loop.
func (sh *StreamHost) fail(err error) {
	sh.failOnce.Do(func() {
		sh.errors <- err
		sh.closeStreamWithError(err)
	})
}

func (sh *StreamHost) closeStream() {
	sh.closeOnce.Do(func() { _ = sh.Stream.Close() })
}

func (sh *StreamHost) closeStreamWithError(err error) {
	sh.closeOnce.Do(func() { _ = sh.Stream.CloseWithError(err) })
}
