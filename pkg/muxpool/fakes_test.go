package muxpool

import (
	"context"
	"sync"
)

type fakeStream struct {
	mu     sync.Mutex
	id     uint64
	closed bool
	cause  error
}

func (s *fakeStream) ID() uint64 {
	return s.id
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) CloseWithError(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cause = err
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeConnection struct {
	mu           sync.Mutex
	maxStreams   uint64
	openErr      error
	closed       bool
	nextStreamID uint64
	streams      []*fakeStream
}

func (c *fakeConnection) OpenStream(_ context.Context) (Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.openErr != nil {
		return nil, c.openErr
	}

	c.nextStreamID++
	stream := &fakeStream{id: c.nextStreamID}
	c.streams = append(c.streams, stream)
	return stream, nil
}

func (c *fakeConnection) MaxConcurrentStreams() uint64 {
	return c.maxStreams
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConnection) openedStreams() []*fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeStream(nil), c.streams...)
}

type fakeSupplier struct {
	mu         sync.Mutex
	maxStreams uint64
	acquireErr error
	acquired   int
	calls      []string
	released   []Connection
}

func (s *fakeSupplier) Acquire(_ context.Context) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acquireErr != nil {
		return nil, s.acquireErr
	}

	s.acquired++
	s.calls = append(s.calls, "acquire")
	return &fakeConnection{maxStreams: s.maxStreams}, nil
}

func (s *fakeSupplier) Release(conn Connection) error {
	s.mu.Lock()
	s.calls = append(s.calls, "release")
	s.released = append(s.released, conn)
	s.mu.Unlock()

	return conn.Close()
}

func (s *fakeSupplier) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "close")
	return nil
}

func (s *fakeSupplier) acquireCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

func (s *fakeSupplier) callOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSupplier) releasedConnections() []Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Connection(nil), s.released...)
}
