package muxpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, supplier ConnectionSupplier, maxStreams uint64) *StreamPool {
	t.Helper()

	pool, err := NewStreamPool(&PoolConfig{
		ApplicationName:      "muxpool-test",
		MaxConcurrentStreams: maxStreams,
	}, supplier)
	require.NoError(t, err)

	return pool
}

func TestNewStreamPoolValidatesConfig(t *testing.T) {
	pool, err := NewStreamPool(&PoolConfig{MaxConcurrentStreams: 8}, nil)
	assert.Nil(t, pool)
	assert.Error(t, err)

	pool, err = NewStreamPool(&PoolConfig{}, &fakeSupplier{maxStreams: 8})
	assert.Nil(t, pool)
	assert.Error(t, err)
}

func TestAcquireStreamGrowsThroughSupplier(t *testing.T) {
	defer leaktest.Check(t)()

	supplier := &fakeSupplier{maxStreams: 2}
	pool := newTestPool(t, supplier, 2)

	first, err := pool.AcquireStream(context.Background())
	require.NoError(t, err)

	second, err := pool.AcquireStream(context.Background())
	require.NoError(t, err)

	// Two streams fit on one connection.
	assert.Equal(t, 1, supplier.acquireCount())
	assert.Equal(t, first.ConnectionID, second.ConnectionID)

	third, err := pool.AcquireStream(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, supplier.acquireCount())
	assert.NotEqual(t, first.ConnectionID, third.ConnectionID)
	assert.Equal(t, 2, pool.ConnectionCount())

	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestAcquireStreamPropagatesSupplierFailure(t *testing.T) {
	defer leaktest.Check(t)()

	supplierErr := errors.New("dial refused")
	supplier := &fakeSupplier{acquireErr: supplierErr}
	pool := newTestPool(t, supplier, 4)

	stream, err := pool.AcquireStream(context.Background())
	assert.Nil(t, stream)
	assert.Equal(t, supplierErr, err)
	assert.Equal(t, 0, pool.ConnectionCount())
}

func TestAcquireStreamAfterShutdownFails(t *testing.T) {
	defer leaktest.Check(t)()

	supplier := &fakeSupplier{maxStreams: 2}
	pool := newTestPool(t, supplier, 2)

	require.NoError(t, pool.Shutdown(context.Background()))

	stream, err := pool.AcquireStream(context.Background())
	assert.Nil(t, stream)
	assert.ErrorIs(t, err, ErrPoolClosed)

	// The supplier was never contacted, only closed.
	assert.Equal(t, 0, supplier.acquireCount())
	assert.Equal(t, []string{"close"}, supplier.callOrder())
}

func TestAcquireStreamConcurrentGrowthNeverRefuses(t *testing.T) {
	defer leaktest.Check(t)()

	// One slot per connection maximizes contention: callers race to claim
	// freshly added connections out from under their creators. Every caller
	// must still come back with a stream, never a capacity refusal.
	supplier := &fakeSupplier{maxStreams: 1}
	pool := newTestPool(t, supplier, 1)

	const callers = 16

	wg := &sync.WaitGroup{}
	acquireErrs := make(chan error, callers)
	streams := make(chan *StreamHost, callers)

	for g := 0; g < callers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			stream, err := pool.AcquireStream(context.Background())
			if err != nil {
				acquireErrs <- err
				return
			}
			streams <- stream
		}()
	}

	wg.Wait()
	close(acquireErrs)
	close(streams)

	for err := range acquireErrs {
		t.Fatalf("concurrent acquisition surfaced an error: %v", err)
	}

	assert.Len(t, streams, callers)

	for stream := range streams {
		stream.Close()
	}

	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestShutdownReleasesConnectionsBeforeClosingSupplier(t *testing.T) {
	defer leaktest.Check(t)()

	supplier := &fakeSupplier{maxStreams: 8}
	pool := newTestPool(t, supplier, 8)

	_, err := pool.AcquireStream(context.Background())
	require.NoError(t, err)

	require.NoError(t, pool.Shutdown(context.Background()))

	assert.Equal(t, []string{"acquire", "release", "close"}, supplier.callOrder())
	assert.Equal(t, 0, pool.ConnectionCount())

	released := supplier.releasedConnections()
	require.Len(t, released, 1)

	// The open stream was closed normally during the drain.
	streams := released[0].(*fakeConnection).openedStreams()
	require.Len(t, streams, 1)
	assert.True(t, streams[0].isClosed())
}

func TestShutdownIsIdempotent(t *testing.T) {
	defer leaktest.Check(t)()

	supplier := &fakeSupplier{maxStreams: 2}
	pool := newTestPool(t, supplier, 2)

	require.NoError(t, pool.Shutdown(context.Background()))
	require.NoError(t, pool.Shutdown(context.Background()))

	assert.Equal(t, []string{"close"}, supplier.callOrder())
}

func TestShutdownInterruptedPreservesCancellation(t *testing.T) {
	supplier := &fakeSupplier{maxStreams: 2}
	pool := newTestPool(t, supplier, 2)

	stream, err := pool.AcquireStream(context.Background())
	require.NoError(t, err)

	host, ok := pool.host(stream.ConnectionID)
	require.True(t, ok)

	// Hold the task loop so the drain cannot complete.
	block := make(chan struct{})
	require.NoError(t, host.schedule(func() { <-block }))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err = pool.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "shutdown interrupted")

	// Not every connection made it back, so the supplier stays open.
	assert.NotContains(t, supplier.callOrder(), "close")

	close(block)
	host.stop()
}

func TestShutdownRetryAfterInterruptResumesDrain(t *testing.T) {
	defer leaktest.Check(t)()

	supplier := &fakeSupplier{maxStreams: 2}
	pool := newTestPool(t, supplier, 2)

	stream, err := pool.AcquireStream(context.Background())
	require.NoError(t, err)

	host, ok := pool.host(stream.ConnectionID)
	require.True(t, ok)

	// Hold the task loop so the first drain attempt cannot complete.
	block := make(chan struct{})
	require.NoError(t, host.schedule(func() { <-block }))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err = pool.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, supplier.callOrder(), "close")

	close(block)

	// The retry picks the drain back up and finishes the job.
	require.NoError(t, pool.Shutdown(context.Background()))

	assert.Equal(t, []string{"acquire", "release", "close"}, supplier.callOrder())
	assert.Equal(t, 0, pool.ConnectionCount())
}

func TestGoAwayDrainedConnectionReturnedToSupplier(t *testing.T) {
	defer leaktest.Check(t)()

	supplier := &fakeSupplier{maxStreams: 8}
	pool := newTestPool(t, supplier, 8)

	stream, err := pool.AcquireStream(context.Background())
	require.NoError(t, err)

	reason := &GoAwayError{LastStreamID: 0, Debug: "maintenance"}
	pool.Signals().GoAwayReceived(stream.ConnectionID, 0, reason)

	select {
	case err := <-stream.Errors():
		assert.Equal(t, reason, err)
	case <-time.After(time.Second):
		t.Fatal("expected go-away reason on the in-flight stream")
	}

	stream.Close()

	// Once the last child is reclaimed the connection leaves the pool.
	assert.Eventually(t, func() bool {
		return pool.ConnectionCount() == 0
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return len(supplier.releasedConnections()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, pool.Shutdown(context.Background()))

	// The connection went back before the supplier itself was closed.
	assert.Equal(t, []string{"acquire", "release", "close"}, supplier.callOrder())
}

func TestConnectionFailedSignalFailsAllChildren(t *testing.T) {
	defer leaktest.Check(t)()

	supplier := &fakeSupplier{maxStreams: 8}
	pool := newTestPool(t, supplier, 8)

	first, err := pool.AcquireStream(context.Background())
	require.NoError(t, err)

	second, err := pool.AcquireStream(context.Background())
	require.NoError(t, err)
	require.Equal(t, first.ConnectionID, second.ConnectionID)

	cause := errors.New("transport reset by peer")
	pool.Signals().ConnectionFailed(first.ConnectionID, cause)

	for _, stream := range []*StreamHost{first, second} {
		select {
		case err := <-stream.Errors():
			assert.ErrorIs(t, err, cause)
		case <-time.After(time.Second):
			t.Fatalf("expected cause delivered to stream %d", stream.ID)
		}
	}

	first.Close()
	second.Close()

	assert.Eventually(t, func() bool {
		return pool.ConnectionCount() == 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestAcquireStreamContextExpiryReclaimsLateSuccess(t *testing.T) {
	defer leaktest.Check(t)()

	supplier := &fakeSupplier{maxStreams: 8}
	pool := newTestPool(t, supplier, 8)

	first, err := pool.AcquireStream(context.Background())
	require.NoError(t, err)

	host, ok := pool.host(first.ConnectionID)
	require.True(t, ok)

	// Hold the task loop so the open outlives the caller's deadline.
	block := make(chan struct{})
	require.NoError(t, host.schedule(func() { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	stream, err := pool.AcquireStream(ctx)
	assert.Nil(t, stream)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)

	// The late success is closed and its slot returned; only the first
	// stream still holds one.
	assert.Eventually(t, func() bool {
		return host.AvailableStreams() == int64(7)
	}, time.Second, 10*time.Millisecond)

	first.Close()
	require.NoError(t, pool.Shutdown(context.Background()))
}
