package muxpool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// StreamPool houses the pool of multiplexed connections and hands out logical
// streams without exposing which connection backs them. Connections are
// obtained from the ConnectionSupplier on demand and handed back once they
// have drained.
type StreamPool struct {
	Config PoolConfig

	supplier     ConnectionSupplier
	connections  cmap.ConcurrentMap
	connectionID uint64
	poolLock     *sync.Mutex
	poolClosed   int32
	shutdownDone bool // poolLock only
	releaseWG    sync.WaitGroup
	logger       zerolog.Logger
}

// NewStreamPool creates the hosting structure for the StreamPool.
func NewStreamPool(config *PoolConfig, supplier ConnectionSupplier) (*StreamPool, error) {
	return NewStreamPoolWithLogger(config, supplier, zerolog.Nop())
}

// NewStreamPoolWithLogger creates the hosting structure for the StreamPool
// with a logger attached to the pool and every connection it manages.
func NewStreamPoolWithLogger(config *PoolConfig, supplier ConnectionSupplier, logger zerolog.Logger) (*StreamPool, error) {
	if supplier == nil {
		return nil, errors.New("streampool connection supplier can't be nil")
	}

	if config.MaxConcurrentStreams == 0 {
		return nil, errors.New("streampool maxconcurrentstreams can't be 0")
	}

	return &StreamPool{
		Config:      *config,
		supplier:    supplier,
		connections: cmap.New(),
		poolLock:    &sync.Mutex{},
		logger:      logger,
	}, nil
}

// AcquireStream gets a stream from any connection with spare capacity,
// growing the pool through the supplier when none has any. Reservation is
// first-wins: a slot is claimed before the stream is opened, so concurrent
// callers never race past a connection's ceiling.
func (sp *StreamPool) AcquireStream(ctx context.Context) (*StreamHost, error) {
	if atomic.LoadInt32(&sp.poolClosed) > 0 {
		return nil, ErrPoolClosed
	}

	promise := newStreamPromise()

	for !sp.acquireOnExisting(ctx, promise) {
		host, err := sp.createConnectionHost(ctx)
		if err != nil {
			return nil, err
		}

		if host.AcquireStream(ctx, promise) {
			break
		}

		// The fresh connection refused the reservation: concurrent callers
		// claimed its capacity first, or it was drained before we could use
		// it. The pool already tracks it either way, so just go around.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	select {
	case res := <-promise.result:
		return res.Stream, res.Err
	case <-ctx.Done():
		// The confined open may still land. Reclaim a late success so the
		// reservation is not leaked.
		go func() {
			if res := <-promise.result; res.Err == nil {
				res.Stream.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (sp *StreamPool) acquireOnExisting(ctx context.Context, promise *streamPromise) bool {
	for item := range sp.connections.IterBuffered() {
		host := item.Val.(*ConnectionHost)
		if host.AcquireStream(ctx, promise) {
			return true
		}
	}

	return false
}

func (sp *StreamPool) createConnectionHost(ctx context.Context) (*ConnectionHost, error) {
	conn, err := sp.supplier.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	connectionID := atomic.AddUint64(&sp.connectionID, 1)
	host := NewConnectionHost(conn, connectionID, sp.Config.MaxConcurrentStreams, sp.logger)
	host.releasable = sp.hostReleasable

	sp.connections.Set(connectionKey(connectionID), host)

	// Shutdown may have started while the supplier was dialing. The host
	// missed the drain, so it is handed back here instead.
	if atomic.LoadInt32(&sp.poolClosed) > 0 {
		host.CloseChildren()
		sp.releaseHost(host)
		return nil, ErrPoolClosed
	}

	sp.logger.Debug().
		Uint64("connection_id", connectionID).
		Int64("max_concurrent_streams", host.MaxConcurrentStreams()).
		Msg("connection added to stream pool")

	return host, nil
}

// hostReleasable is invoked from a host's task loop once it has drained.
// The supplier hand-back happens off-loop. During shutdown the drain
// sequence owns every hand-back, so eager eviction stands down.
func (sp *StreamPool) hostReleasable(host *ConnectionHost) {
	if atomic.LoadInt32(&sp.poolClosed) > 0 {
		return
	}

	sp.releaseWG.Add(1)
	go func() {
		defer sp.releaseWG.Done()
		sp.releaseHost(host)
	}()
}

// releaseHost removes a drained host and hands its connection back to the
// supplier. Only the first caller per host does the work.
func (sp *StreamPool) releaseHost(host *ConnectionHost) {
	if !host.markReleased() {
		return
	}

	sp.connections.Remove(connectionKey(host.ConnectionID))

	if err := sp.supplier.Release(host.Connection); err != nil {
		sp.logger.Warn().Err(err).
			Uint64("connection_id", host.ConnectionID).
			Msg("failed releasing connection back to supplier")
	}

	host.stop()

	sp.logger.Debug().Uint64("connection_id", host.ConnectionID).Msg("connection released from stream pool")
}

// releaseHostErr is the Shutdown variant of releaseHost: supplier errors are
// returned so the drain can report them.
func (sp *StreamPool) releaseHostErr(host *ConnectionHost) error {
	if !host.markReleased() {
		return nil
	}

	sp.connections.Remove(connectionKey(host.ConnectionID))

	err := sp.supplier.Release(host.Connection)
	host.stop()

	return err
}

// ConnectionCount reports how many connections the pool currently tracks.
func (sp *StreamPool) ConnectionCount() int {
	return sp.connections.Count()
}

// Shutdown drains every connection and hands it back to the supplier, then
// closes the supplier itself. Each hand-back is sequenced behind that
// connection's confined closing work, and the supplier is only closed once
// every connection has been handed back.
//
// Shutdown blocks until the drain completes. If ctx is cancelled mid-drain
// the cancellation is returned wrapped (errors.Is against ctx.Err() holds)
// and the supplier is left open, since not every connection made it back.
// Calling Shutdown again resumes the drain; it only reports success once
// every connection has been handed back and the supplier closed.
func (sp *StreamPool) Shutdown(ctx context.Context) error {
	sp.poolLock.Lock()
	defer sp.poolLock.Unlock()

	atomic.StoreInt32(&sp.poolClosed, 1)

	if sp.shutdownDone {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)

	for item := range sp.connections.IterBuffered() {
		host := item.Val.(*ConnectionHost)

		group.Go(func() error {
			host.CloseChildren()

			if err := host.Flush(groupCtx); err != nil {
				return fmt.Errorf("draining connection %d: %w", host.ConnectionID, err)
			}

			return sp.releaseHostErr(host)
		})
	}

	if err := group.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("stream pool shutdown interrupted: %w", err)
		}

		// Drained but some hand-backs failed; the supplier still gets closed.
		sp.shutdownDone = true
		return multierr.Append(err, sp.supplier.Close())
	}

	// Eager evictions that started before the closed flag flipped must land
	// before the supplier goes away.
	released := make(chan struct{})
	go func() {
		sp.releaseWG.Wait()
		close(released)
	}()

	select {
	case <-released:
	case <-ctx.Done():
		return fmt.Errorf("stream pool shutdown interrupted: %w", ctx.Err())
	}

	sp.shutdownDone = true
	return sp.supplier.Close()
}

func (sp *StreamPool) host(connectionID uint64) (*ConnectionHost, bool) {
	item, ok := sp.connections.Get(connectionKey(connectionID))
	if !ok {
		return nil, false
	}

	return item.(*ConnectionHost), true
}

func connectionKey(connectionID uint64) string {
	return strconv.FormatUint(connectionID, 10)
}
