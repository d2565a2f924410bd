package suppliers

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"

	"github.com/houseofcat/muxpool/pkg/muxpool"
)

// CachedSupplier wraps another supplier and keeps released connections warm
// for reuse instead of tearing them down immediately.
type CachedSupplier struct {
	inner muxpool.ConnectionSupplier
	cache chan muxpool.Connection

	cacheLock *sync.Mutex // serializes caching against the close-time flush
	closed    bool
}

// NewCachedSupplier creates a caching layer holding up to maxCachedCount
// released connections.
func NewCachedSupplier(inner muxpool.ConnectionSupplier, maxCachedCount uint64) (*CachedSupplier, error) {

	if inner == nil {
		return nil, errors.New("cachedsupplier inner supplier can't be nil")
	}

	if maxCachedCount == 0 {
		return nil, errors.New("cachedsupplier maxcachedcount can't be 0")
	}

	return &CachedSupplier{
		inner:     inner,
		cache:     make(chan muxpool.Connection, maxCachedCount),
		cacheLock: &sync.Mutex{},
	}, nil
}

// Acquire reuses a warm connection when one is available and alive,
// otherwise falls through to the inner supplier.
func (s *CachedSupplier) Acquire(ctx context.Context) (muxpool.Connection, error) {
	for {
		select {
		case conn := <-s.cache:
			if conn.IsClosed() {
				continue // died while cached, drop it
			}
			return conn, nil
		default:
			return s.inner.Acquire(ctx)
		}
	}
}

// Release caches a healthy connection for reuse; dead connections and cache
// overflow go back to the inner supplier.
func (s *CachedSupplier) Release(conn muxpool.Connection) error {
	s.cacheLock.Lock()
	if !s.closed && !conn.IsClosed() {
		select {
		case s.cache <- conn:
			s.cacheLock.Unlock()
			return nil
		default:
		}
	}
	s.cacheLock.Unlock()

	return s.inner.Release(conn)
}

// Close flushes the cache back to the inner supplier and closes it. The
// flush runs under the cache lock so no release can park a connection
// behind it.
func (s *CachedSupplier) Close() error {
	s.cacheLock.Lock()
	s.closed = true

	var err error

CacheFlushLoop:
	for {
		select {
		case conn := <-s.cache:
			err = multierr.Append(err, s.inner.Release(conn))
		default:
			break CacheFlushLoop
		}
	}
	s.cacheLock.Unlock()

	return multierr.Append(err, s.inner.Close())
}

// CachedCount reports how many connections are currently warm.
func (s *CachedSupplier) CachedCount() int {
	return len(s.cache)
}
