package muxpool

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/rs/zerolog"
)

// ConnectionState tracks the forward-only lifecycle of a ConnectionHost:
// Open -> ClosedToNew -> Closed, or Open -> Closed directly.
type ConnectionState int32

const (
	// StateOpen admits new streams.
	StateOpen ConnectionState = iota

	// StateClosedToNew refuses new streams but leaves existing ones running.
	StateClosedToNew

	// StateClosed refuses new streams and has torn down existing ones.
	StateClosed
)

// reserveAttempts bounds the compare-and-swap retry loop in ReserveStream so
// heavy contention degrades to "no capacity" instead of spinning.
const reserveAttempts = 5

// ConnectionHost is an internal representation of one multiplexed Connection
// and the child streams currently admitted on it.
//
// All mutation of children and state happens on the host's task loop, one
// task at a time. The available stream counter is the one exception: it is
// read and written atomically from any goroutine so admission stays cheap.
type ConnectionHost struct {
	Connection   Connection
	ConnectionID uint64

	maxConcurrentStreams int64
	availableStreams     int64 // atomic

	children map[uint64]*StreamHost // task loop only
	state    int32                  // atomic reads anywhere, writes on the task loop only

	tasks    *queue.Queue
	loopDone chan struct{}

	released   int32 // atomic, guards the one-time hand-back to the supplier
	releasable func(*ConnectionHost)

	logger zerolog.Logger
}

// NewConnectionHost wraps a live Connection for management by a StreamPool.
// The concurrency ceiling is learned from the Connection itself;
// fallbackMaxStreams is used when the transport does not advertise one.
func NewConnectionHost(conn Connection, connectionID uint64, fallbackMaxStreams uint64, logger zerolog.Logger) *ConnectionHost {
	maxStreams := conn.MaxConcurrentStreams()
	if maxStreams == 0 {
		maxStreams = fallbackMaxStreams
	}

	ch := &ConnectionHost{
		Connection:           conn,
		ConnectionID:         connectionID,
		maxConcurrentStreams: int64(maxStreams),
		availableStreams:     int64(maxStreams),
		children:             make(map[uint64]*StreamHost),
		tasks:                queue.New(8),
		loopDone:             make(chan struct{}),
		logger:               logger.With().Uint64("connection_id", connectionID).Logger(),
	}

	go ch.loop()

	return ch
}

// loop is the connection's confined execution context. Tasks run one at a
// time in FIFO order until the host is evicted and the queue disposed.
func (ch *ConnectionHost) loop() {
	defer close(ch.loopDone)

	for {
		items, err := ch.tasks.Get(1)
		if err != nil { // disposed
			return
		}

		items[0].(func())()
	}
}

func (ch *ConnectionHost) schedule(task func()) error {
	return ch.tasks.Put(task)
}

// State reads the lifecycle state. Safe from any goroutine.
func (ch *ConnectionHost) State() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&ch.state))
}

// setState is only called from the task loop, and from stop once the loop
// is being torn down.
func (ch *ConnectionHost) setState(state ConnectionState) {
	atomic.StoreInt32(&ch.state, int32(state))
}

// MaxConcurrentStreams returns the concurrency ceiling for this connection.
func (ch *ConnectionHost) MaxConcurrentStreams() int64 {
	return ch.maxConcurrentStreams
}

// AvailableStreams returns how many more streams the connection can admit.
func (ch *ConnectionHost) AvailableStreams() int64 {
	return atomic.LoadInt64(&ch.availableStreams)
}

// ReserveStream attempts to claim one stream slot. It fails when the host is
// no longer open, when no capacity remains, or when five compare-and-swap
// attempts are lost to contention - the caller should try another connection
// rather than spin here.
func (ch *ConnectionHost) ReserveStream() bool {
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		if ch.State() != StateOpen {
			return false
		}

		available := atomic.LoadInt64(&ch.availableStreams)
		if available <= 0 {
			return false
		}

		if atomic.CompareAndSwapInt64(&ch.availableStreams, available, available-1) {
			return true
		}
	}

	return false
}

// releaseReservation returns one stream slot. Climbing above the ceiling
// means a slot was released twice somewhere; the count is corrected and the
// bug logged rather than poisoning the ceiling or crashing.
func (ch *ConnectionHost) releaseReservation() {
	if atomic.AddInt64(&ch.availableStreams, 1) > ch.maxConcurrentStreams {
		ch.logger.Warn().Msg("stream slot released more than once - correcting available stream count")
		atomic.AddInt64(&ch.availableStreams, -1)
	}
}

// AcquireStream reserves a slot and schedules the confined stream open,
// delivering the outcome through the promise. Returns false when the host
// refuses the reservation; the promise is untouched in that case.
func (ch *ConnectionHost) AcquireStream(ctx context.Context, promise *streamPromise) bool {
	if !ch.ReserveStream() {
		return false
	}

	promise.onFailure(ch.releaseReservation)
	ch.acquireReservedStream(ctx, promise)
	return true
}

func (ch *ConnectionHost) acquireReservedStream(ctx context.Context, promise *streamPromise) {
	err := ch.schedule(func() {
		// The authoritative go-away/close check. A reservation may race a
		// lifecycle transition; it gets rejected here, never opened. The
		// failure hook has returned the slot by the time fail returns, so
		// this rejection may be what drains the host.
		if ch.State() != StateOpen {
			promise.fail(ErrConnectionUnavailable)
			ch.notifyIfReleasable()
			return
		}

		stream, err := ch.Connection.OpenStream(ctx)
		if err != nil {
			promise.fail(err)
			return
		}

		host := newStreamHost(stream, ch)
		ch.children[host.ID] = host
		promise.succeed(host)
	})
	if err != nil {
		promise.fail(fmt.Errorf("connection %d task loop stopped: %w", ch.ConnectionID, err))
	}
}

// HandleGoAway reacts to a peer go-away signal: the host stops admitting new
// streams, and every child the peer never processed (identity above
// lastStreamID) receives reason as its terminal error. Children at or below
// the boundary keep running undisturbed.
func (ch *ConnectionHost) HandleGoAway(lastStreamID uint64, reason error) {
	_ = ch.schedule(func() {
		if ch.State() == StateClosed {
			return
		}

		if ch.State() == StateOpen {
			ch.setState(StateClosedToNew)
			ch.logger.Debug().Uint64("last_stream_id", lastStreamID).Msg("connection closed to new streams by go-away")
		}

		for id, child := range ch.children {
			if id > lastStreamID {
				child.fail(reason)
			}
		}

		ch.notifyIfReleasable()
	})
}

// CloseChildren closes every child stream normally and prohibits new streams.
// Used for orderly pool shutdown.
func (ch *ConnectionHost) CloseChildren() {
	ch.closeChildren(nil)
}

// CloseChildrenWithError delivers cause to every child stream as its terminal
// error and prohibits new streams. Used when the underlying transport died.
func (ch *ConnectionHost) CloseChildrenWithError(cause error) {
	ch.closeChildren(cause)
}

func (ch *ConnectionHost) closeChildren(cause error) {
	_ = ch.schedule(func() {
		if ch.State() == StateClosed {
			return
		}

		ch.setState(StateClosed)

		for _, child := range ch.children {
			if cause != nil {
				child.fail(cause)
			} else {
				child.closeStream()
			}
		}

		ch.notifyIfReleasable()
	})
}

// CloseAndRelease closes a finished child stream and reclaims its slot. This
// is the steady-state path per stream, distinct from whole-connection
// shutdown.
func (ch *ConnectionHost) CloseAndRelease(child *StreamHost) {
	child.closeStream()

	_ = ch.schedule(func() {
		if _, ok := ch.children[child.ID]; !ok {
			return // already reclaimed
		}

		delete(ch.children, child.ID)
		ch.releaseReservation()
		ch.notifyIfReleasable()
	})
}

// CanBeReleased reports whether the connection has drained: it no longer
// admits streams and every slot has been returned.
func (ch *ConnectionHost) CanBeReleased() bool {
	return ch.State() != StateOpen && ch.AvailableStreams() == ch.maxConcurrentStreams
}

// notifyIfReleasable runs on the task loop after any transition that could
// have drained the host.
func (ch *ConnectionHost) notifyIfReleasable() {
	if ch.releasable != nil && ch.CanBeReleased() {
		ch.releasable(ch)
	}
}

// markReleased claims the one-time right to hand the connection back.
func (ch *ConnectionHost) markReleased() bool {
	return atomic.CompareAndSwapInt32(&ch.released, 0, 1)
}

// ChildCount reports the number of registered child streams.
func (ch *ConnectionHost) ChildCount() int {
	count := make(chan int, 1)
	if err := ch.schedule(func() { count <- len(ch.children) }); err != nil {
		return 0
	}

	select {
	case n := <-count:
		return n
	case <-ch.loopDone:
		return 0
	}
}

// Flush blocks until every task scheduled before it has completed.
func (ch *ConnectionHost) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := ch.schedule(func() { close(done) }); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ch.loopDone:
		return queue.ErrDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop tears down the task loop. Only safe once the host has been evicted
// from its pool. Tasks the loop never dequeued still run here, after the
// loop has exited, so every pending acquisition completes its promise and
// gives its reservation back.
func (ch *ConnectionHost) stop() {
	ch.setState(StateClosed)

	dropped := ch.tasks.Dispose()
	<-ch.loopDone

	for _, item := range dropped {
		item.(func())()
	}
}
