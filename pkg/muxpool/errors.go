package muxpool

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed is returned by AcquireStream after the pool has been shutdown.
	ErrPoolClosed = errors.New("can't acquire stream - stream pool has been shutdown")

	// ErrConnectionUnavailable is delivered when a reservation raced a go-away
	// or close and lost at the confined open step.
	ErrConnectionUnavailable = errors.New("connection received go-away or was closed while acquiring new stream")
)

// GoAwayError carries a peer's go-away boundary and debug data. Peer-signal
// sources hand it to the SignalDispatcher, which delivers it as the terminal
// error of every stream the peer never processed.
type GoAwayError struct {
	LastStreamID uint64
	Code         uint64
	Debug        string
}

func (e *GoAwayError) Error() string {
	return fmt.Sprintf("peer sent go-away (code %d, last stream %d): %s", e.Code, e.LastStreamID, e.Debug)
}
