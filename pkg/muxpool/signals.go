package muxpool

// SignalDispatcher routes decoded peer signals to the connection they belong
// to. Protocol codecs decode go-away frames and notice transport failures;
// the dispatcher only finds the owning host and drives its lifecycle.
type SignalDispatcher struct {
	pool *StreamPool
}

// Signals returns the dispatcher for feeding decoded peer events into the
// pool. Connection identities come from the StreamHosts the pool hands out.
func (sp *StreamPool) Signals() *SignalDispatcher {
	return &SignalDispatcher{pool: sp}
}

// GoAwayReceived marks the connection as draining and fails every stream the
// peer won't process (identity above lastStreamID) with reason. Unknown
// connection identities are ignored; the connection already left the pool.
func (sd *SignalDispatcher) GoAwayReceived(connectionID uint64, lastStreamID uint64, reason error) {
	if host, ok := sd.pool.host(connectionID); ok {
		host.HandleGoAway(lastStreamID, reason)
	}
}

// ConnectionFailed fails every stream on the connection with cause and marks
// it closed. The connection is handed back to the supplier once drained.
func (sd *SignalDispatcher) ConnectionFailed(connectionID uint64, cause error) {
	if host, ok := sd.pool.host(connectionID); ok {
		host.CloseChildrenWithError(cause)
	}
}
