package suppliers

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/houseofcat/muxpool/pkg/muxpool"
	"github.com/houseofcat/muxpool/pkg/utils"
)

// QUICSupplier produces QUIC connections for a StreamPool, with QUIC streams
// as the child streams. The transport API does not surface the peer's stream
// limit, so the concurrency ceiling comes from config and the pool's
// fallback applies when it is left at zero.
type QUICSupplier struct {
	Config muxpool.QUICConfig

	tlsConfig  *tls.Config
	quicConfig *quic.Config
}

// NewQUICSupplier creates a supplier that dials the configured address on
// demand.
func NewQUICSupplier(config *muxpool.QUICConfig, alpnProtocol string) (*QUICSupplier, error) {

	if config.Address == "" {
		return nil, errors.New("quicsupplier address can't be empty")
	}

	tlsConfig := new(tls.Config)
	if config.TLSConfig != nil && config.TLSConfig.EnableTLS {
		var err error
		tlsConfig, err = utils.CreateTLSConfig(
			config.TLSConfig.PEMCertLocation,
			config.TLSConfig.LocalCertLocation)
		if err != nil {
			return nil, err
		}

		tlsConfig.ServerName = config.TLSConfig.CertServerName
	}

	tlsConfig.NextProtos = []string{alpnProtocol}

	return &QUICSupplier{
		Config:    *config,
		tlsConfig: tlsConfig,
		quicConfig: &quic.Config{
			HandshakeIdleTimeout: time.Duration(config.HandshakeTimeout) * time.Second,
			KeepAlivePeriod:      time.Duration(config.KeepAliveInterval) * time.Second,
		},
	}, nil
}

// Acquire dials one QUIC connection.
func (s *QUICSupplier) Acquire(ctx context.Context) (muxpool.Connection, error) {
	conn, err := quic.DialAddr(ctx, s.Config.Address, s.tlsConfig, s.quicConfig)
	if err != nil {
		return nil, err
	}

	return &quicConnection{conn: conn, maxStreams: s.Config.MaxConcurrentStreams}, nil
}

// Release closes the connection; the supplier does not cache.
func (s *QUICSupplier) Release(conn muxpool.Connection) error {
	return conn.Close()
}

// Close implements ConnectionSupplier. The supplier dials on demand and
// holds no state of its own.
func (s *QUICSupplier) Close() error {
	return nil
}

// quicConnection adapts quic.Connection to muxpool.Connection.
type quicConnection struct {
	conn       quic.Connection
	maxStreams uint64
}

func (c *quicConnection) OpenStream(ctx context.Context) (muxpool.Stream, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}

	return &quicStream{stream: stream}, nil
}

func (c *quicConnection) MaxConcurrentStreams() uint64 {
	return c.maxStreams
}

func (c *quicConnection) IsClosed() bool {
	select {
	case <-c.conn.Context().Done():
		return true
	default:
		return false
	}
}

func (c *quicConnection) Close() error {
	return c.conn.CloseWithError(0, "connection released by stream pool")
}

// quicStream adapts quic.Stream to muxpool.Stream.
type quicStream struct {
	stream quic.Stream
}

func (s *quicStream) ID() uint64 {
	return uint64(s.stream.StreamID())
}

// Stream exposes the underlying QUIC stream for reads and writes.
func (s *quicStream) Stream() quic.Stream {
	return s.stream
}

func (s *quicStream) Close() error {
	return s.stream.Close()
}

func (s *quicStream) CloseWithError(_ error) error {
	s.stream.CancelRead(quic.StreamErrorCode(0))
	s.stream.CancelWrite(quic.StreamErrorCode(0))
	return nil
}
