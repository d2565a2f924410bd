package suppliers

import (
	"context"
	"crypto/tls"
	"errors"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/houseofcat/muxpool/pkg/muxpool"
	"github.com/houseofcat/muxpool/pkg/utils"
)

// AMQPSupplier produces AMQP 0-9-1 connections for a StreamPool. Channels
// play the role of child streams; the broker-negotiated channel-max is the
// per-connection concurrency ceiling.
type AMQPSupplier struct {
	Config muxpool.AMQPConfig

	applicationName   string
	heartbeatInterval time.Duration
	connectionTimeout time.Duration
	tlsConfig         *tls.Config
}

// NewAMQPSupplier creates a supplier that dials the configured broker on
// demand.
func NewAMQPSupplier(config *muxpool.AMQPConfig, applicationName string) (*AMQPSupplier, error) {

	if config.Heartbeat == 0 || config.ConnectionTimeout == 0 {
		return nil, errors.New("amqpsupplier heartbeat or connectiontimeout can't be 0")
	}

	var tlsConfig *tls.Config
	if config.TLSConfig != nil && config.TLSConfig.EnableTLS {
		var err error
		tlsConfig, err = utils.CreateTLSConfig(
			config.TLSConfig.PEMCertLocation,
			config.TLSConfig.LocalCertLocation)
		if err != nil {
			return nil, err
		}
	}

	return &AMQPSupplier{
		Config:            *config,
		applicationName:   applicationName,
		heartbeatInterval: time.Duration(config.Heartbeat) * time.Second,
		connectionTimeout: time.Duration(config.ConnectionTimeout) * time.Second,
		tlsConfig:         tlsConfig,
	}, nil
}

// Acquire dials one AMQP connection.
func (s *AMQPSupplier) Acquire(ctx context.Context) (muxpool.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	config := amqp.Config{
		Heartbeat: s.heartbeatInterval,
		Dial:      amqp.DefaultDial(s.connectionTimeout),
		Properties: amqp.Table{
			"connection_name": utils.CreateConnectionName(s.applicationName),
		},
	}

	uri := s.Config.URI
	if s.tlsConfig != nil {
		config.TLSClientConfig = s.tlsConfig
		uri = "amqps://" + s.Config.TLSConfig.CertServerName
	}

	conn, err := amqp.DialConfig(uri, config)
	if err != nil {
		return nil, err
	}

	return &amqpConnection{conn: conn}, nil
}

// Release closes the connection; the supplier does not cache. Wrap it in a
// CachedSupplier to keep released connections warm.
func (s *AMQPSupplier) Release(conn muxpool.Connection) error {
	return conn.Close()
}

// Close implements ConnectionSupplier. The supplier dials on demand and
// holds no state of its own.
func (s *AMQPSupplier) Close() error {
	return nil
}

// amqpConnection adapts amqp.Connection to muxpool.Connection.
type amqpConnection struct {
	conn     *amqp.Connection
	streamID uint64
}

func (c *amqpConnection) OpenStream(ctx context.Context) (muxpool.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	channel, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}

	// Channel numbers aren't surfaced by the client; a monotonic identity
	// preserves the ordering the go-away boundary contract needs.
	return &amqpStream{channel: channel, id: atomic.AddUint64(&c.streamID, 1)}, nil
}

func (c *amqpConnection) MaxConcurrentStreams() uint64 {
	return uint64(c.conn.Config.ChannelMax)
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

// amqpStream adapts amqp.Channel to muxpool.Stream.
type amqpStream struct {
	channel *amqp.Channel
	id      uint64
}

func (s *amqpStream) ID() uint64 {
	return s.id
}

// Channel exposes the underlying AMQP channel for publishing and consuming.
func (s *amqpStream) Channel() *amqp.Channel {
	return s.channel
}

func (s *amqpStream) Close() error {
	return s.channel.Close()
}

// CloseWithError closes the channel. AMQP has no client-side abnormal
// channel teardown, so the cause stops at this boundary.
func (s *amqpStream) CloseWithError(_ error) error {
	return s.channel.Close()
}
