package muxpool

// PoolSeasoning represents the full configuration values for a StreamPool
// and the suppliers beneath it.
type PoolSeasoning struct {
	PoolConfig *PoolConfig `json:"PoolConfig" yaml:"PoolConfig"`
	AMQPConfig *AMQPConfig `json:"AMQPConfig,omitempty" yaml:"AMQPConfig,omitempty"`
	QUICConfig *QUICConfig `json:"QUICConfig,omitempty" yaml:"QUICConfig,omitempty"`
}

// PoolConfig represents settings for creating/configuring the StreamPool.
type PoolConfig struct {
	ApplicationName          string `json:"ApplicationName" yaml:"ApplicationName"`
	MaxConcurrentStreams     uint64 `json:"MaxConcurrentStreams" yaml:"MaxConcurrentStreams"`         // fallback ceiling when the transport doesn't advertise one
	MaxCachedConnectionCount uint64 `json:"MaxCachedConnectionCount" yaml:"MaxCachedConnectionCount"` // warm connections kept by the caching supplier
}

// AMQPConfig represents settings for the AMQP connection supplier.
type AMQPConfig struct {
	URI               string     `json:"URI" yaml:"URI"`
	Heartbeat         uint32     `json:"Heartbeat" yaml:"Heartbeat"`                 // seconds
	ConnectionTimeout uint32     `json:"ConnectionTimeout" yaml:"ConnectionTimeout"` // seconds
	TLSConfig         *TLSConfig `json:"TLSConfig" yaml:"TLSConfig"`
}

// QUICConfig represents settings for the QUIC connection supplier.
type QUICConfig struct {
	Address              string     `json:"Address" yaml:"Address"`
	MaxConcurrentStreams uint64     `json:"MaxConcurrentStreams" yaml:"MaxConcurrentStreams"` // QUIC doesn't surface the peer limit, so it comes from config
	KeepAliveInterval    uint32     `json:"KeepAliveInterval" yaml:"KeepAliveInterval"`       // seconds
	HandshakeTimeout     uint32     `json:"HandshakeTimeout" yaml:"HandshakeTimeout"`         // seconds
	TLSConfig            *TLSConfig `json:"TLSConfig" yaml:"TLSConfig"`
}

// TLSConfig represents settings for configuring TLS.
type TLSConfig struct {
	EnableTLS         bool   `json:"EnableTLS" yaml:"EnableTLS"`
	PEMCertLocation   string `json:"PEMCertLocation" yaml:"PEMCertLocation"`
	LocalCertLocation string `json:"LocalCertLocation" yaml:"LocalCertLocation"`
	CertServerName    string `json:"CertServerName" yaml:"CertServerName"`
}
