package feed

import (
	"errors"
	"fmt"
	"time"

	"github.com/pro-utkarshM/axiom-ebpf/pkg/attach"
)

// Default configuration values.
const (
	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive responses.
	DefaultKeepaliveTimeout = 5 * time.Second

	// DefaultReconnectMinDelay is the minimum delay before reconnecting.
	DefaultReconnectMinDelay = 500 * time.Millisecond

	// DefaultReconnectMaxDelay is the maximum delay before reconnecting.
	DefaultReconnectMaxDelay = 30 * time.Second

	// DefaultEventChannelSize is the default buffer size for the event channel.
	DefaultEventChannelSize = 1024

	// DefaultMaxMessageSize is the default maximum gRPC message size.
	DefaultMaxMessageSize = 4 * 1024 * 1024

	// DefaultPingInterval is the interval between ping messages.
	DefaultPingInterval = 15 * time.Second

	// DefaultStaleTimeout is how long without updates before the
	// connection is considered stale.
	DefaultStaleTimeout = 60 * time.Second
)

// Configuration errors.
var (
	ErrNoEndpoint    = errors.New("feed endpoint is required")
	ErrInvalidConfig = errors.New("invalid feed configuration")
)

// Config holds the configuration for the event feed client.
type Config struct {
	// Endpoint is the gRPC endpoint of the event daemon
	// (e.g. "127.0.0.1:7812").
	Endpoint string

	// Kinds selects which attach families to subscribe to. Empty
	// subscribes to everything the daemon exports.
	Kinds []attach.Type

	// Keepalive configuration.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// Reconnection configuration.
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	MaxReconnects     int // 0 = unlimited

	// EventChannelSize is the buffer size of the Events channel.
	EventChannelSize int

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// PingInterval is the interval between ping messages for keepalive.
	PingInterval time.Duration

	// StaleTimeout is how long without updates before reconnecting.
	StaleTimeout time.Duration

	// OnEvent is called synchronously for each decoded event before
	// sink and channel delivery (optional).
	OnEvent func(attach.Event)

	// OnConnect is called when a connection is established (optional).
	OnConnect func()

	// OnDisconnect is called when the connection is lost (optional).
	OnDisconnect func(error)

	// OnReconnect is called when reconnection succeeds (optional).
	OnReconnect func(attempt int)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,

		ReconnectMinDelay: DefaultReconnectMinDelay,
		ReconnectMaxDelay: DefaultReconnectMaxDelay,
		MaxReconnects:     0, // unlimited

		EventChannelSize: DefaultEventChannelSize,
		MaxMessageSize:   DefaultMaxMessageSize,
		PingInterval:     DefaultPingInterval,
		StaleTimeout:     DefaultStaleTimeout,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}
	if c.EventChannelSize <= 0 {
		return fmt.Errorf("%w: event channel size must be positive", ErrInvalidConfig)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}
	if c.KeepaliveTime <= 0 || c.KeepaliveTimeout <= 0 {
		return fmt.Errorf("%w: keepalive intervals must be positive", ErrInvalidConfig)
	}
	if c.ReconnectMinDelay <= 0 {
		return fmt.Errorf("%w: reconnect min delay must be positive", ErrInvalidConfig)
	}
	if c.ReconnectMaxDelay < c.ReconnectMinDelay {
		return fmt.Errorf("%w: reconnect max delay must be >= min delay", ErrInvalidConfig)
	}
	for _, k := range c.Kinds {
		if k <= attach.TypeUnspec || k > attach.TypeIIO {
			return fmt.Errorf("%w: unknown attach type %d", ErrInvalidConfig, k)
		}
	}
	return nil
}

// WithDefaults returns a new config with default values applied for any
// zero values in the original config.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.KeepaliveTime == 0 {
		c.KeepaliveTime = defaults.KeepaliveTime
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = defaults.KeepaliveTimeout
	}
	if c.ReconnectMinDelay == 0 {
		c.ReconnectMinDelay = defaults.ReconnectMinDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}
	if c.EventChannelSize == 0 {
		c.EventChannelSize = defaults.EventChannelSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaults.PingInterval
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = defaults.StaleTimeout
	}
	return c
}
