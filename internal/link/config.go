package link

import (
	"time"

	"github.com/danmuck/capturectl/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig selects optional TLS on the command channel.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines channel reliability defaults shared by hub and node.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// AckTimeout bounds one wait for an ack before the command is resent.
	AckTimeout time.Duration
	// MaxRetries counts resends after the first send.
	MaxRetries     int
	EventQueueSize int
	AckCacheSize   int
	Limits         frame.Limits

	SecurityMode SecurityMode
	TLS          TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		AckTimeout:       2 * time.Second,
		MaxRetries:       2,
		EventQueueSize:   64,
		AckCacheSize:     256,
		Limits:           frame.DefaultLimits(),
		SecurityMode:     SecurityModeDevelopment,
	}
}

// ManagerConfig controls node-side reconnection.
type ManagerConfig struct {
	Backoff     BackoffConfig
	MaxAttempts int
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     10 * time.Second,
		},
		MaxAttempts: 10,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = def.EventQueueSize
	}
	if c.AckCacheSize <= 0 {
		c.AckCacheSize = def.AckCacheSize
	}
	if c.Limits.MaxPayloadBytes <= 0 || c.Limits.MaxLineBytes <= 0 {
		c.Limits = def.Limits
	}
	return c
}
