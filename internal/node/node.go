// Package node runs the capture side of a deployment: it registers with the
// hub, keeps the link alive, aligns its clock, records sessions through the
// capture controller and ships finished sessions back as archives.
package node

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/capturectl/internal/capture"
	"github.com/danmuck/capturectl/internal/clock"
	"github.com/danmuck/capturectl/internal/discovery"
	"github.com/danmuck/capturectl/internal/link"
	"github.com/danmuck/capturectl/internal/transfer"
)

// Built-in module ids accepted in ServiceConfig.Modules.
const ModuleMarker = "marker"

type ServiceConfig struct {
	NodeID      string
	HubAddr     string
	SessionRoot string
	// OutboxDir holds packed archives until they are delivered. Empty means
	// <SessionRoot>/.outbox.
	OutboxDir    string
	Codec        transfer.Codec
	KeepArchives bool

	Modules        []string
	MarkerInterval time.Duration

	Policy            capture.StartPolicy
	StartTimeout      time.Duration
	ShutdownTimeout   time.Duration
	HeartbeatInterval time.Duration

	Link    link.Config
	Manager link.ManagerConfig
	Clock   clock.Config
	Sender  transfer.SenderConfig
	// Discovery, when enabled, browses for the hub before each connect.
	// HubAddr is then only the fallback.
	Discovery discovery.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		NodeID:            "node",
		HubAddr:           "127.0.0.1:7400",
		SessionRoot:       "sessions",
		Codec:             transfer.CodecZstd,
		Modules:           []string{ModuleMarker},
		MarkerInterval:    time.Second,
		Policy:            capture.StartPolicy{Mode: capture.PolicyAll},
		StartTimeout:      5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		Link:              link.DefaultConfig(),
		Manager:           link.DefaultManagerConfig(),
		Clock:             clock.DefaultConfig(),
		Sender:            transfer.DefaultSenderConfig(),
		Discovery:         discovery.DefaultConfig(),
	}
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if strings.TrimSpace(c.NodeID) == "" {
		c.NodeID = def.NodeID
	}
	if strings.TrimSpace(c.SessionRoot) == "" {
		c.SessionRoot = def.SessionRoot
	}
	if strings.TrimSpace(c.OutboxDir) == "" {
		c.OutboxDir = filepath.Join(c.SessionRoot, ".outbox")
	}
	if c.Codec == "" {
		c.Codec = def.Codec
	}
	if c.MarkerInterval <= 0 {
		c.MarkerInterval = def.MarkerInterval
	}
	if c.Policy.Mode == "" {
		c.Policy = def.Policy
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = def.StartTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	return c
}
