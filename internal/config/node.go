package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/capturectl/internal/capture"
	"github.com/danmuck/capturectl/internal/link"
	"github.com/danmuck/capturectl/internal/node"
	"github.com/danmuck/capturectl/internal/transfer"
)

// NodeFile is the nodectl config.toml key mapping.
type NodeFile struct {
	ID           string   `toml:"id"`
	HubAddr      string   `toml:"hub_addr"`
	SessionRoot  string   `toml:"session_root"`
	OutboxDir    string   `toml:"outbox_dir,omitempty"`
	Codec        string   `toml:"codec"`
	KeepArchives bool     `toml:"keep_archives"`
	Modules      []string `toml:"modules"`

	MarkerInterval    string `toml:"marker_interval"`
	Policy            string `toml:"policy"`
	StartTimeout      string `toml:"start_timeout"`
	ShutdownTimeout   string `toml:"shutdown_timeout"`
	HeartbeatInterval string `toml:"heartbeat_interval"`

	AckTimeout            string `toml:"ack_timeout"`
	MaxRetries            int    `toml:"max_retries"`
	ReconnectInitialDelay string `toml:"reconnect_initial_delay"`
	ReconnectMaxDelay     string `toml:"reconnect_max_delay"`
	ReconnectMaxAttempts  int    `toml:"reconnect_max_attempts"`
	ReconnectJitter       bool   `toml:"reconnect_jitter"`

	SyncInterval     string `toml:"sync_interval"`
	SyncSamples      int    `toml:"sync_samples"`
	SyncProbeTimeout string `toml:"sync_probe_timeout"`
	SyncStaleAfter   int    `toml:"sync_stale_after_misses"`
	SyncResyncRTT    string `toml:"sync_resync_rtt_threshold"`
	SyncResyncCool   string `toml:"sync_resync_cooldown"`

	TransferMaxAttempts  int    `toml:"transfer_max_attempts"`
	TransferWriteTimeout string `toml:"transfer_write_timeout"`

	DiscoverHub     bool   `toml:"discover_hub"`
	DiscoverService string `toml:"discover_service"`
	DiscoverTimeout string `toml:"discover_timeout"`

	SecurityMode       string `toml:"security_mode"`
	TLSEnabled         bool   `toml:"tls_enabled"`
	TLSMutual          bool   `toml:"tls_mutual"`
	TLSCertFile        string `toml:"tls_cert_file,omitempty"`
	TLSKeyFile         string `toml:"tls_key_file,omitempty"`
	TLSCAFile          string `toml:"tls_ca_file,omitempty"`
	TLSServerName      string `toml:"tls_server_name,omitempty"`
	InsecureSkipVerify bool   `toml:"tls_insecure_skip_verify"`
}

func NodeFileFrom(cfg node.ServiceConfig) NodeFile {
	return NodeFile{
		ID:                    cfg.NodeID,
		HubAddr:               cfg.HubAddr,
		SessionRoot:           cfg.SessionRoot,
		OutboxDir:             cfg.OutboxDir,
		Codec:                 string(cfg.Codec),
		KeepArchives:          cfg.KeepArchives,
		Modules:               append([]string{}, cfg.Modules...),
		MarkerInterval:        cfg.MarkerInterval.String(),
		Policy:                cfg.Policy.String(),
		StartTimeout:          cfg.StartTimeout.String(),
		ShutdownTimeout:       cfg.ShutdownTimeout.String(),
		HeartbeatInterval:     cfg.HeartbeatInterval.String(),
		AckTimeout:            cfg.Link.AckTimeout.String(),
		MaxRetries:            cfg.Link.MaxRetries,
		ReconnectInitialDelay: cfg.Manager.Backoff.InitialDelay.String(),
		ReconnectMaxDelay:     cfg.Manager.Backoff.MaxDelay.String(),
		ReconnectMaxAttempts:  cfg.Manager.MaxAttempts,
		ReconnectJitter:       cfg.Manager.Backoff.Jitter,
		SyncInterval:          cfg.Clock.Interval.String(),
		SyncSamples:           cfg.Clock.SamplesPerWindow,
		SyncProbeTimeout:      cfg.Clock.ProbeTimeout.String(),
		SyncStaleAfter:        cfg.Clock.StaleAfterMisses,
		SyncResyncRTT:         cfg.Clock.ResyncRTTThreshold.String(),
		SyncResyncCool:        cfg.Clock.ResyncCooldown.String(),
		TransferMaxAttempts:   cfg.Sender.MaxAttempts,
		TransferWriteTimeout:  cfg.Sender.WriteTimeout.String(),
		DiscoverHub:           cfg.Discovery.Enabled,
		DiscoverService:       cfg.Discovery.Service,
		DiscoverTimeout:       cfg.Discovery.Timeout.String(),
		SecurityMode:          string(link.NormalizeSecurityMode(cfg.Link.SecurityMode)),
		TLSEnabled:            cfg.Link.TLS.Enabled,
		TLSMutual:             cfg.Link.TLS.Mutual,
		TLSCertFile:           cfg.Link.TLS.CertFile,
		TLSKeyFile:            cfg.Link.TLS.KeyFile,
		TLSCAFile:             cfg.Link.TLS.CAFile,
		TLSServerName:         cfg.Link.TLS.ServerName,
		InsecureSkipVerify:    cfg.Link.TLS.InsecureSkipVerify,
	}
}

// LoadNode overlays the file at path on node defaults. A missing file
// yields the defaults.
func LoadNode(path string) (node.ServiceConfig, error) {
	cfg := node.DefaultServiceConfig()

	var raw NodeFile
	meta, err := toml.DecodeFile(path, &raw)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return node.ServiceConfig{}, fmt.Errorf("load node config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return node.ServiceConfig{}, fmt.Errorf("load node config: %w: %v", ErrUnknownKey, undecoded)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.NodeID = id
		}
	}
	o := overlay{meta: meta}
	o.str("hub_addr", raw.HubAddr, &cfg.HubAddr)
	o.str("session_root", raw.SessionRoot, &cfg.SessionRoot)
	o.str("outbox_dir", raw.OutboxDir, &cfg.OutboxDir)
	if meta.IsDefined("codec") {
		c, err := transfer.ParseCodec(raw.Codec)
		if err != nil {
			return node.ServiceConfig{}, fmt.Errorf("load node config: %w", err)
		}
		cfg.Codec = c
	}
	o.boolean("keep_archives", raw.KeepArchives, &cfg.KeepArchives)
	if meta.IsDefined("modules") {
		cfg.Modules = normalizeList(raw.Modules)
	}
	if meta.IsDefined("policy") {
		p, err := capture.ParsePolicy(raw.Policy)
		if err != nil {
			return node.ServiceConfig{}, fmt.Errorf("load node config: %w", err)
		}
		cfg.Policy = p
	}

	o.duration("marker_interval", raw.MarkerInterval, &cfg.MarkerInterval)
	o.duration("start_timeout", raw.StartTimeout, &cfg.StartTimeout)
	o.duration("shutdown_timeout", raw.ShutdownTimeout, &cfg.ShutdownTimeout)
	o.duration("heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval)
	o.duration("ack_timeout", raw.AckTimeout, &cfg.Link.AckTimeout)
	o.integer("max_retries", raw.MaxRetries, &cfg.Link.MaxRetries)
	o.duration("reconnect_initial_delay", raw.ReconnectInitialDelay, &cfg.Manager.Backoff.InitialDelay)
	o.duration("reconnect_max_delay", raw.ReconnectMaxDelay, &cfg.Manager.Backoff.MaxDelay)
	o.integer("reconnect_max_attempts", raw.ReconnectMaxAttempts, &cfg.Manager.MaxAttempts)
	o.boolean("reconnect_jitter", raw.ReconnectJitter, &cfg.Manager.Backoff.Jitter)
	o.duration("sync_interval", raw.SyncInterval, &cfg.Clock.Interval)
	o.integer("sync_samples", raw.SyncSamples, &cfg.Clock.SamplesPerWindow)
	o.duration("sync_probe_timeout", raw.SyncProbeTimeout, &cfg.Clock.ProbeTimeout)
	o.integer("sync_stale_after_misses", raw.SyncStaleAfter, &cfg.Clock.StaleAfterMisses)
	o.duration("sync_resync_rtt_threshold", raw.SyncResyncRTT, &cfg.Clock.ResyncRTTThreshold)
	o.duration("sync_resync_cooldown", raw.SyncResyncCool, &cfg.Clock.ResyncCooldown)
	o.integer("transfer_max_attempts", raw.TransferMaxAttempts, &cfg.Sender.MaxAttempts)
	o.duration("transfer_write_timeout", raw.TransferWriteTimeout, &cfg.Sender.WriteTimeout)
	o.boolean("discover_hub", raw.DiscoverHub, &cfg.Discovery.Enabled)
	o.str("discover_service", raw.DiscoverService, &cfg.Discovery.Service)
	o.duration("discover_timeout", raw.DiscoverTimeout, &cfg.Discovery.Timeout)

	if meta.IsDefined("security_mode") {
		cfg.Link.SecurityMode = link.NormalizeSecurityMode(link.SecurityMode(raw.SecurityMode))
	}
	o.boolean("tls_enabled", raw.TLSEnabled, &cfg.Link.TLS.Enabled)
	o.boolean("tls_mutual", raw.TLSMutual, &cfg.Link.TLS.Mutual)
	o.str("tls_cert_file", raw.TLSCertFile, &cfg.Link.TLS.CertFile)
	o.str("tls_key_file", raw.TLSKeyFile, &cfg.Link.TLS.KeyFile)
	o.str("tls_ca_file", raw.TLSCAFile, &cfg.Link.TLS.CAFile)
	o.str("tls_server_name", raw.TLSServerName, &cfg.Link.TLS.ServerName)
	o.boolean("tls_insecure_skip_verify", raw.InsecureSkipVerify, &cfg.Link.TLS.InsecureSkipVerify)

	if o.err != nil {
		return node.ServiceConfig{}, fmt.Errorf("load node config: %w", o.err)
	}
	if strings.TrimSpace(cfg.HubAddr) == "" && !cfg.Discovery.Enabled {
		return node.ServiceConfig{}, fmt.Errorf("load node config: %w", ErrHubAddrRequired)
	}
	if err := cfg.Link.ValidateClientTransport(); err != nil {
		return node.ServiceConfig{}, fmt.Errorf("load node config: %w", err)
	}
	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
