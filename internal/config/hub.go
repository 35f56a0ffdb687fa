package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/capturectl/internal/hub"
	"github.com/danmuck/capturectl/internal/link"
)

// HubFile is the hubctl config.toml key mapping.
type HubFile struct {
	Addr                   string `toml:"addr"`
	TransferAddr           string `toml:"transfer_addr"`
	TimeSyncAddr           string `toml:"time_sync_addr"`
	AdvertiseTransferAddr  string `toml:"advertise_transfer_addr,omitempty"`
	AdvertiseTimeSyncAddr  string `toml:"advertise_time_sync_addr,omitempty"`
	AdminAddr              string `toml:"admin_addr"`
	MetricsAddr            string `toml:"metrics_addr,omitempty"`
	SessionRoot            string `toml:"session_root"`
	RequireIdentityBinding bool   `toml:"require_identity_binding"`

	Quorum         string `toml:"quorum"`
	StartTimeout   string `toml:"start_timeout"`
	StopTimeout    string `toml:"stop_timeout"`
	CommandTimeout string `toml:"command_timeout"`

	HeartbeatInterval   string `toml:"heartbeat_interval"`
	HeartbeatMultiplier int    `toml:"heartbeat_multiplier"`
	AckTimeout          string `toml:"ack_timeout"`
	MaxRetries          int    `toml:"max_retries"`

	TransferMaxBytes    int64  `toml:"transfer_max_bytes"`
	TransferIdleTimeout string `toml:"transfer_idle_timeout"`

	SecurityMode string `toml:"security_mode"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	TLSMutual    bool   `toml:"tls_mutual"`
	TLSCertFile  string `toml:"tls_cert_file,omitempty"`
	TLSKeyFile   string `toml:"tls_key_file,omitempty"`
	TLSCAFile    string `toml:"tls_ca_file,omitempty"`

	EventsURL    string `toml:"events_url,omitempty"`
	EventsPrefix string `toml:"events_prefix"`

	Advertise         bool   `toml:"advertise"`
	AdvertiseInstance string `toml:"advertise_instance,omitempty"`
	AdvertiseService  string `toml:"advertise_service"`
}

// HubFileFrom renders cfg in file form, used for templates.
func HubFileFrom(cfg hub.ServiceConfig) HubFile {
	return HubFile{
		Addr:                   cfg.ListenAddr,
		TransferAddr:           cfg.TransferAddr,
		TimeSyncAddr:           cfg.TimeSyncAddr,
		AdvertiseTransferAddr:  cfg.AdvertiseTransferAddr,
		AdvertiseTimeSyncAddr:  cfg.AdvertiseTimeSyncAddr,
		AdminAddr:              cfg.AdminAddr,
		MetricsAddr:            cfg.MetricsAddr,
		SessionRoot:            cfg.SessionRoot,
		RequireIdentityBinding: cfg.RequireIdentityBinding,
		Quorum:                 cfg.Orchestrator.Quorum.String(),
		StartTimeout:           cfg.Orchestrator.StartTimeout.String(),
		StopTimeout:            cfg.Orchestrator.StopTimeout.String(),
		CommandTimeout:         cfg.Orchestrator.CommandTimeout.String(),
		HeartbeatInterval:      cfg.Heartbeat.Interval.String(),
		HeartbeatMultiplier:    cfg.Heartbeat.Multiplier,
		AckTimeout:             cfg.Link.AckTimeout.String(),
		MaxRetries:             cfg.Link.MaxRetries,
		TransferMaxBytes:       cfg.Transfer.MaxSizeBytes,
		TransferIdleTimeout:    cfg.Transfer.IdleTimeout.String(),
		SecurityMode:           string(link.NormalizeSecurityMode(cfg.Link.SecurityMode)),
		TLSEnabled:             cfg.Link.TLS.Enabled,
		TLSMutual:              cfg.Link.TLS.Mutual,
		TLSCertFile:            cfg.Link.TLS.CertFile,
		TLSKeyFile:             cfg.Link.TLS.KeyFile,
		TLSCAFile:              cfg.Link.TLS.CAFile,
		EventsURL:              cfg.Events.URL,
		EventsPrefix:           cfg.Events.Prefix,
		Advertise:              cfg.Discovery.Enabled,
		AdvertiseInstance:      cfg.Discovery.Instance,
		AdvertiseService:       cfg.Discovery.Service,
	}
}

// LoadHub overlays the file at path on hub defaults. Keys absent from the
// file keep their default; a missing file yields the defaults.
func LoadHub(path string) (hub.ServiceConfig, error) {
	cfg := hub.DefaultServiceConfig()

	var raw HubFile
	meta, err := toml.DecodeFile(path, &raw)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return hub.ServiceConfig{}, fmt.Errorf("load hub config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return hub.ServiceConfig{}, fmt.Errorf("load hub config: %w: %v", ErrUnknownKey, undecoded)
	}

	o := overlay{meta: meta}
	o.str("addr", raw.Addr, &cfg.ListenAddr)
	o.str("transfer_addr", raw.TransferAddr, &cfg.TransferAddr)
	o.str("time_sync_addr", raw.TimeSyncAddr, &cfg.TimeSyncAddr)
	o.str("advertise_transfer_addr", raw.AdvertiseTransferAddr, &cfg.AdvertiseTransferAddr)
	o.str("advertise_time_sync_addr", raw.AdvertiseTimeSyncAddr, &cfg.AdvertiseTimeSyncAddr)
	o.str("admin_addr", raw.AdminAddr, &cfg.AdminAddr)
	o.str("metrics_addr", raw.MetricsAddr, &cfg.MetricsAddr)
	o.str("session_root", raw.SessionRoot, &cfg.SessionRoot)
	o.boolean("require_identity_binding", raw.RequireIdentityBinding, &cfg.RequireIdentityBinding)

	if meta.IsDefined("quorum") {
		q, err := hub.ParseQuorum(raw.Quorum)
		if err != nil {
			return hub.ServiceConfig{}, fmt.Errorf("load hub config: %w", err)
		}
		cfg.Orchestrator.Quorum = q
	}
	o.duration("start_timeout", raw.StartTimeout, &cfg.Orchestrator.StartTimeout)
	o.duration("stop_timeout", raw.StopTimeout, &cfg.Orchestrator.StopTimeout)
	o.duration("command_timeout", raw.CommandTimeout, &cfg.Orchestrator.CommandTimeout)
	o.duration("heartbeat_interval", raw.HeartbeatInterval, &cfg.Heartbeat.Interval)
	o.integer("heartbeat_multiplier", raw.HeartbeatMultiplier, &cfg.Heartbeat.Multiplier)
	o.duration("ack_timeout", raw.AckTimeout, &cfg.Link.AckTimeout)
	o.integer("max_retries", raw.MaxRetries, &cfg.Link.MaxRetries)
	if meta.IsDefined("transfer_max_bytes") {
		cfg.Transfer.MaxSizeBytes = raw.TransferMaxBytes
	}
	o.duration("transfer_idle_timeout", raw.TransferIdleTimeout, &cfg.Transfer.IdleTimeout)

	if meta.IsDefined("security_mode") {
		cfg.Link.SecurityMode = link.NormalizeSecurityMode(link.SecurityMode(raw.SecurityMode))
	}
	o.boolean("tls_enabled", raw.TLSEnabled, &cfg.Link.TLS.Enabled)
	o.boolean("tls_mutual", raw.TLSMutual, &cfg.Link.TLS.Mutual)
	o.str("tls_cert_file", raw.TLSCertFile, &cfg.Link.TLS.CertFile)
	o.str("tls_key_file", raw.TLSKeyFile, &cfg.Link.TLS.KeyFile)
	o.str("tls_ca_file", raw.TLSCAFile, &cfg.Link.TLS.CAFile)
	o.str("events_url", raw.EventsURL, &cfg.Events.URL)
	o.str("events_prefix", raw.EventsPrefix, &cfg.Events.Prefix)
	o.boolean("advertise", raw.Advertise, &cfg.Discovery.Enabled)
	o.str("advertise_instance", raw.AdvertiseInstance, &cfg.Discovery.Instance)
	o.str("advertise_service", raw.AdvertiseService, &cfg.Discovery.Service)

	if o.err != nil {
		return hub.ServiceConfig{}, fmt.Errorf("load hub config: %w", o.err)
	}
	if err := cfg.Link.ValidateServerTransport(); err != nil {
		return hub.ServiceConfig{}, fmt.Errorf("load hub config: %w", err)
	}
	return cfg, nil
}

// overlay applies defined keys and keeps the first parse error.
type overlay struct {
	meta toml.MetaData
	err  error
}

func (o *overlay) str(key, val string, dst *string) {
	if o.meta.IsDefined(key) {
		*dst = strings.TrimSpace(val)
	}
}

func (o *overlay) boolean(key string, val bool, dst *bool) {
	if o.meta.IsDefined(key) {
		*dst = val
	}
}

func (o *overlay) integer(key string, val int, dst *int) {
	if o.meta.IsDefined(key) {
		*dst = val
	}
}

func (o *overlay) duration(key, val string, dst *time.Duration) {
	if o.err != nil || !o.meta.IsDefined(key) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		o.err = fmt.Errorf("parse %s: %w", key, err)
		return
	}
	*dst = d
}
