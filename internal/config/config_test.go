package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/capturectl/internal/capture"
	"github.com/danmuck/capturectl/internal/hub"
	"github.com/danmuck/capturectl/internal/link"
	"github.com/danmuck/capturectl/internal/node"
	"github.com/danmuck/capturectl/internal/transfer"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadHubDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
addr = "127.0.0.1:9400"
transfer_addr = "127.0.0.1:9401"
advertise_transfer_addr = "hub.lan:9401"
session_root = "/var/lib/capturectl"
quorum = "count:2"
stop_timeout = "3s"
heartbeat_interval = "500ms"
max_retries = 4
transfer_max_bytes = 1048576
events_url = "nats://127.0.0.1:4222"
`)
	cfg, err := LoadHub(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9400" || cfg.TransferAddr != "127.0.0.1:9401" {
		t.Fatalf("unexpected addrs: %q %q", cfg.ListenAddr, cfg.TransferAddr)
	}
	if cfg.AdvertiseTransferAddr != "hub.lan:9401" {
		t.Fatalf("unexpected advertise addr: %q", cfg.AdvertiseTransferAddr)
	}
	if cfg.SessionRoot != "/var/lib/capturectl" {
		t.Fatalf("unexpected session root: %q", cfg.SessionRoot)
	}
	if cfg.Orchestrator.Quorum.Mode != hub.QuorumCount || cfg.Orchestrator.Quorum.Count != 2 {
		t.Fatalf("unexpected quorum: %+v", cfg.Orchestrator.Quorum)
	}
	if cfg.Orchestrator.StopTimeout != 3*time.Second {
		t.Fatalf("unexpected stop timeout: %s", cfg.Orchestrator.StopTimeout)
	}
	if cfg.Heartbeat.Interval != 500*time.Millisecond {
		t.Fatalf("unexpected heartbeat interval: %s", cfg.Heartbeat.Interval)
	}
	if cfg.Link.MaxRetries != 4 || cfg.Transfer.MaxSizeBytes != 1<<20 {
		t.Fatalf("unexpected link/transfer settings: %+v %+v", cfg.Link, cfg.Transfer)
	}
	if cfg.Events.URL != "nats://127.0.0.1:4222" {
		t.Fatalf("unexpected events url: %q", cfg.Events.URL)
	}

	def := hub.DefaultServiceConfig()
	if cfg.TimeSyncAddr != def.TimeSyncAddr || cfg.AdminAddr != def.AdminAddr {
		t.Fatalf("unset keys must keep defaults: %q %q", cfg.TimeSyncAddr, cfg.AdminAddr)
	}
	if cfg.Orchestrator.StartTimeout != def.Orchestrator.StartTimeout {
		t.Fatalf("unset start timeout changed: %s", cfg.Orchestrator.StartTimeout)
	}
}

func TestLoadHubMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadHub(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != hub.DefaultServiceConfig().ListenAddr {
		t.Fatalf("unexpected listen addr: %q", cfg.ListenAddr)
	}
}

func TestLoadHubRejectsBadValues(t *testing.T) {
	if _, err := LoadHub(writeConfig(t, `quorum = "most"`)); !errors.Is(err, hub.ErrInvalidQuorum) {
		t.Fatalf("expected ErrInvalidQuorum, got %v", err)
	}
	if _, err := LoadHub(writeConfig(t, `start_timeout = "soon"`)); err == nil {
		t.Fatalf("expected duration parse error")
	}
	if _, err := LoadHub(writeConfig(t, `security_mode = "production"`)); !errors.Is(err, link.ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	if _, err := LoadHub(writeConfig(t, `listen = "127.0.0.1:1"`)); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestLoadNodeDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
id = "node-b"
hub_addr = "10.0.0.5:7400"
session_root = "/data/sessions"
codec = "LZ4"
modules = [" marker ", ""]
policy = "quorum:1"
marker_interval = "250ms"
reconnect_max_attempts = 3
reconnect_jitter = true
sync_samples = 4
transfer_max_attempts = 7
`)
	cfg, err := LoadNode(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NodeID != "node-b" || cfg.HubAddr != "10.0.0.5:7400" {
		t.Fatalf("unexpected identity: %q %q", cfg.NodeID, cfg.HubAddr)
	}
	if cfg.SessionRoot != "/data/sessions" {
		t.Fatalf("unexpected session root: %q", cfg.SessionRoot)
	}
	if cfg.Codec != transfer.CodecLZ4 {
		t.Fatalf("unexpected codec: %q", cfg.Codec)
	}
	if len(cfg.Modules) != 1 || cfg.Modules[0] != node.ModuleMarker {
		t.Fatalf("unexpected modules: %v", cfg.Modules)
	}
	if cfg.Policy.Mode != capture.PolicyQuorum || cfg.Policy.Min != 1 {
		t.Fatalf("unexpected policy: %+v", cfg.Policy)
	}
	if cfg.MarkerInterval != 250*time.Millisecond {
		t.Fatalf("unexpected marker interval: %s", cfg.MarkerInterval)
	}
	if cfg.Manager.MaxAttempts != 3 || !cfg.Manager.Backoff.Jitter {
		t.Fatalf("unexpected manager config: %+v", cfg.Manager)
	}
	if cfg.Clock.SamplesPerWindow != 4 || cfg.Sender.MaxAttempts != 7 {
		t.Fatalf("unexpected clock/sender config: %+v %+v", cfg.Clock, cfg.Sender)
	}

	def := node.DefaultServiceConfig()
	if cfg.HeartbeatInterval != def.HeartbeatInterval || cfg.Clock.Interval != def.Clock.Interval {
		t.Fatalf("unset keys must keep defaults")
	}
}

func TestLoadNodeRejectsBadValues(t *testing.T) {
	if _, err := LoadNode(writeConfig(t, `codec = "rar"`)); !errors.Is(err, transfer.ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
	if _, err := LoadNode(writeConfig(t, `policy = "most"`)); !errors.Is(err, capture.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
	if _, err := LoadNode(writeConfig(t, `hub_addr = " "`)); !errors.Is(err, ErrHubAddrRequired) {
		t.Fatalf("expected ErrHubAddrRequired, got %v", err)
	}
	if _, err := LoadNode(writeConfig(t, `sync_interval = "often"`)); err == nil {
		t.Fatalf("expected duration parse error")
	}
	if _, err := LoadNode(writeConfig(t, `
security_mode = "production"
tls_enabled = true
`)); !errors.Is(err, link.ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestTemplatesRoundTripDefaults(t *testing.T) {
	dir := t.TempDir()

	hubPath := filepath.Join(dir, "hub.toml")
	if err := WriteTemplate(hubPath, KindHub, false); err != nil {
		t.Fatalf("write hub template: %v", err)
	}
	hubCfg, err := LoadHub(hubPath)
	if err != nil {
		t.Fatalf("load hub template: %v", err)
	}
	def := hub.DefaultServiceConfig()
	if hubCfg.ListenAddr != def.ListenAddr || hubCfg.Orchestrator.Quorum != def.Orchestrator.Quorum {
		t.Fatalf("hub template drifted from defaults: %+v", hubCfg)
	}
	if hubCfg.Heartbeat.Interval != def.Heartbeat.Interval {
		t.Fatalf("hub heartbeat drifted: %s", hubCfg.Heartbeat.Interval)
	}

	nodePath := filepath.Join(dir, "node.toml")
	if err := WriteTemplate(nodePath, "NODE", false); err != nil {
		t.Fatalf("write node template: %v", err)
	}
	nodeCfg, err := LoadNode(nodePath)
	if err != nil {
		t.Fatalf("load node template: %v", err)
	}
	ndef := node.DefaultServiceConfig()
	if nodeCfg.HubAddr != ndef.HubAddr || nodeCfg.Codec != ndef.Codec || nodeCfg.Policy != ndef.Policy {
		t.Fatalf("node template drifted from defaults: %+v", nodeCfg)
	}
	if nodeCfg.Clock.Interval != ndef.Clock.Interval || nodeCfg.Sender.WriteTimeout != ndef.Sender.WriteTimeout {
		t.Fatalf("node timings drifted: %+v %+v", nodeCfg.Clock, nodeCfg.Sender)
	}
}

func TestWriteTemplateRespectsOverwrite(t *testing.T) {
	path := writeConfig(t, "# keep\n")
	if err := WriteTemplate(path, KindNode, false); !errors.Is(err, ErrConfigExists) {
		t.Fatalf("expected ErrConfigExists, got %v", err)
	}
	if err := WriteTemplate(path, KindNode, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "hub_addr") {
		t.Fatalf("template not written: %q", data)
	}
	if _, err := Template("seed"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestExampleConfigsLoad(t *testing.T) {
	if err := Validate("../../cmd/hubctl/ex.config.toml", KindHub); err != nil {
		t.Fatalf("hub example: %v", err)
	}
	cfg, err := LoadNode("../../cmd/nodectl/ex.config.toml")
	if err != nil {
		t.Fatalf("node example: %v", err)
	}
	if _, err := node.NewService(cfg); err != nil {
		t.Fatalf("node example builds a node: %v", err)
	}
	if cfg.Clock.ResyncRTTThreshold != 25*time.Millisecond || cfg.Clock.ResyncCooldown != 2*time.Minute {
		t.Fatalf("resync keys: %+v", cfg.Clock)
	}
	if !cfg.Discovery.Enabled || cfg.Discovery.Service != "_capturectl._tcp" || cfg.Discovery.Timeout != 5*time.Second {
		t.Fatalf("discovery keys: %+v", cfg.Discovery)
	}
	hubCfg, err := LoadHub("../../cmd/hubctl/ex.config.toml")
	if err != nil {
		t.Fatalf("hub example: %v", err)
	}
	if !hubCfg.Discovery.Enabled || hubCfg.Discovery.Service != "_capturectl._tcp" {
		t.Fatalf("hub discovery keys: %+v", hubCfg.Discovery)
	}
}

func TestLoadNodeDiscoveryAllowsEmptyHubAddr(t *testing.T) {
	cfg, err := LoadNode(writeConfig(t, `
hub_addr = ""
discover_hub = true
discover_timeout = "2s"
sync_resync_rtt_threshold = "0s"
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HubAddr != "" || !cfg.Discovery.Enabled || cfg.Discovery.Timeout != 2*time.Second {
		t.Fatalf("unexpected discovery config: %q %+v", cfg.HubAddr, cfg.Discovery)
	}
	if cfg.Clock.ResyncRTTThreshold != 0 {
		t.Fatalf("zero threshold should disable early re-sync, got %v", cfg.Clock.ResyncRTTThreshold)
	}
}
