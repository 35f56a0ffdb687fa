package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/capturectl/internal/capture"
	"github.com/danmuck/capturectl/internal/capture/marker"
	"github.com/danmuck/capturectl/internal/hub"
	"github.com/danmuck/capturectl/internal/link"
	"github.com/danmuck/capturectl/internal/protocol"
	"github.com/danmuck/capturectl/internal/testutil/testlog"
	"github.com/danmuck/capturectl/internal/transfer"
)

func startTestHub(t *testing.T) *hub.Service {
	t.Helper()
	cfg := hub.DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.TransferAddr = "127.0.0.1:0"
	cfg.TimeSyncAddr = "127.0.0.1:0"
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.SessionRoot = t.TempDir()
	cfg.Link.AckTimeout = 500 * time.Millisecond
	cfg.Orchestrator.StartTimeout = 2 * time.Second
	cfg.Orchestrator.StopTimeout = 2 * time.Second
	svc := hub.NewService(cfg)
	if err := svc.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Errorf("hub did not stop")
		}
	})
	return svc
}

func testConfig(t *testing.T, nodeID, hubAddr string) ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.NodeID = nodeID
	cfg.HubAddr = hubAddr
	cfg.SessionRoot = t.TempDir()
	cfg.MarkerInterval = 20 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.Link.AckTimeout = 500 * time.Millisecond
	cfg.Clock.SamplesPerWindow = 2
	cfg.Clock.ProbeTimeout = 100 * time.Millisecond
	cfg.Sender.MaxAttempts = 2
	cfg.Sender.Backoff = link.BackoffConfig{InitialDelay: 20 * time.Millisecond, Multiplier: 2, MaxDelay: 100 * time.Millisecond}
	return cfg
}

func startTestNode(t *testing.T, cfg ServiceConfig) *Service {
	t.Helper()
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := svc.Close(ctx); err != nil {
			t.Errorf("close node: %v", err)
		}
	})
	return svc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNodeRecordsAndDeliversSession(t *testing.T) {
	testlog.Start(t)
	h := startTestHub(t)
	n := startTestNode(t, testConfig(t, "n1", h.ChannelAddr()))

	waitFor(t, "registration", func() bool {
		rec, ok := h.Registry().Get("n1")
		return ok && rec.Connected && len(rec.Modules) == 1 && rec.Modules[0] == ModuleMarker
	})
	waitFor(t, "heartbeat", func() bool {
		rec, _ := h.Registry().Get("n1")
		return rec.LastSeq > 0
	})

	orch := h.Orchestrator()
	rec, err := orch.Start(context.Background(), "s1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.State != hub.SessionRecording {
		t.Fatalf("session state=%s", rec.State)
	}
	if p, ok := rec.Participant("n1"); !ok || p.State != hub.NodeRecording || len(p.Modules) != 1 {
		t.Fatalf("participant=%+v ok=%v", p, ok)
	}
	if got := n.Manager().Session(); got.ID != "s1" || !got.WasRecording {
		t.Fatalf("link session context=%+v", got)
	}

	markers := filepath.Join(n.Controller().SessionDir("s1"), ModuleMarker, marker.FileName)
	waitFor(t, "marker rows", func() bool {
		info, err := os.Stat(markers)
		return err == nil && info.Size() > 0
	})

	flashes, err := orch.FlashSync(context.Background())
	if err != nil || len(flashes) != 1 || len(flashes[0].Modules) != 1 {
		t.Fatalf("flash=%+v err=%v", flashes, err)
	}

	if _, err := orch.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "archived session", func() bool {
		rec, ok := orch.Session("s1")
		return ok && rec.State == hub.SessionArchived
	})

	m, err := transfer.ReadManifest(filepath.Join(h.SessionRoot(), "s1"))
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if nodes := m.Nodes(); len(nodes) != 1 || nodes[0] != "n1" {
		t.Fatalf("manifest nodes=%v", nodes)
	}
	waitFor(t, "outbox cleanup", func() bool { return len(n.PendingTransfers()) == 0 })
	archive := filepath.Join(n.Config().OutboxDir, transfer.ArchiveName("s1", "n1", n.Config().Codec))
	if _, err := os.Stat(archive); !os.IsNotExist(err) {
		t.Fatalf("delivered archive should be removed, stat err=%v", err)
	}
}

func TestNodeRepliesToTimeSync(t *testing.T) {
	testlog.Start(t)
	h := startTestHub(t)
	n := startTestNode(t, testConfig(t, "n1", h.ChannelAddr()))
	waitFor(t, "first clock window", func() bool {
		rec, ok := h.Registry().Get("n1")
		return ok && rec.Connected && n.Estimator().Current().Valid
	})

	results, err := h.Orchestrator().TimeSync(context.Background())
	if err != nil {
		t.Fatalf("time sync: %v", err)
	}
	if len(results) != 1 || results[0].Reply == nil || results[0].Reply.Samples == 0 {
		t.Fatalf("results=%+v", results)
	}
}

func newIdleNode(t *testing.T) *Service {
	t.Helper()
	cfg := testConfig(t, "n1", "127.0.0.1:1")
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() { _ = svc.ctrl.Close(context.Background()) })
	return svc
}

func command(t *testing.T, name string, payload any) protocol.Envelope {
	t.Helper()
	cmd, err := protocol.NewCommand(name, payload)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	return cmd
}

func TestHandlerStartIsIdempotentAndDiscardSkipsTransfer(t *testing.T) {
	testlog.Start(t)
	n := newIdleNode(t)
	h := &hubHandler{svc: n}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ack := h.HandleCommand(ctx, nil, command(t, protocol.CmdStartRecording, protocol.StartRecordingPayload{SessionID: "s1"}))
		if !ack.OK() {
			t.Fatalf("start %d: %s", i, ack.Error)
		}
		var reply protocol.RecordingReply
		if err := ack.DecodePayload(&reply); err != nil || reply.SessionID != "s1" || len(reply.Modules) != 1 {
			t.Fatalf("reply=%+v err=%v", reply, err)
		}
	}
	other := h.HandleCommand(ctx, nil, command(t, protocol.CmdStartRecording, protocol.StartRecordingPayload{SessionID: "s2"}))
	if other.OK() || other.Code != link.CodeHandlerFailed {
		t.Fatalf("second session must be refused, got %+v", other)
	}

	mismatch := h.HandleCommand(ctx, nil, command(t, protocol.CmdStopRecording, protocol.StopRecordingPayload{SessionID: "s2"}))
	if mismatch.OK() {
		t.Fatalf("stop for another session must fail")
	}

	ack := h.HandleCommand(ctx, nil, command(t, protocol.CmdStopRecording, protocol.StopRecordingPayload{SessionID: "s1", Discard: true}))
	if !ack.OK() {
		t.Fatalf("discard stop: %s", ack.Error)
	}
	if n.ctrl.State() != capture.StateIdle {
		t.Fatalf("controller state=%s", n.ctrl.State())
	}
	if got := n.manager.Session(); got.ID != "" {
		t.Fatalf("discard must clear the session context, got %+v", got)
	}
	if pending := n.PendingTransfers(); len(pending) != 0 {
		t.Fatalf("discard must not schedule a transfer, pending=%v", pending)
	}
	if _, err := os.Stat(filepath.Join(n.ctrl.SessionDir("s1"), capture.MetadataFile)); err != nil {
		t.Fatalf("discarded data must stay on disk: %v", err)
	}

	again := h.HandleCommand(ctx, nil, command(t, protocol.CmdStopRecording, protocol.StopRecordingPayload{SessionID: "s1"}))
	if !again.OK() {
		t.Fatalf("repeated stop should report the finished session: %s", again.Error)
	}
}

func TestHandlerRejectsUnknownCommandsAndBadPayloads(t *testing.T) {
	testlog.Start(t)
	h := &hubHandler{svc: newIdleNode(t)}
	ctx := context.Background()

	if ack := h.HandleCommand(ctx, nil, command(t, "reboot", nil)); ack.Code != link.CodeUnknownCommand {
		t.Fatalf("unknown command ack=%+v", ack)
	}
	bad := command(t, protocol.CmdStartRecording, nil)
	bad.Payload = []byte(`"nope"`)
	if ack := h.HandleCommand(ctx, nil, bad); ack.Code != link.CodeInvalidPayload {
		t.Fatalf("bad payload ack=%+v", ack)
	}
	if ack := h.HandleCommand(ctx, nil, command(t, protocol.CmdFlashSync, protocol.FlashSyncPayload{})); ack.OK() {
		t.Fatalf("flash while idle must fail")
	}

	ack := h.HandleCommand(ctx, nil, command(t, protocol.CmdQueryCapabilities, nil))
	var caps protocol.Capabilities
	if err := ack.DecodePayload(&caps); err != nil || caps.NodeID != "n1" || len(caps.Modules) != 1 {
		t.Fatalf("caps=%+v err=%v", caps, err)
	}
}

func TestRejoinStopEndsRecordingAndQueuesTransfer(t *testing.T) {
	testlog.Start(t)
	n := newIdleNode(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n.ctx = ctx

	if _, err := n.ctrl.StartSession(context.Background(), "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	n.applyRejoin(protocol.RejoinDecision{SessionID: "s1", Action: protocol.RejoinResume})
	if n.ctrl.State() != capture.StateRecording {
		t.Fatalf("resume must keep recording")
	}

	n.applyRejoin(protocol.RejoinDecision{SessionID: "s1", Action: protocol.RejoinStop})
	waitFor(t, "local stop", func() bool { return n.ctrl.State() == capture.StateIdle })
	// The manager never connected, so the upload stays queued for retry.
	waitFor(t, "queued transfer", func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		running, ok := n.pending["s1"]
		return ok && !running
	})
	archive := filepath.Join(n.cfg.OutboxDir, transfer.ArchiveName("s1", "n1", n.cfg.Codec))
	if _, err := os.Stat(archive); err != nil {
		t.Fatalf("packed archive should wait in the outbox: %v", err)
	}
}

func TestNewServiceValidatesConfig(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t, "n1", "127.0.0.1:1")
	cfg.Modules = []string{"lidar"}
	if _, err := NewService(cfg); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("expected ErrUnknownModule, got %v", err)
	}
	cfg = testConfig(t, "../n1", "127.0.0.1:1")
	if _, err := NewService(cfg); !errors.Is(err, protocol.ErrUnsafeID) {
		t.Fatalf("expected ErrUnsafeID, got %v", err)
	}
	cfg = testConfig(t, "n1", "127.0.0.1:1")
	cfg.Codec = "rar"
	if _, err := NewService(cfg); !errors.Is(err, transfer.ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
	cfg = testConfig(t, "n1", "127.0.0.1:1")
	cfg.OutboxDir = ""
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if want := filepath.Join(cfg.SessionRoot, ".outbox"); svc.Config().OutboxDir != want {
		t.Fatalf("outbox=%q want %q", svc.Config().OutboxDir, want)
	}
}
