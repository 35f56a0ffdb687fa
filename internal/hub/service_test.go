package hub

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/capturectl/internal/link"
	"github.com/danmuck/capturectl/internal/protocol"
	"github.com/danmuck/capturectl/internal/testutil/testlog"
	"github.com/danmuck/capturectl/internal/transfer"
)

func startTestHub(t *testing.T) *Service {
	t.Helper()
	cfg := DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.TransferAddr = "127.0.0.1:0"
	cfg.TimeSyncAddr = "127.0.0.1:0"
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.SessionRoot = t.TempDir()
	cfg.Link.AckTimeout = 500 * time.Millisecond
	cfg.Orchestrator.StartTimeout = 2 * time.Second
	cfg.Orchestrator.StopTimeout = 2 * time.Second
	svc := NewService(cfg)
	if err := svc.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Errorf("hub did not stop")
		}
	})
	return svc
}

// testNodeHandler answers the hub like a node with two modules.
func testNodeHandler(nodeID string) link.Handler {
	return link.HandlerFuncs{
		Command: func(ctx context.Context, p *link.Peer, cmd protocol.Envelope) protocol.Envelope {
			var reply any
			switch cmd.Command {
			case protocol.CmdQueryCapabilities:
				reply = protocol.Capabilities{NodeID: nodeID, Modules: []string{"imu", "marker"}}
			case protocol.CmdStartRecording:
				var req protocol.StartRecordingPayload
				_ = cmd.DecodePayload(&req)
				reply = protocol.RecordingReply{SessionID: req.SessionID, State: "recording", Modules: []string{"imu", "marker"}}
			case protocol.CmdStopRecording:
				reply = protocol.RecordingReply{State: "idle"}
			}
			ack, _ := protocol.AckFor(cmd, reply)
			return ack
		},
	}
}

func connectNode(t *testing.T, svc *Service, nodeID string) (*link.Peer, link.HelloAck) {
	t.Helper()
	client := link.NewClient(svc.ChannelAddr(), link.Config{AckTimeout: 500 * time.Millisecond}, func() link.Hello {
		return link.Hello{NodeID: nodeID, Modules: []string{"marker"}}
	}, testNodeHandler(nodeID))
	peer, ack, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect %s: %v", nodeID, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = peer.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return peer, ack
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServiceRegistersNodeAndTracksHeartbeats(t *testing.T) {
	testlog.Start(t)
	svc := startTestHub(t)
	peer, ack := connectNode(t, svc, "n1")

	if ack.TransferAddr != svc.TransferAddr() || ack.TimeSyncAddr != svc.TimeSyncAddr() {
		t.Fatalf("advertised endpoints %q %q, want %q %q", ack.TransferAddr, ack.TimeSyncAddr, svc.TransferAddr(), svc.TimeSyncAddr())
	}
	waitFor(t, "capabilities", func() bool {
		rec, ok := svc.Registry().Get("n1")
		return ok && len(rec.Modules) == 2
	})
	if ready := svc.Registry().Ready(); len(ready) != 1 || ready[0] != "n1" {
		t.Fatalf("ready=%v", ready)
	}

	ctx := context.Background()
	if _, err := peer.Command(ctx, protocol.CmdHeartbeat, protocol.HeartbeatPayload{Seq: 1, OffsetNS: 42, Recording: false}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := peer.Command(ctx, protocol.CmdHeartbeat, protocol.HeartbeatPayload{Seq: 1, OffsetNS: 99}); err != nil {
		t.Fatalf("duplicate heartbeat must still be acked: %v", err)
	}
	rec, _ := svc.Registry().Get("n1")
	if rec.LastSeq != 1 || rec.OffsetNS != 42 || rec.LastHeartbeat == nil {
		t.Fatalf("heartbeat state %+v", rec)
	}
	if _, err := peer.Command(ctx, "reboot", nil); !errors.Is(err, link.ErrCommandFailed) {
		t.Fatalf("unknown command should fail, got %v", err)
	}

	// A reconnect that lands while the hub still holds the old channel
	// replaces it.
	replacement, _ := connectNode(t, svc, "n1")
	select {
	case <-peer.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("stale channel was not closed")
	}
	if rec, _ := svc.Registry().Get("n1"); !rec.Connected {
		t.Fatalf("closing the stale channel must not disconnect the node: %+v", rec)
	}
	if _, err := replacement.Command(ctx, protocol.CmdHeartbeat, protocol.HeartbeatPayload{Seq: 2}); err != nil {
		t.Fatalf("heartbeat on replacement: %v", err)
	}

	_ = replacement.Close()
	waitFor(t, "disconnect", func() bool {
		rec, _ := svc.Registry().Get("n1")
		return !rec.Connected
	})
	connectNode(t, svc, "n1")
	if rec, _ := svc.Registry().Get("n1"); !rec.Connected {
		t.Fatalf("node should re-register after disconnect")
	}
}

func TestServiceSessionOverAdminThroughArchive(t *testing.T) {
	testlog.Start(t)
	svc := startTestHub(t)
	connectNode(t, svc, "n1")
	admin := NewAdminClient(svc.AdminAddr(), 5*time.Second)
	ctx := context.Background()

	var status HubStatus
	if err := admin.Do(ctx, AdminRequest{Action: ActionStatus}, &status); err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.NodesConnected != 1 || status.Quorum != "all" {
		t.Fatalf("status %+v", status)
	}

	var rec SessionRecord
	if err := admin.Do(ctx, AdminRequest{Action: ActionStartSession, SessionID: "s1"}, &rec); err != nil {
		t.Fatalf("start_session: %v", err)
	}
	if rec.State != SessionRecording {
		t.Fatalf("start record %+v", rec)
	}
	if err := admin.Do(ctx, AdminRequest{Action: ActionStartSession, SessionID: "s2"}, nil); !errors.Is(err, ErrAdminFailed) {
		t.Fatalf("second start should fail, got %v", err)
	}
	if err := admin.Do(ctx, AdminRequest{Action: ActionStopSession}, &rec); err != nil {
		t.Fatalf("stop_session: %v", err)
	}
	if rec.State != SessionCollecting {
		t.Fatalf("stop record %+v", rec)
	}

	src := filepath.Join(t.TempDir(), "s1")
	if err := os.MkdirAll(filepath.Join(src, "marker"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "marker", "markers.csv"), []byte("seq,kind,sync_ns,local_ns\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	archive, err := transfer.Pack(ctx, src, t.TempDir(), transfer.ArchiveName("s1", "n1", transfer.CodecZstd), transfer.CodecZstd)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	sender := transfer.NewSender(transfer.SenderConfig{MaxAttempts: 1})
	if _, err := sender.Send(ctx, svc.TransferAddr(), archive, "s1", "n1"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "archived session", func() bool {
		rec, ok := svc.Orchestrator().Session("s1")
		return ok && rec.State == SessionArchived
	})
	manifest, err := transfer.ReadManifest(filepath.Join(svc.SessionRoot(), "s1"))
	if err != nil || len(manifest.Files) != 1 || manifest.Files[0].NodeID != "n1" {
		t.Fatalf("manifest %+v err=%v", manifest, err)
	}

	if err := admin.Do(ctx, AdminRequest{Action: ActionSession, SessionID: "s1"}, &rec); err != nil || rec.State != SessionArchived {
		t.Fatalf("session lookup %+v err=%v", rec, err)
	}
	if err := admin.Do(ctx, AdminRequest{Action: "explode"}, nil); !errors.Is(err, ErrAdminFailed) {
		t.Fatalf("unknown action: %v", err)
	}
}

func TestServiceExposesMetrics(t *testing.T) {
	testlog.Start(t)
	svc := startTestHub(t)
	connectNode(t, svc, "n1")
	resp, err := http.Get("http://" + svc.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "capturectl_hub_nodes_connected") {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
}
