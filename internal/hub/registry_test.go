package hub

import (
	"context"
	"testing"

	"github.com/danmuck/capturectl/internal/link"
	"github.com/danmuck/capturectl/internal/protocol"
	"github.com/danmuck/capturectl/internal/testutil/testlog"
)

type closingConn struct {
	closed bool
}

func (c *closingConn) Command(context.Context, string, any) (protocol.Envelope, error) {
	return protocol.Envelope{}, nil
}

func (c *closingConn) Close() error {
	c.closed = true
	return nil
}

func TestRegistryReplacesStaleChannel(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	old, fresh := &closingConn{}, &closingConn{}
	if _, err := r.Register(link.Hello{NodeID: "n1"}, "a:1", old); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(link.Hello{NodeID: "n1"}, "a:2", fresh); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if !old.closed || fresh.closed {
		t.Fatalf("old closed=%v fresh closed=%v", old.closed, fresh.closed)
	}
	if r.Disconnect("n1", old) {
		t.Fatalf("stale channel must not disconnect the replacement")
	}
	if cmd, ok := r.Commander("n1"); !ok || cmd != fresh {
		t.Fatalf("commander should be the replacement")
	}
	if rec, _ := r.Get("n1"); !rec.Connected || rec.RemoteAddr != "a:2" {
		t.Fatalf("record %+v", rec)
	}
}

func TestRegistryUnreachableLeavesReadyUntilHeartbeat(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	c1, c2 := &closingConn{}, &closingConn{}
	_, _ = r.Register(link.Hello{NodeID: "n1"}, "", c1)
	_, _ = r.Register(link.Hello{NodeID: "n2"}, "", c2)

	r.MarkUnreachable("n1", &closingConn{})
	if ready := r.Ready(); len(ready) != 2 {
		t.Fatalf("mark through a foreign channel must be ignored, ready=%v", ready)
	}
	r.MarkUnreachable("n1", c1)
	if ready := r.Ready(); len(ready) != 1 || ready[0] != "n2" {
		t.Fatalf("ready=%v", ready)
	}
	if rec, _ := r.Get("n1"); !rec.Unreachable || !rec.Connected {
		t.Fatalf("record %+v", rec)
	}

	r.ObserveHeartbeat("n1", protocol.HeartbeatPayload{Seq: 1})
	if ready := r.Ready(); len(ready) != 2 {
		t.Fatalf("heartbeat should restore n1, ready=%v", ready)
	}

	r.MarkUnreachable("n2", c2)
	_, _ = r.Register(link.Hello{NodeID: "n2"}, "", &closingConn{})
	if rec, _ := r.Get("n2"); rec.Unreachable {
		t.Fatalf("registration should clear unreachable")
	}
}
