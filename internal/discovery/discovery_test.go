package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/capturectl/internal/testutil/testlog"
	"github.com/grandcat/zeroconf"
)

func entry(instance string, port int, text []string, v4 ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, DefaultService, DefaultDomain)
	e.Port = port
	e.Text = text
	for _, ip := range v4 {
		e.AddrIPv4 = append(e.AddrIPv4, net.ParseIP(ip))
	}
	return e
}

func scripted(found ...*zeroconf.ServiceEntry) BrowseFunc {
	return func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		go func() {
			for _, e := range found {
				select {
				case entries <- e:
				case <-ctx.Done():
					return
				}
			}
		}()
		return nil
	}
}

func TestLookupSkipsNonHubRecords(t *testing.T) {
	testlog.Start(t)
	r := NewResolver(Config{Timeout: time.Second}).WithBrowse(scripted(
		entry("printer", 631, nil, "10.0.0.9"),
		entry("hub-noport", 0, []string{txtRole}, "10.0.0.2"),
		entry("hub", 7400, []string{txtRole, "version=1"}, "10.0.0.5"),
	))
	addr, err := r.Lookup(context.Background())
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if addr != "10.0.0.5:7400" {
		t.Fatalf("addr=%q", addr)
	}
}

func TestLookupFallsBackToHostName(t *testing.T) {
	testlog.Start(t)
	e := entry("hub", 7400, []string{txtRole})
	e.HostName = "hub.local."
	r := NewResolver(Config{Timeout: time.Second}).WithBrowse(scripted(e))
	addr, err := r.Lookup(context.Background())
	if err != nil || addr != "hub.local:7400" {
		t.Fatalf("addr=%q err=%v", addr, err)
	}
}

func TestLookupTimesOutWithoutHub(t *testing.T) {
	testlog.Start(t)
	r := NewResolver(Config{Timeout: 50 * time.Millisecond}).WithBrowse(scripted())
	began := time.Now()
	if _, err := r.Lookup(context.Background()); !errors.Is(err, ErrNoHub) {
		t.Fatalf("expected ErrNoHub, got %v", err)
	}
	if elapsed := time.Since(began); elapsed > time.Second {
		t.Fatalf("lookup ran %v past its timeout", elapsed)
	}
}

func TestLookupReportsBrowseFailure(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("no multicast interface")
	r := NewResolver(Config{}).WithBrowse(func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
		return boom
	})
	if _, err := r.Lookup(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected browse error, got %v", err)
	}
}

func TestAdvertisePublishesChannelPort(t *testing.T) {
	testlog.Start(t)
	var gotPort int
	var gotText []string
	var gotService string
	register := func(instance, service, domain string, port int, text []string, _ []net.Interface) (*zeroconf.Server, error) {
		gotService, gotPort, gotText = service, port, text
		return nil, nil
	}
	a, err := advertiseWith(register, Config{}, "[::]:7400", "version=1")
	if err != nil {
		t.Fatalf("advertise: %v", err)
	}
	a.Shutdown()
	if gotService != DefaultService || gotPort != 7400 {
		t.Fatalf("service=%q port=%d", gotService, gotPort)
	}
	if !isHub(gotText) || len(gotText) != 2 {
		t.Fatalf("text=%v", gotText)
	}
	if _, err := advertiseWith(register, Config{}, "no-port"); !errors.Is(err, ErrInvalidAddr) {
		t.Fatalf("expected ErrInvalidAddr, got %v", err)
	}
}
