package clock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ProbeByte is the request datagram body.
const ProbeByte = 0x01

var (
	ErrProbeTimeout = errors.New("clock: probe timeout")
	ErrBadReply     = errors.New("clock: malformed probe reply")
)

// Prober performs one round trip against the reference clock.
type Prober interface {
	Probe(ctx context.Context) (Sample, error)
}

// UDPProber speaks the time-sync datagram format. Each probe uses a fresh
// socket so a late reply to an earlier probe is never mistaken for the
// current one.
type UDPProber struct {
	Addr    string
	Timeout time.Duration
}

func (p UDPProber) Probe(ctx context.Context) (Sample, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().ProbeTimeout
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", p.Addr)
	if err != nil {
		return Sample{}, err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	buf := make([]byte, 64)
	t1 := Monotonic()
	if _, err := conn.Write([]byte{ProbeByte}); err != nil {
		return Sample{}, err
	}
	n, err := conn.Read(buf)
	t2 := Monotonic()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return Sample{}, ErrProbeTimeout
		}
		return Sample{}, err
	}
	remote, err := strconv.ParseInt(strings.TrimSpace(string(buf[:n])), 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %q", ErrBadReply, buf[:n])
	}
	return Sample{T1: t1, Remote: remote, T2: t2}, nil
}
