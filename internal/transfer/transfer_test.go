package transfer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/capturectl/internal/link"
	"github.com/danmuck/capturectl/internal/testutil/testlog"
)

func writeSession(t *testing.T, root, sessionID string) string {
	t.Helper()
	dir := filepath.Join(root, sessionID)
	files := map[string]string{
		"metadata.json":      `{"session_id":"` + sessionID + `"}`,
		"marker/markers.csv": strings.Repeat("1,tick,100,200\n", 500),
		"camera/frames.bin":  strings.Repeat("\x00\x01\x02\x03", 4096),
	}
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func packTestArchive(t *testing.T, c Codec) Archive {
	t.Helper()
	src := writeSession(t, t.TempDir(), "s-1")
	a, err := Pack(context.Background(), src, t.TempDir(), ArchiveName("s-1", "node-a", c), c)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return a
}

func TestPackUnpackEveryCodec(t *testing.T) {
	testlog.Start(t)
	for _, c := range []Codec{CodecZstd, CodecLZ4, CodecGzip} {
		a := packTestArchive(t, c)
		if a.Filename != "s-1_node-a.tar."+c.Ext() || a.Files != 3 || a.SizeBytes <= 0 {
			t.Fatalf("%s archive: %+v", c, a)
		}
		dest := t.TempDir()
		files, err := Unpack(a.Path, dest)
		if err != nil {
			t.Fatalf("%s unpack: %v", c, err)
		}
		if len(files) != 3 {
			t.Fatalf("%s files=%v", c, files)
		}
		got, err := os.ReadFile(filepath.Join(dest, "s-1", "marker", "markers.csv"))
		if err != nil || !bytes.HasPrefix(got, []byte("1,tick,100,200\n")) {
			t.Fatalf("%s content mismatch: %v", c, err)
		}
	}
}

type trackedCompressor struct {
	io.WriteCloser
	closed *int
}

func (c trackedCompressor) Close() error {
	*c.closed++
	return c.WriteCloser.Close()
}

func TestPackFailureClosesCompressor(t *testing.T) {
	testlog.Start(t)
	closed := 0
	orig := newCompressor
	newCompressor = func(w io.Writer, c Codec) (io.WriteCloser, error) {
		zw, err := orig(w, c)
		return trackedCompressor{WriteCloser: zw, closed: &closed}, err
	}
	t.Cleanup(func() { newCompressor = orig })

	src := writeSession(t, t.TempDir(), "s-1")
	out := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Pack(ctx, src, out, "s-1_node-a.tar.zst", CodecZstd); !errors.Is(err, ErrArchive) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled pack, got %v", err)
	}
	if closed != 1 {
		t.Fatalf("compressor closed %d times", closed)
	}
	if entries, _ := os.ReadDir(out); len(entries) != 0 {
		t.Fatalf("failed pack left %d files behind", len(entries))
	}
}

func TestParseCodec(t *testing.T) {
	testlog.Start(t)
	if c, err := ParseCodec(""); err != nil || c != CodecZstd {
		t.Fatalf("default codec=%q err=%v", c, err)
	}
	if _, err := ParseCodec("brotli"); !errors.Is(err, ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
}

func startReceiver(t *testing.T, root string) *Receiver {
	t.Helper()
	r := NewReceiver(ReceiverConfig{Root: root, IdleTimeout: time.Second})
	if err := r.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

type outcomes struct {
	mu       sync.Mutex
	accepted []Accepted
	rejected []error
	signal   chan struct{}
}

func watch(r *Receiver) *outcomes {
	o := &outcomes{signal: make(chan struct{}, 16)}
	r.OnAccept(func(a Accepted) {
		o.mu.Lock()
		o.accepted = append(o.accepted, a)
		o.mu.Unlock()
		o.signal <- struct{}{}
	})
	r.OnReject(func(_ Header, err error) {
		o.mu.Lock()
		o.rejected = append(o.rejected, err)
		o.mu.Unlock()
		o.signal <- struct{}{}
	})
	return o
}

func (o *outcomes) wait(t *testing.T) {
	t.Helper()
	select {
	case <-o.signal:
	case <-time.After(3 * time.Second):
		t.Fatalf("receiver produced no outcome")
	}
}

// sendRaw writes the header and the first n bytes of the archive, then closes.
func sendRaw(t *testing.T, addr string, hdr Header, body []byte) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := WriteHeader(conn, hdr); err != nil {
		t.Fatalf("header: %v", err)
	}
	if _, err := conn.Write(body); err != nil {
		t.Fatalf("body: %v", err)
	}
}

func incomingEmpty(t *testing.T, root string) bool {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(root, incomingDir))
	if err != nil {
		return os.IsNotExist(err)
	}
	return len(entries) == 0
}

func TestInterruptedTransferDiscardedThenRetrySucceeds(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	r := startReceiver(t, root)
	o := watch(r)
	a := packTestArchive(t, CodecZstd)
	body, err := os.ReadFile(a.Path)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	hdr := Header{SessionID: "s-1", DeviceID: "node-a", Filename: a.Filename, SizeBytes: a.SizeBytes}

	sendRaw(t, r.Addr(), hdr, body[:len(body)/2])
	o.wait(t)
	o.mu.Lock()
	if len(o.rejected) != 1 || !errors.Is(o.rejected[0], ErrTruncated) {
		t.Fatalf("expected truncation, got %v", o.rejected)
	}
	o.mu.Unlock()
	if _, err := os.Stat(filepath.Join(root, "s-1", "node-a", a.Filename)); !os.IsNotExist(err) {
		t.Fatalf("partial archive must not be merged: %v", err)
	}
	if !incomingEmpty(t, root) {
		t.Fatalf("temp file left behind")
	}

	res, err := NewSender(SenderConfig{}).Send(context.Background(), r.Addr(), a, "s-1", "node-a")
	if err != nil || res.Attempts != 1 {
		t.Fatalf("send: attempts=%d err=%v", res.Attempts, err)
	}
	o.wait(t)
	got, err := os.ReadFile(filepath.Join(root, "s-1", "node-a", a.Filename))
	if err != nil || !bytes.Equal(got, body) {
		t.Fatalf("merged archive differs: %v", err)
	}
	m, err := ReadManifest(filepath.Join(root, "s-1"))
	if err != nil || len(m.Files) != 1 || m.Files[0].SizeBytes != a.SizeBytes || m.Files[0].SHA256 == "" {
		t.Fatalf("manifest=%+v err=%v", m, err)
	}
	if nodes := m.Nodes(); len(nodes) != 1 || nodes[0] != "node-a" {
		t.Fatalf("manifest nodes=%v", nodes)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	r := startReceiver(t, root)
	o := watch(r)
	hdr := Header{SessionID: "s-1", DeviceID: "node-a", Filename: "s-1_node-a.tar.zst", SizeBytes: 10}
	sendRaw(t, r.Addr(), hdr, bytes.Repeat([]byte{7}, 11))
	o.wait(t)
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.rejected) != 1 || !errors.Is(o.rejected[0], ErrSizeMismatch) {
		t.Fatalf("expected size mismatch, got %v", o.rejected)
	}
	if !incomingEmpty(t, root) {
		t.Fatalf("temp file left behind")
	}
}

func TestExactSizeAccepted(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	r := startReceiver(t, root)
	o := watch(r)
	hdr := Header{SessionID: "s-2", DeviceID: "node-b", Filename: "s-2_node-b.tar.gz", SizeBytes: 10}
	sendRaw(t, r.Addr(), hdr, bytes.Repeat([]byte{7}, 10))
	o.wait(t)
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.accepted) != 1 || o.accepted[0].SizeBytes != 10 {
		t.Fatalf("expected acceptance, got accepted=%v rejected=%v", o.accepted, o.rejected)
	}
}

func TestHeaderGuard(t *testing.T) {
	testlog.Start(t)
	big := strings.Repeat("x", 2048) + "\n"
	if _, err := ReadHeader(bufio.NewReaderSize(strings.NewReader(big), 16), 1024); !errors.Is(err, ErrHeaderTooLarge) {
		t.Fatalf("expected ErrHeaderTooLarge, got %v", err)
	}
	bad := `{"session_id":"../x","device_id":"n","filename":"f","size_bytes":1}` + "\n"
	if _, err := ReadHeader(bufio.NewReader(strings.NewReader(bad)), 0); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("expected ErrInvalidHeader, got %v", err)
	}
	if _, err := ReadHeader(bufio.NewReader(strings.NewReader(`{"session_id":"s"`)), 0); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("expected ErrInvalidHeader for unterminated header, got %v", err)
	}
}

// cutConn fails after limit bytes, simulating a dropped link mid-transfer.
type cutConn struct {
	net.Conn
	limit int
	sent  int
}

func (c *cutConn) Write(p []byte) (int, error) {
	if c.sent+len(p) > c.limit {
		n := c.limit - c.sent
		if n > 0 {
			c.Conn.Write(p[:n])
		}
		c.sent = c.limit
		c.Conn.Close()
		return n, net.ErrClosed
	}
	c.sent += len(p)
	return c.Conn.Write(p)
}

func TestSenderRetriesFromByteZero(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	r := startReceiver(t, root)
	o := watch(r)
	a := packTestArchive(t, CodecLZ4)

	var mu sync.Mutex
	dials := 0
	s := NewSender(SenderConfig{
		MaxAttempts: 3,
		Backoff:     link.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond},
	}).WithDial(func(ctx context.Context, addr string) (net.Conn, error) {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return &cutConn{Conn: conn, limit: int(a.SizeBytes / 2)}, nil
		}
		return conn, nil
	})

	res, err := s.Send(context.Background(), r.Addr(), a, "s-1", "node-a")
	if err != nil || res.Attempts != 2 {
		t.Fatalf("send: attempts=%d err=%v", res.Attempts, err)
	}
	o.wait(t)
	o.wait(t)
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.rejected) != 1 || len(o.accepted) != 1 {
		t.Fatalf("accepted=%d rejected=%d", len(o.accepted), len(o.rejected))
	}
}

func TestSenderGivesUp(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	a := packTestArchive(t, CodecGzip)
	s := NewSender(SenderConfig{
		MaxAttempts: 2,
		DialTimeout: 100 * time.Millisecond,
		Backoff:     link.BackoffConfig{InitialDelay: 5 * time.Millisecond},
	})
	res, err := s.Send(context.Background(), addr, a, "s-1", "node-a")
	if !errors.Is(err, ErrTransferFailed) || res.Attempts != 2 {
		t.Fatalf("expected ErrTransferFailed after 2 attempts, got attempts=%d err=%v", res.Attempts, err)
	}
}

// fakeReceiver drains each transfer completely, then answers with reply.
func fakeReceiver(t *testing.T, reply string) (string, func() int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	var mu sync.Mutex
	full := 0
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			br := bufio.NewReader(conn)
			hdr, err := ReadHeader(br, 0)
			if err == nil {
				if n, _ := io.CopyN(io.Discard, br, hdr.SizeBytes); n == hdr.SizeBytes {
					mu.Lock()
					full++
					mu.Unlock()
				}
				_, _ = io.Copy(io.Discard, br)
				_, _ = io.WriteString(conn, reply)
			}
			conn.Close()
		}
	}()
	return ln.Addr().String(), func() int {
		mu.Lock()
		defer mu.Unlock()
		return full
	}
}

func TestSenderFailsWhenReceiverRejectsFullBody(t *testing.T) {
	testlog.Start(t)
	addr, bodies := fakeReceiver(t, "error: disk full\n")
	a := packTestArchive(t, CodecZstd)
	s := NewSender(SenderConfig{MaxAttempts: 2, Backoff: link.BackoffConfig{InitialDelay: 5 * time.Millisecond}})
	res, err := s.Send(context.Background(), addr, a, "s-1", "node-a")
	if !errors.Is(err, ErrTransferFailed) || !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected rejection, got %v", err)
	}
	if res.Attempts != 2 || bodies() != 2 {
		t.Fatalf("attempts=%d full bodies=%d", res.Attempts, bodies())
	}
	if _, err := os.Stat(a.Path); err != nil {
		t.Fatalf("archive must be kept after rejection: %v", err)
	}
}

func TestSenderFailsWhenReceiverClosesSilently(t *testing.T) {
	testlog.Start(t)
	addr, _ := fakeReceiver(t, "")
	a := packTestArchive(t, CodecGzip)
	s := NewSender(SenderConfig{MaxAttempts: 1})
	if _, err := s.Send(context.Background(), addr, a, "s-1", "node-a"); !errors.Is(err, ErrNoStatus) {
		t.Fatalf("expected missing status error, got %v", err)
	}
}

func TestReceiverWritesStatusLine(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	r := startReceiver(t, root)
	o := watch(r)

	exchange := func(head, body []byte) error {
		conn, err := net.Dial("tcp", r.Addr())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		if _, err := conn.Write(append(head, body...)); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
			t.Fatalf("close write: %v", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		return ReadStatus(conn)
	}

	var head bytes.Buffer
	if err := WriteHeader(&head, Header{SessionID: "s-3", DeviceID: "node-c", Filename: "s-3_node-c.tar.gz", SizeBytes: 4}); err != nil {
		t.Fatalf("header: %v", err)
	}
	if err := exchange(head.Bytes(), []byte("abcd")); err != nil {
		t.Fatalf("expected ok status, got %v", err)
	}
	o.wait(t)

	bad := []byte(`{"session_id":"../x","device_id":"n","filename":"f","size_bytes":1}` + "\n")
	if err := exchange(bad, nil); !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "invalid header") {
		t.Fatalf("expected header rejection status, got %v", err)
	}
}

func TestReadStatus(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteStatus(&buf, nil); err != nil || buf.String() != "ok\n" {
		t.Fatalf("ok line %q err=%v", buf.String(), err)
	}
	if err := ReadStatus(&buf); err != nil {
		t.Fatalf("read ok: %v", err)
	}
	buf.Reset()
	_ = WriteStatus(&buf, errors.New("two\nlines"))
	if err := ReadStatus(&buf); !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "two lines") {
		t.Fatalf("read error: %v", err)
	}
	if err := ReadStatus(strings.NewReader("maybe\n")); !errors.Is(err, ErrRejected) {
		t.Fatalf("unknown status must fail, got %v", err)
	}
	if err := ReadStatus(strings.NewReader("")); !errors.Is(err, ErrNoStatus) {
		t.Fatalf("empty stream must fail, got %v", err)
	}
}
