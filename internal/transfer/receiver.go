package transfer

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const incomingDir = ".incoming"

var (
	ErrSizeMismatch = errors.New("transfer: observed size differs from declared size")
	ErrTruncated    = errors.New("transfer: connection closed before declared size")
	ErrTooLarge     = errors.New("transfer: declared size exceeds limit")
)

type ReceiverConfig struct {
	Root           string
	MaxHeaderBytes int
	// MaxSizeBytes rejects larger declared archives; zero means unlimited.
	MaxSizeBytes int64
	// IdleTimeout bounds each read on the data connection.
	IdleTimeout time.Duration
	TLS         *tls.Config
}

func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Root:           "sessions",
		MaxHeaderBytes: DefaultMaxHeaderBytes,
		IdleTimeout:    30 * time.Second,
	}
}

func (c ReceiverConfig) withDefaults() ReceiverConfig {
	def := DefaultReceiverConfig()
	if strings.TrimSpace(c.Root) == "" {
		c.Root = def.Root
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = def.MaxHeaderBytes
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	return c
}

// Accepted describes an archive merged into the session tree.
type Accepted struct {
	Header
	Path       string
	SHA256     string
	ReceivedAt time.Time
	Manifest   Manifest
}

// Receiver accepts transfer connections on the hub.
type Receiver struct {
	cfg ReceiverConfig

	mu       sync.Mutex
	ln       net.Listener
	onAccept func(Accepted)
	onReject func(Header, error)
	manifest sync.Mutex
	conns    sync.WaitGroup
}

func NewReceiver(cfg ReceiverConfig) *Receiver {
	return &Receiver{cfg: cfg.withDefaults()}
}

func (r *Receiver) Root() string {
	return r.cfg.Root
}

// OnAccept and OnReject register outcome callbacks. They run on the
// connection goroutine.
func (r *Receiver) OnAccept(fn func(Accepted)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAccept = fn
}

func (r *Receiver) OnReject(fn func(Header, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReject = fn
}

func (r *Receiver) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if r.cfg.TLS != nil {
		ln = tls.NewListener(ln, r.cfg.TLS)
	}
	r.mu.Lock()
	r.ln = ln
	r.mu.Unlock()
	return nil
}

func (r *Receiver) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return ""
	}
	return r.ln.Addr().String()
}

// Serve accepts connections until ctx ends, then waits for in-flight
// transfers to finish or fail.
func (r *Receiver) Serve(ctx context.Context) error {
	r.mu.Lock()
	ln := r.ln
	r.mu.Unlock()
	if ln == nil {
		return errors.New("transfer: receiver not listening")
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer r.conns.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn().Err(err).Msg("transfer.Receiver.Serve accept failed")
			continue
		}
		r.conns.Add(1)
		go func() {
			defer r.conns.Done()
			defer conn.Close()
			connCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			stopConn := context.AfterFunc(connCtx, func() { conn.Close() })
			defer stopConn()
			if _, err := r.Handle(conn); err != nil {
				log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("transfer.Receiver transfer rejected")
			}
		}()
	}
}

func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Close()
}

type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (d deadlineReader) Read(p []byte) (int, error) {
	_ = d.conn.SetReadDeadline(time.Now().Add(d.timeout))
	return d.conn.Read(p)
}

// Handle reads one transfer from conn. The archive is accepted only when
// exactly SizeBytes arrive before the sender closes; otherwise the temp file
// is removed and nothing is merged. Either way the outcome is written back
// as a status line before conn is closed.
func (r *Receiver) Handle(conn net.Conn) (Accepted, error) {
	br := bufio.NewReader(deadlineReader{conn: conn, timeout: r.cfg.IdleTimeout})
	hdr, err := ReadHeader(br, r.cfg.MaxHeaderBytes)
	if err != nil {
		r.writeStatus(conn, err)
		return Accepted{}, err
	}
	acc, err := r.receive(hdr, br)
	r.writeStatus(conn, err)
	r.mu.Lock()
	onAccept, onReject := r.onAccept, r.onReject
	r.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("session", hdr.SessionID).Str("node", hdr.DeviceID).Str("file", hdr.Filename).Msg("transfer.Receiver.Handle discarded")
		if onReject != nil {
			onReject(hdr, err)
		}
		return Accepted{}, err
	}
	log.Info().Str("session", hdr.SessionID).Str("node", hdr.DeviceID).Str("file", hdr.Filename).Int64("bytes", hdr.SizeBytes).Msg("transfer.Receiver.Handle accepted")
	if onAccept != nil {
		onAccept(acc)
	}
	return acc, nil
}

func (r *Receiver) receive(hdr Header, body io.Reader) (Accepted, error) {
	if r.cfg.MaxSizeBytes > 0 && hdr.SizeBytes > r.cfg.MaxSizeBytes {
		return Accepted{}, fmt.Errorf("%w: %d > %d", ErrTooLarge, hdr.SizeBytes, r.cfg.MaxSizeBytes)
	}
	incoming := filepath.Join(r.cfg.Root, incomingDir)
	if err := os.MkdirAll(incoming, 0o755); err != nil {
		return Accepted{}, err
	}
	tmp, err := os.CreateTemp(incoming, hdr.SessionID+"_"+hdr.DeviceID+"_*.part")
	if err != nil {
		return Accepted{}, err
	}
	tmpName := tmp.Name()
	discard := func(err error) (Accepted, error) {
		tmp.Close()
		os.Remove(tmpName)
		return Accepted{}, err
	}

	sum := sha256.New()
	n, err := io.CopyN(io.MultiWriter(tmp, sum), body, hdr.SizeBytes)
	if err != nil {
		if errors.Is(err, io.EOF) || isClosed(err) {
			return discard(fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, n, hdr.SizeBytes))
		}
		return discard(fmt.Errorf("%w: got %d of %d bytes: %w", ErrTruncated, n, hdr.SizeBytes, err))
	}
	var extra [1]byte
	if m, err := body.Read(extra[:]); m > 0 {
		return discard(fmt.Errorf("%w: more than %d bytes sent", ErrSizeMismatch, hdr.SizeBytes))
	} else if err != nil && !errors.Is(err, io.EOF) && !isClosed(err) {
		return discard(fmt.Errorf("%w: awaiting close: %w", ErrSizeMismatch, err))
	}
	if err := tmp.Sync(); err != nil {
		return discard(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Accepted{}, err
	}

	sessionDir := filepath.Join(r.cfg.Root, hdr.SessionID)
	nodeDir := filepath.Join(sessionDir, hdr.DeviceID)
	if err := os.MkdirAll(nodeDir, 0o755); err != nil {
		os.Remove(tmpName)
		return Accepted{}, err
	}
	final := filepath.Join(nodeDir, hdr.Filename)
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return Accepted{}, err
	}

	acc := Accepted{Header: hdr, Path: final, SHA256: hex.EncodeToString(sum.Sum(nil)), ReceivedAt: time.Now().UTC()}
	r.manifest.Lock()
	m, err := recordManifest(sessionDir, hdr.SessionID, ManifestEntry{
		NodeID:     hdr.DeviceID,
		Filename:   hdr.Filename,
		SizeBytes:  hdr.SizeBytes,
		SHA256:     acc.SHA256,
		ReceivedAt: acc.ReceivedAt,
	})
	r.manifest.Unlock()
	if err != nil {
		log.Error().Err(err).Str("session", hdr.SessionID).Msg("transfer.Receiver manifest update failed")
	}
	acc.Manifest = m
	return acc, nil
}

func (r *Receiver) writeStatus(conn net.Conn, outcome error) {
	_ = conn.SetWriteDeadline(time.Now().Add(r.cfg.IdleTimeout))
	if err := WriteStatus(conn, outcome); err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("transfer.Receiver status not delivered")
	}
}

func isClosed(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
