package transfer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/danmuck/capturectl/internal/link"
	"github.com/rs/zerolog/log"
)

var ErrTransferFailed = errors.New("transfer: all attempts failed")

type SenderConfig struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	MaxAttempts  int
	Backoff      link.BackoffConfig
	TLS          *tls.Config
}

func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		DialTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		MaxAttempts:  5,
		Backoff: link.BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
}

func (c SenderConfig) withDefaults() SenderConfig {
	def := DefaultSenderConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// DialFunc opens the data connection.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Sender pushes archives to the hub, restarting from byte 0 on failure.
type Sender struct {
	cfg  SenderConfig
	dial DialFunc
	rng  *rand.Rand
}

func NewSender(cfg SenderConfig) *Sender {
	cfg = cfg.withDefaults()
	s := &Sender{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	s.dial = s.defaultDial
	return s
}

// WithDial replaces the dialer, e.g. to route through a test proxy.
func (s *Sender) WithDial(fn DialFunc) *Sender {
	if fn != nil {
		s.dial = fn
	}
	return s
}

func (s *Sender) defaultDial(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: s.cfg.DialTimeout}
	if s.cfg.TLS != nil {
		cfg := s.cfg.TLS.Clone()
		if cfg.ServerName == "" {
			if host, _, err := net.SplitHostPort(addr); err == nil {
				cfg.ServerName = host
			}
		}
		return (&tls.Dialer{NetDialer: d, Config: cfg}).DialContext(ctx, "tcp", addr)
	}
	return d.DialContext(ctx, "tcp", addr)
}

// Result reports a finished transfer.
type Result struct {
	Header   Header
	Attempts int
}

// Send transfers the archive at path to addr. The header is derived from the
// archive; sessionID and nodeID identify its destination on the hub.
func (s *Sender) Send(ctx context.Context, addr string, archive Archive, sessionID, nodeID string) (Result, error) {
	hdr := Header{
		SessionID: sessionID,
		DeviceID:  nodeID,
		Filename:  archive.Filename,
		SizeBytes: archive.SizeBytes,
	}
	if err := hdr.Validate(); err != nil {
		return Result{Header: hdr}, err
	}
	if strings.TrimSpace(addr) == "" {
		return Result{Header: hdr}, fmt.Errorf("%w: no transfer address", ErrTransferFailed)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err := s.attempt(ctx, addr, archive.Path, hdr)
		if err == nil {
			log.Info().Str("session", sessionID).Str("addr", addr).Int("attempt", attempt).Int64("bytes", hdr.SizeBytes).Msg("transfer.Sender.Send complete")
			return Result{Header: hdr, Attempts: attempt}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Result{Header: hdr, Attempts: attempt}, ctx.Err()
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}
		delay := link.NextBackoffDelay(s.cfg.Backoff, attempt, s.rng)
		log.Warn().Err(err).Str("session", sessionID).Int("attempt", attempt).Dur("retry_in", delay).Msg("transfer.Sender.Send attempt failed")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return Result{Header: hdr, Attempts: attempt}, ctx.Err()
		case <-t.C:
		}
	}
	return Result{Header: hdr, Attempts: s.cfg.MaxAttempts}, fmt.Errorf("%w after %d attempts: %w", ErrTransferFailed, s.cfg.MaxAttempts, lastErr)
}

func (s *Sender) attempt(ctx context.Context, addr, path string, hdr Header) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() != hdr.SizeBytes {
		return fmt.Errorf("%w: archive changed on disk (%d != %d)", ErrSizeMismatch, st.Size(), hdr.SizeBytes)
	}

	conn, err := s.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	w := &deadlineWriter{conn: conn, timeout: s.cfg.WriteTimeout}
	if err := WriteHeader(w, hdr); err != nil {
		return err
	}
	n, err := io.Copy(w, f)
	if err != nil {
		return err
	}
	if n != hdr.SizeBytes {
		return fmt.Errorf("%w: sent %d of %d bytes", ErrSizeMismatch, n, hdr.SizeBytes)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return err
		}
	}
	// The archive only counts as delivered once the receiver says so.
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return ReadStatus(conn)
}

type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (d *deadlineWriter) Write(p []byte) (int, error) {
	_ = d.conn.SetWriteDeadline(time.Now().Add(d.timeout))
	return d.conn.Write(p)
}
