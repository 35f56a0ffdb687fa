// Package marker is a capture module that writes synchronized timestamps to
// a CSV file at a fixed interval. Comparing marker files across nodes shows
// how well their clocks line up.
package marker

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/capturectl/internal/clock"
	"github.com/rs/zerolog/log"
)

const FileName = "markers.csv"

var (
	ErrRunning    = errors.New("marker: already running")
	ErrNotRunning = errors.New("marker: not running")
)

// Row kinds.
const (
	KindStart = "start"
	KindTick  = "tick"
	KindFlash = "flash"
	KindStop  = "stop"
)

type Config struct {
	ID       string
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{ID: "marker", Interval: time.Second}
}

// TimestampFunc returns a hub-aligned timestamp in nanoseconds.
type TimestampFunc func() int64

type Module struct {
	cfg   Config
	stamp TimestampFunc

	mu     sync.Mutex
	file   *os.File
	w      *csv.Writer
	seq    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a marker module. A nil stamp uses the local monotonic clock.
func New(cfg Config, stamp TimestampFunc) *Module {
	def := DefaultConfig()
	if cfg.ID == "" {
		cfg.ID = def.ID
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if stamp == nil {
		stamp = clock.Monotonic
	}
	return &Module{cfg: cfg, stamp: stamp}
}

func (m *Module) ID() string {
	return m.cfg.ID
}

func (m *Module) Describe() map[string]string {
	return map[string]string{
		"kind":     "marker",
		"interval": m.cfg.Interval.String(),
		"file":     FileName,
	}
}

func (m *Module) Start(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		return ErrRunning
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("marker: open: %w", err)
	}
	m.file = f
	m.w = csv.NewWriter(f)
	m.seq = 0
	if err := m.w.Write([]string{"seq", "kind", "sync_ns", "local_ns"}); err != nil {
		m.closeLocked()
		return fmt.Errorf("marker: header: %w", err)
	}
	if err := m.writeLocked(KindStart, m.stamp()); err != nil {
		m.closeLocked()
		return err
	}

	// The tick loop outlives ctx, which only bounds Start.
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx, m.done)
	log.Debug().Str("module", m.cfg.ID).Str("dir", dir).Msg("marker.Module.Start recording")
	return nil
}

func (m *Module) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.w != nil {
				if err := m.writeLocked(KindTick, m.stamp()); err != nil {
					log.Warn().Err(err).Str("module", m.cfg.ID).Msg("marker.Module tick write failed")
				}
			}
			m.mu.Unlock()
		}
	}
}

// Flash records a flash row at the hub-provided synchronized timestamp.
func (m *Module) Flash(ctx context.Context, syncNS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.w == nil {
		return ErrNotRunning
	}
	return m.writeLocked(KindFlash, syncNS)
}

func (m *Module) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.file == nil {
		m.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrNotRunning
	}
	werr := m.writeLocked(KindStop, m.stamp())
	return errors.Join(werr, m.closeLocked())
}

// Rows reports how many rows were written in the current or last run.
func (m *Module) Rows() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

func (m *Module) writeLocked(kind string, syncNS int64) error {
	m.seq++
	rec := []string{
		strconv.FormatUint(m.seq, 10),
		kind,
		strconv.FormatInt(syncNS, 10),
		strconv.FormatInt(clock.Monotonic(), 10),
	}
	if err := m.w.Write(rec); err != nil {
		return fmt.Errorf("marker: write: %w", err)
	}
	m.w.Flush()
	if err := m.w.Error(); err != nil {
		return fmt.Errorf("marker: flush: %w", err)
	}
	return nil
}

func (m *Module) closeLocked() error {
	var err error
	if m.w != nil {
		m.w.Flush()
		err = m.w.Error()
	}
	if m.file != nil {
		err = errors.Join(err, m.file.Close())
	}
	m.file = nil
	m.w = nil
	m.cancel = nil
	m.done = nil
	return err
}
