package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/danmuck/capturectl/internal/link"
	"github.com/danmuck/capturectl/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Sender delivers one command and waits for its ack. *link.Manager and
// *link.Peer satisfy it.
type Sender interface {
	Command(ctx context.Context, name string, payload any) (protocol.Envelope, error)
}

// Status is the node state folded into each heartbeat.
type Status struct {
	OffsetNS  int64
	SyncStale bool
	Recording bool
	SessionID string
}

// LossFunc is told when a heartbeat send or ack fails.
type LossFunc func(err error)

type EmitterConfig struct {
	Interval time.Duration
	// Timeout bounds one heartbeat round trip; zero means Interval.
	Timeout time.Duration
}

// Emitter sends heartbeats with a strictly increasing sequence number.
type Emitter struct {
	cfg    EmitterConfig
	sender Sender
	status func() Status
	device DeviceFunc
	onLoss LossFunc
	seq    atomic.Uint64
}

func NewEmitter(cfg EmitterConfig, sender Sender, status func() Status, device DeviceFunc, onLoss LossFunc) *Emitter {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if status == nil {
		status = func() Status { return Status{} }
	}
	if device == nil {
		device = func(context.Context) protocol.DeviceInfo { return protocol.DeviceInfo{} }
	}
	return &Emitter{cfg: cfg, sender: sender, status: status, device: device, onLoss: onLoss}
}

// Seq returns the last sequence number used.
func (e *Emitter) Seq() uint64 {
	return e.seq.Load()
}

// Run emits every Interval until ctx ends.
func (e *Emitter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = e.Beat(ctx)
		}
	}
}

// Beat sends one heartbeat. Transport failures and missing acks are reported
// to the loss callback; a rejected heartbeat still proves the link is up.
func (e *Emitter) Beat(ctx context.Context) error {
	st := e.status()
	payload := protocol.HeartbeatPayload{
		Seq:       e.seq.Add(1),
		Device:    e.device(ctx),
		OffsetNS:  st.OffsetNS,
		SyncStale: st.SyncStale,
		Recording: st.Recording,
		SessionID: st.SessionID,
		SentAtNS:  time.Now().UnixNano(),
	}
	beatCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	_, err := e.sender.Command(beatCtx, protocol.CmdHeartbeat, payload)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, link.ErrNotConnected) || errors.Is(err, link.ErrCommandFailed) {
		return err
	}
	log.Warn().Err(err).Uint64("seq", payload.Seq).Msg("heartbeat.Emitter.Beat failed")
	if e.onLoss != nil {
		e.onLoss(err)
	}
	return err
}
