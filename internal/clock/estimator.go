package clock

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrWindowMissed = errors.New("clock: every probe in window failed")

type Config struct {
	SamplesPerWindow int
	Interval         time.Duration
	ProbeTimeout     time.Duration
	// StaleAfterMisses is K: consecutive failed probes, counted across
	// windows, before the estimate is stale.
	StaleAfterMisses int
	// ResyncRTTThreshold triggers an early window when the adopted sample's
	// RTT reaches it. Zero disables early windows.
	ResyncRTTThreshold time.Duration
	// ResyncCooldown is the minimum spacing between early windows.
	ResyncCooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		SamplesPerWindow:   8,
		Interval:           30 * time.Second,
		ProbeTimeout:       500 * time.Millisecond,
		StaleAfterMisses:   3,
		ResyncRTTThreshold: 25 * time.Millisecond,
		ResyncCooldown:     2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SamplesPerWindow <= 0 {
		c.SamplesPerWindow = def.SamplesPerWindow
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.StaleAfterMisses <= 0 {
		c.StaleAfterMisses = def.StaleAfterMisses
	}
	if c.ResyncRTTThreshold < 0 {
		c.ResyncRTTThreshold = 0
	}
	if c.ResyncCooldown <= 0 {
		c.ResyncCooldown = def.ResyncCooldown
	}
	return c
}

// Estimate is the outcome of the latest good window plus staleness.
type Estimate struct {
	OffsetNS       int64
	RTTNS          int64
	MedianOffsetNS int64
	StdDevNS       float64
	Samples        int
	Valid          bool
	Stale          bool
	// Misses is the current run of failed probes.
	Misses int
	At     time.Time
}

// Estimator keeps the node's current offset. Offset reads never block on
// an in-progress window.
type Estimator struct {
	cfg    Config
	prober Prober

	window sync.Mutex

	mu         sync.RWMutex
	estimate   Estimate
	onUpdate   func(Estimate)
	lastResync time.Time
	resyncs    int
}

func NewEstimator(cfg Config, prober Prober) *Estimator {
	return &Estimator{cfg: cfg.withDefaults(), prober: prober}
}

// OnUpdate registers a callback invoked after every window, good or missed.
func (e *Estimator) OnUpdate(fn func(Estimate)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onUpdate = fn
}

// SetProber swaps the probe target, e.g. after reconnecting to a new address.
func (e *Estimator) SetProber(p Prober) {
	e.window.Lock()
	defer e.window.Unlock()
	e.prober = p
}

// Run estimates immediately and then every Interval until ctx ends. A window
// whose best RTT reaches ResyncRTTThreshold is followed by an early window,
// at most once per ResyncCooldown.
func (e *Estimator) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		est, err := e.EstimateOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Msg("clock.Estimator.Run window failed")
		}
		next := e.cfg.Interval
		if err == nil && e.resyncDue(est, time.Now()) {
			log.Info().
				Int64("rtt_ns", est.RTTNS).
				Dur("threshold", e.cfg.ResyncRTTThreshold).
				Msg("clock.Estimator.Run high delay; re-estimating early")
			next = 0
		}
		timer.Reset(next)
	}
}

func (e *Estimator) resyncDue(est Estimate, now time.Time) bool {
	if e.cfg.ResyncRTTThreshold <= 0 || time.Duration(est.RTTNS) < e.cfg.ResyncRTTThreshold {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.lastResync.IsZero() && now.Sub(e.lastResync) < e.cfg.ResyncCooldown {
		return false
	}
	e.lastResync = now
	e.resyncs++
	return true
}

// Resyncs counts early windows triggered by high delay.
func (e *Estimator) Resyncs() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.resyncs
}

// EstimateOnce runs one window of SamplesPerWindow probes and adopts the
// minimum-RTT sample. Failed probes extend the miss run; a good probe ends it.
func (e *Estimator) EstimateOnce(ctx context.Context) (Estimate, error) {
	e.window.Lock()
	defer e.window.Unlock()
	if e.prober == nil {
		return e.miss(e.cfg.SamplesPerWindow, ErrWindowMissed)
	}

	samples := make([]Sample, 0, e.cfg.SamplesPerWindow)
	run := 0
	for i := 0; i < e.cfg.SamplesPerWindow; i++ {
		if ctx.Err() != nil {
			return e.Current(), ctx.Err()
		}
		probeCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
		s, err := e.prober.Probe(probeCtx)
		cancel()
		if err != nil || s.RTT() < 0 {
			run++
			continue
		}
		run = 0
		samples = append(samples, s)
	}
	if len(samples) == 0 {
		if ctx.Err() != nil {
			return e.Current(), ctx.Err()
		}
		return e.miss(run, ErrWindowMissed)
	}

	est := Summarize(samples)
	est.At = time.Now()
	est.Misses = run
	e.mu.Lock()
	e.estimate = est
	hook := e.onUpdate
	e.mu.Unlock()
	log.Debug().
		Int64("offset_ns", est.OffsetNS).
		Int64("rtt_ns", est.RTTNS).
		Int("samples", est.Samples).
		Msg("clock.Estimator window")
	if hook != nil {
		hook(est)
	}
	return est, nil
}

func (e *Estimator) miss(failed int, err error) (Estimate, error) {
	e.mu.Lock()
	e.estimate.Misses += failed
	if e.estimate.Misses >= e.cfg.StaleAfterMisses {
		if !e.estimate.Stale {
			log.Warn().Int("misses", e.estimate.Misses).Msg("clock.Estimator sync stale; keeping last offset")
		}
		e.estimate.Stale = true
	}
	est := e.estimate
	hook := e.onUpdate
	e.mu.Unlock()
	if hook != nil {
		hook(est)
	}
	return est, err
}

func (e *Estimator) Current() Estimate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.estimate
}

func (e *Estimator) Offset() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.estimate.OffsetNS
}

func (e *Estimator) Stale() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.estimate.Stale
}

// SynchronizedTimestamp maps the local monotonic clock onto the hub timeline.
func (e *Estimator) SynchronizedTimestamp() int64 {
	return Monotonic() + e.Offset()
}

// Summarize picks the minimum-RTT sample and records window statistics.
// samples must be non-empty.
func Summarize(samples []Sample) Estimate {
	best := samples[0]
	offsets := make([]int64, 0, len(samples))
	var sum float64
	for _, s := range samples {
		if s.RTT() < best.RTT() {
			best = s
		}
		offsets = append(offsets, s.Offset())
		sum += float64(s.Offset())
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	median := offsets[len(offsets)/2]
	if len(offsets)%2 == 0 {
		median = (offsets[len(offsets)/2-1] + offsets[len(offsets)/2]) / 2
	}
	mean := sum / float64(len(offsets))
	var sq float64
	for _, o := range offsets {
		d := float64(o) - mean
		sq += d * d
	}
	return Estimate{
		OffsetNS:       best.Offset(),
		RTTNS:          best.RTT(),
		MedianOffsetNS: median,
		StdDevNS:       math.Sqrt(sq / float64(len(offsets))),
		Samples:        len(samples),
		Valid:          true,
	}
}
