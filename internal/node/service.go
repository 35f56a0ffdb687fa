package node

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/capturectl/internal/capture"
	"github.com/danmuck/capturectl/internal/capture/marker"
	"github.com/danmuck/capturectl/internal/clock"
	"github.com/danmuck/capturectl/internal/discovery"
	"github.com/danmuck/capturectl/internal/heartbeat"
	"github.com/danmuck/capturectl/internal/link"
	"github.com/danmuck/capturectl/internal/protocol"
	"github.com/danmuck/capturectl/internal/transfer"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownModule  = errors.New("node: unknown module")
	ErrAlreadyStarted = errors.New("node: service already started")
)

// Service is one capture node. It owns the controller and module registry,
// the link manager to the hub, the clock estimator and the heartbeat emitter.
type Service struct {
	cfg       ServiceConfig
	modules   *capture.Registry
	ctrl      *capture.Controller
	estimator *clock.Estimator
	client    *link.Client
	manager   *link.Manager
	emitter   *heartbeat.Emitter
	sender    *transfer.Sender

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool
	// pending holds undelivered sessions; true while an upload is running.
	pending map[string]bool

	loops     sync.WaitGroup
	transfers sync.WaitGroup
}

// NewService wires a node from cfg. Built-in modules named in cfg.Modules
// are registered here; more can be added with Register before Start.
func NewService(cfg ServiceConfig) (*Service, error) {
	cfg = cfg.withDefaults()
	if err := protocol.CheckPathSafeID(cfg.NodeID); err != nil {
		return nil, fmt.Errorf("node: node id %q: %w", cfg.NodeID, err)
	}
	codec, err := transfer.ParseCodec(string(cfg.Codec))
	if err != nil {
		return nil, err
	}
	cfg.Codec = codec

	s := &Service{
		cfg:       cfg,
		modules:   capture.NewRegistry(),
		estimator: clock.NewEstimator(cfg.Clock, nil),
		sender:    transfer.NewSender(cfg.Sender),
		pending:   make(map[string]bool),
	}
	for _, id := range cfg.Modules {
		if err := s.registerBuiltin(strings.TrimSpace(id)); err != nil {
			return nil, err
		}
	}

	s.ctrl = capture.NewController(capture.Config{
		NodeID:          cfg.NodeID,
		Root:            cfg.SessionRoot,
		Policy:          cfg.Policy,
		StartTimeout:    cfg.StartTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, s.modules)
	s.ctrl.SetSyncSource(s.estimator)
	s.ctrl.OnTransition(s.onTransition)

	s.client = link.NewClient(cfg.HubAddr, cfg.Link, s.hello, &hubHandler{svc: s})
	if cfg.Discovery.Enabled {
		s.client.WithResolver(discovery.NewResolver(cfg.Discovery).Lookup)
	}
	s.manager = link.NewManager(cfg.Manager, s.client)
	s.manager.Subscribe(link.ObserverFunc(s.onLinkEvent))
	s.emitter = heartbeat.NewEmitter(
		heartbeat.EmitterConfig{Interval: cfg.HeartbeatInterval},
		s.manager,
		s.heartbeatStatus,
		heartbeat.CollectDevice,
		s.manager.ReportLost,
	)
	return s, nil
}

func (s *Service) registerBuiltin(id string) error {
	switch id {
	case "":
		return nil
	case ModuleMarker:
		return s.modules.Register(marker.New(marker.Config{ID: ModuleMarker, Interval: s.cfg.MarkerInterval}, s.estimator.SynchronizedTimestamp))
	default:
		return fmt.Errorf("%w: %q", ErrUnknownModule, id)
	}
}

// Register adds a capture module. It must be called before Start so the
// module is announced in the hello.
func (s *Service) Register(m capture.Module) error {
	return s.modules.Register(m)
}

func (s *Service) Config() ServiceConfig            { return s.cfg }
func (s *Service) Controller() *capture.Controller { return s.ctrl }
func (s *Service) Manager() *link.Manager          { return s.manager }
func (s *Service) Estimator() *clock.Estimator     { return s.estimator }

// Run starts the node and blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	log.Info().Str("node", s.cfg.NodeID).Msg("node.Service.Run shutdown")

	closeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout+s.cfg.Sender.WriteTimeout)
	defer cancel()
	return s.Close(closeCtx)
}

// Start connects to the hub in the background and starts the heartbeat and
// clock loops. It returns once the loops are running, not once connected.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	if err := s.manager.Start(runCtx); err != nil {
		return err
	}
	s.loops.Add(2)
	go func() {
		defer s.loops.Done()
		s.emitter.Run(runCtx)
	}()
	go func() {
		defer s.loops.Done()
		s.estimator.Run(runCtx)
	}()
	log.Info().
		Str("node", s.cfg.NodeID).
		Str("hub", s.cfg.HubAddr).
		Bool("discover", s.cfg.Discovery.Enabled).
		Strs("modules", s.modules.IDs()).
		Msg("node.Service.Start")
	return nil
}

// Close stops any local recording, waits for in-flight transfers, says bye
// and tears down the link. Recordings stopped here stay on disk.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	stopErr := s.ctrl.Close(ctx)

	done := make(chan struct{})
	go func() {
		s.transfers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Str("node", s.cfg.NodeID).Msg("node.Service.Close transfers still running")
	}

	if err := s.manager.EmitEvent(protocol.EventBye, protocol.ByeEvent{Reason: "shutdown"}); err != nil && !errors.Is(err, link.ErrNotConnected) {
		log.Debug().Err(err).Msg("node.Service.Close bye not sent")
	}
	if cancel != nil {
		cancel()
	}
	s.loops.Wait()
	return errors.Join(stopErr, s.manager.Close())
}

func (s *Service) hello() link.Hello {
	st := s.ctrl.Status()
	h := link.Hello{
		NodeID:  s.cfg.NodeID,
		Modules: s.modules.IDs(),
		Device:  heartbeat.CollectDevice(context.Background()),
	}
	if st.State == capture.StateRecording {
		h.SessionID = st.SessionID
		h.Recording = true
	}
	return h
}

func (s *Service) heartbeatStatus() heartbeat.Status {
	est := s.estimator.Current()
	st := s.ctrl.Status()
	return heartbeat.Status{
		OffsetNS:  est.OffsetNS,
		SyncStale: est.Stale || !est.Valid,
		Recording: st.State == capture.StateRecording,
		SessionID: st.SessionID,
	}
}

// onTransition mirrors controller state to the hub and into the session
// context the manager carries across reconnects.
func (s *Service) onTransition(tr capture.Transition) {
	switch tr.To {
	case capture.StateRecording:
		s.manager.SetSession(tr.SessionID, true)
	case capture.StateIdle:
		if cur := s.manager.Session(); cur.ID == tr.SessionID {
			s.manager.SetSession(tr.SessionID, false)
		}
	}
	err := s.manager.EmitEvent(protocol.EventRecordingState, protocol.RecordingStateEvent{
		SessionID: tr.SessionID,
		State:     string(tr.To),
		AtNS:      s.estimator.SynchronizedTimestamp(),
	})
	if err != nil && !errors.Is(err, link.ErrNotConnected) {
		log.Debug().Err(err).Str("session", tr.SessionID).Msg("node.Service recording_state not sent")
	}
}

func (s *Service) onLinkEvent(evt link.Event) {
	switch evt.Kind {
	case link.EventConnected, link.EventRestored:
		ack := s.manager.HelloAck()
		if ack.TimeSyncAddr != "" {
			s.estimator.SetProber(clock.UDPProber{Addr: ack.TimeSyncAddr, Timeout: s.cfg.Clock.ProbeTimeout})
			go s.syncNow()
		}
		if evt.Rejoin != nil {
			s.applyRejoin(*evt.Rejoin)
		}
		if evt.Kind == link.EventRestored && evt.Rejoin == nil && evt.Err != nil {
			log.Warn().Err(evt.Err).Msg("node.Service rejoin exchange failed; keeping local state")
		}
		s.retryPending()
	case link.EventLost:
		log.Warn().Err(evt.Err).Str("node", s.cfg.NodeID).Msg("node.Service link lost; recording continues")
	case link.EventFailed:
		log.Error().Err(evt.Err).Str("node", s.cfg.NodeID).Msg("node.Service hub unreachable")
	}
}

func (s *Service) syncNow() {
	ctx := s.runContext()
	if ctx == nil {
		return
	}
	if _, err := s.estimator.EstimateOnce(ctx); err != nil && ctx.Err() == nil {
		log.Debug().Err(err).Msg("node.Service initial clock window failed")
	}
}

// applyRejoin reconciles local recording with the hub's decision. A resume
// keeps recording. Stop and discard both end the local recording and ship
// what was captured; discard also forgets the session context.
func (s *Service) applyRejoin(d protocol.RejoinDecision) {
	log.Info().Str("session", d.SessionID).Str("action", d.Action).Msg("node.Service.applyRejoin")
	switch d.Action {
	case protocol.RejoinResume:
		return
	case protocol.RejoinStop, protocol.RejoinDiscard:
		ctx := s.runContext()
		if ctx == nil {
			return
		}
		if d.Action == protocol.RejoinDiscard {
			s.manager.ClearSession()
		}
		go func() {
			meta, err := s.ctrl.StopSession(ctx)
			if err != nil {
				if !errors.Is(err, capture.ErrNotRecording) {
					log.Warn().Err(err).Str("session", d.SessionID).Msg("node.Service.applyRejoin stop failed")
				}
				return
			}
			s.scheduleTransfer(meta.SessionID)
		}()
	default:
		log.Warn().Str("action", d.Action).Msg("node.Service.applyRejoin unknown action")
	}
}

func (s *Service) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.ctx
}

// waitConnected polls until the link is up and returns the current hello ack.
// It gives up once the manager has stopped trying.
func (s *Service) waitConnected(ctx context.Context) (link.HelloAck, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch s.manager.State() {
		case link.StateConnected:
			return s.manager.HelloAck(), nil
		case link.StateDisconnected:
			return link.HelloAck{}, link.ErrNotConnected
		}
		select {
		case <-ctx.Done():
			return link.HelloAck{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
