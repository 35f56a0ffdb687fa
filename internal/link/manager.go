package link

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/capturectl/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected   = errors.New("link: not connected")
	ErrMaxAttempts    = errors.New("link: reconnect attempts exhausted")
	ErrManagerClosed  = errors.New("link: manager closed")
	ErrAlreadyStarted = errors.New("link: manager already started")
)

// SessionContext is the recording context a node carries across reconnects.
type SessionContext struct {
	ID           string
	WasRecording bool
}

// Manager owns a node's logical connection to the hub: initial connect,
// loss detection, backoff reconnection and session rejoin. All transitions
// happen inside the manager; observers only see them.
type Manager struct {
	cfg       ManagerConfig
	connector Connector
	rng       *rand.Rand

	mu          sync.Mutex
	state       State
	peer        *Peer
	hello       HelloAck
	session     SessionContext
	connectedAt bool
	looping     bool
	started     bool
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
	observers   []Observer

	notifyMu sync.Mutex
	wg       sync.WaitGroup
}

func NewManager(cfg ManagerConfig, connector Connector) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultManagerConfig().MaxAttempts
	}
	var rng *rand.Rand
	if cfg.Backoff.Jitter {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Manager{
		cfg:       cfg,
		connector: connector,
		rng:       rng,
		state:     StateDisconnected,
	}
}

func (m *Manager) Subscribe(o Observer) {
	if o == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Start begins connecting in the background. Progress is reported to observers.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	evts := m.transitionLocked(StateConnecting, Event{})
	m.looping = true
	m.wg.Add(1)
	m.mu.Unlock()

	m.notify(evts)
	go m.connectLoop(false)
	return nil
}

// Reconnect restarts connection attempts after the manager gave up.
// It is a no-op unless the manager is DISCONNECTED.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if !m.started {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.state != StateDisconnected || m.looping {
		m.mu.Unlock()
		return nil
	}
	restoring := m.connectedAt
	next := StateConnecting
	if restoring {
		next = StateReconnecting
	}
	evts := m.transitionLocked(next, Event{})
	m.looping = true
	m.wg.Add(1)
	m.mu.Unlock()

	log.Info().Bool("restoring", restoring).Msg("link.Manager.Reconnect manual")
	m.notify(evts)
	go m.connectLoop(restoring)
	return nil
}

// ReportLost tells the manager the current connection is unusable.
// Duplicate reports while not CONNECTED are ignored.
func (m *Manager) ReportLost(err error) {
	m.mu.Lock()
	peer := m.peer
	m.mu.Unlock()
	if peer != nil {
		m.lost(peer, err)
	}
}

func (m *Manager) lost(peer *Peer, err error) {
	m.mu.Lock()
	if m.closed || m.state != StateConnected || m.peer != peer {
		m.mu.Unlock()
		return
	}
	m.peer = nil
	evts := m.transitionLocked(StateReconnecting, Event{})
	evts = append(evts, Event{Kind: EventLost, Err: err, From: StateConnected, To: StateReconnecting})
	m.looping = true
	m.wg.Add(1)
	m.mu.Unlock()

	log.Warn().Err(err).Msg("link.Manager connection lost")
	_ = peer.Close()
	m.notify(evts)
	go m.connectLoop(true)
}

// connectLoop runs until connected, exhausted or closed. Restoring loops wait
// delay(attempt) before each attempt; initial loops try immediately first.
// A rejected hello is retried like a dial failure: the hub may still hold
// the previous registration when the reconnect lands.
func (m *Manager) connectLoop(restoring bool) {
	defer m.wg.Done()
	ctx := m.ctx
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if restoring || attempt > 1 {
			delayAttempt := attempt
			if !restoring {
				delayAttempt = attempt - 1
			}
			if !sleepCtx(ctx, NextBackoffDelay(m.cfg.Backoff, delayAttempt, m.rng)) {
				m.endLoop()
				return
			}
		}
		peer, ack, err := m.connector.Connect(ctx)
		if err == nil {
			m.established(peer, ack, attempt, restoring)
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			m.endLoop()
			return
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", m.cfg.MaxAttempts).
			Msg("link.Manager connect attempt failed")
	}

	m.mu.Lock()
	m.looping = false
	if m.closed {
		m.mu.Unlock()
		return
	}
	evts := m.transitionLocked(StateDisconnected, Event{})
	failErr := fmt.Errorf("%w: %v", ErrMaxAttempts, lastErr)
	evts = append(evts, Event{Kind: EventFailed, Err: failErr, Attempt: m.cfg.MaxAttempts, To: StateDisconnected})
	m.mu.Unlock()

	log.Error().Err(failErr).Msg("link.Manager giving up")
	m.notify(evts)
}

func (m *Manager) endLoop() {
	m.mu.Lock()
	m.looping = false
	m.mu.Unlock()
}

func (m *Manager) established(peer *Peer, ack HelloAck, attempt int, restoring bool) {
	m.mu.Lock()
	m.looping = false
	if m.closed {
		m.mu.Unlock()
		_ = peer.Close()
		return
	}
	m.peer = peer
	m.hello = ack
	m.connectedAt = true
	session := m.session
	ctx := m.ctx
	evts := m.transitionLocked(StateConnected, Event{})
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		err := peer.Run(ctx)
		m.lost(peer, err)
	}()

	if !restoring {
		evts = append(evts, Event{Kind: EventConnected, Attempt: attempt, To: StateConnected})
		m.notify(evts)
		return
	}

	restored := Event{Kind: EventRestored, Attempt: attempt, To: StateConnected}
	if session.ID != "" && session.WasRecording {
		decision, err := m.rejoin(ctx, peer, session)
		restored.Err = err
		if err == nil {
			restored.Rejoin = &decision
		}
	}
	evts = append(evts, restored)
	m.notify(evts)
}

func (m *Manager) rejoin(ctx context.Context, peer *Peer, session SessionContext) (protocol.RejoinDecision, error) {
	ack, err := peer.Command(ctx, protocol.CmdSessionRejoin, protocol.SessionRejoinPayload{
		SessionID:    session.ID,
		WasRecording: session.WasRecording,
	})
	if err != nil {
		log.Warn().Err(err).Str("session", session.ID).Msg("link.Manager.rejoin failed")
		return protocol.RejoinDecision{}, err
	}
	var decision protocol.RejoinDecision
	if err := ack.DecodePayload(&decision); err != nil {
		return protocol.RejoinDecision{}, err
	}
	if decision.SessionID == "" {
		decision.SessionID = session.ID
	}
	log.Info().
		Str("session", session.ID).
		Str("action", decision.Action).
		Msg("link.Manager.rejoin decided")
	return decision, nil
}

// SetSession records the session context to carry across reconnects.
func (m *Manager) SetSession(id string, wasRecording bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = SessionContext{ID: strings.TrimSpace(id), WasRecording: wasRecording}
}

func (m *Manager) ClearSession() {
	m.SetSession("", false)
}

func (m *Manager) Session() SessionContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HelloAck returns the registration reply of the current connection.
func (m *Manager) HelloAck() HelloAck {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hello
}

func (m *Manager) Peer() (*Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peer == nil || m.state != StateConnected {
		return nil, ErrNotConnected
	}
	return m.peer, nil
}

func (m *Manager) Command(ctx context.Context, name string, payload any) (protocol.Envelope, error) {
	peer, err := m.Peer()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return peer.Command(ctx, name, payload)
}

func (m *Manager) EmitEvent(name string, payload any) error {
	peer, err := m.Peer()
	if err != nil {
		return err
	}
	return peer.EmitEvent(name, payload)
}

// Close cancels every manager task before releasing the connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	peer := m.peer
	m.peer = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	if peer != nil {
		_ = peer.Close()
	}

	m.mu.Lock()
	evts := m.transitionLocked(StateDisconnected, Event{})
	m.mu.Unlock()
	m.notify(evts)
	return nil
}

func (m *Manager) transitionLocked(to State, base Event) []Event {
	from := m.state
	if from == to {
		return nil
	}
	m.state = to
	base.Kind = EventStateChanged
	base.From = from
	base.To = to
	return []Event{base}
}

func (m *Manager) notify(evts []Event) {
	if len(evts) == 0 {
		return
	}
	m.mu.Lock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	now := time.Now()
	for _, e := range evts {
		if e.At.IsZero() {
			e.At = now
		}
		for _, o := range observers {
			o.OnEvent(e)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
