package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/capturectl/internal/protocol"
	"github.com/danmuck/capturectl/internal/protocol/frame"
	"github.com/danmuck/capturectl/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnreachable   = errors.New("link: peer unreachable")
	ErrPeerClosed    = errors.New("link: peer closed")
	ErrCommandFailed = errors.New("link: command failed")
)

// Ack error codes.
const (
	CodeInvalidPayload = "invalid_payload"
	CodeUnknownCommand = "unknown_command"
	CodeHandlerFailed  = "handler_failed"
)

// Handler serves inbound traffic. HandleCommand must return the ack for cmd;
// HandleEvent runs on the peer's event queue.
type Handler interface {
	HandleCommand(ctx context.Context, p *Peer, cmd protocol.Envelope) protocol.Envelope
	HandleEvent(ctx context.Context, p *Peer, evt protocol.Envelope)
}

// HandlerFuncs adapts plain functions to Handler. Nil members ack ok / ignore.
type HandlerFuncs struct {
	Command func(ctx context.Context, p *Peer, cmd protocol.Envelope) protocol.Envelope
	Event   func(ctx context.Context, p *Peer, evt protocol.Envelope)
}

func (h HandlerFuncs) HandleCommand(ctx context.Context, p *Peer, cmd protocol.Envelope) protocol.Envelope {
	if h.Command == nil {
		ack, _ := protocol.AckFor(cmd, nil)
		return ack
	}
	return h.Command(ctx, p, cmd)
}

func (h HandlerFuncs) HandleEvent(ctx context.Context, p *Peer, evt protocol.Envelope) {
	if h.Event != nil {
		h.Event(ctx, p, evt)
	}
}

// Peer is one end of a command channel over a single connection.
type Peer struct {
	name    string
	conn    net.Conn
	reader  *protocol.Reader
	cfg     Config
	handler Handler

	outbox *Outbox
	acks   *AckCache
	events chan protocol.Envelope

	writeMu sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	mu        sync.Mutex
	cancel    context.CancelFunc
	err       error
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewPeer wraps conn. br may carry bytes already buffered during the hello
// exchange; nil allocates a fresh reader.
func NewPeer(name string, conn net.Conn, br *bufio.Reader, cfg Config, handler Handler) *Peer {
	cfg = cfg.withDefaults()
	if br == nil {
		br = bufio.NewReader(conn)
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	return &Peer{
		name:     strings.TrimSpace(name),
		conn:     conn,
		reader:   protocol.NewReader(br, cfg.Limits),
		cfg:      cfg,
		handler:  handler,
		outbox:   NewOutbox(),
		acks:     NewAckCache(cfg.AckCacheSize),
		events:   make(chan protocol.Envelope, cfg.EventQueueSize),
		inflight: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

func (p *Peer) Name() string { return p.name }

func (p *Peer) RemoteAddr() string {
	if p.conn == nil || p.conn.RemoteAddr() == nil {
		return ""
	}
	return p.conn.RemoteAddr().String()
}

func (p *Peer) Outbox() *Outbox { return p.outbox }

func (p *Peer) Done() <-chan struct{} { return p.done }

// Err returns the reason the peer closed, or nil while it is open.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Run serves the connection until it closes or ctx ends. It waits for the
// event queue and in-flight command handlers before returning.
func (p *Peer) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	stop := context.AfterFunc(runCtx, func() {
		p.closeWithErr(ErrPeerClosed)
	})
	defer stop()

	p.wg.Add(1)
	go p.eventLoop(runCtx)

	err := p.readLoop(runCtx)
	p.closeWithErr(err)
	cancel()
	p.wg.Wait()
	log.Debug().Str("peer", p.name).Err(p.Err()).Msg("link.Peer.Run exit")
	return p.Err()
}

// Close is safe from any goroutine, including handlers.
func (p *Peer) Close() error {
	p.closeWithErr(ErrPeerClosed)
	return nil
}

func (p *Peer) closeWithErr(err error) {
	p.closeOnce.Do(func() {
		if err == nil {
			err = ErrPeerClosed
		}
		p.mu.Lock()
		p.err = err
		cancel := p.cancel
		p.mu.Unlock()
		close(p.done)
		if p.conn != nil {
			_ = p.conn.Close()
		}
		if cancel != nil {
			cancel()
		}
	})
}

// Command builds and sends one command, waiting for its ack.
func (p *Peer) Command(ctx context.Context, name string, payload any) (protocol.Envelope, error) {
	cmd, err := protocol.NewCommand(name, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return p.Request(ctx, cmd)
}

// Request sends cmd and waits for the ack with the same correlation id,
// resending up to MaxRetries times on ack timeout. A non-ok ack is returned
// together with an ErrCommandFailed error.
func (p *Peer) Request(ctx context.Context, cmd protocol.Envelope) (protocol.Envelope, error) {
	cmd.Type = protocol.TypeCommand
	if strings.TrimSpace(cmd.ID) == "" {
		cmd.ID = protocol.NewID()
	}
	f, err := protocol.Marshal(cmd)
	if err != nil {
		return protocol.Envelope{}, err
	}
	ackCh := p.outbox.register(cmd, time.Now())
	defer p.outbox.remove(cmd.ID)

	sends := p.cfg.MaxRetries + 1
	for attempt := 1; attempt <= sends; attempt++ {
		p.outbox.markAttempt(cmd.ID, time.Now())
		if err := p.writeFrame(f); err != nil {
			return protocol.Envelope{}, fmt.Errorf("%w: %s: %w", ErrUnreachable, cmd.Command, err)
		}
		timer := time.NewTimer(p.cfg.AckTimeout)
		select {
		case ack := <-ackCh:
			timer.Stop()
			if !ack.OK() {
				return ack, fmt.Errorf("%w: %s code=%s: %s", ErrCommandFailed, cmd.Command, ack.Code, ack.Error)
			}
			return ack, nil
		case <-timer.C:
			log.Warn().
				Str("peer", p.name).
				Str("command", cmd.Command).
				Str("id", cmd.ID).
				Int("attempt", attempt).
				Msg("link.Peer.Request ack timeout")
		case <-ctx.Done():
			timer.Stop()
			return protocol.Envelope{}, ctx.Err()
		case <-p.done:
			timer.Stop()
			return protocol.Envelope{}, fmt.Errorf("%w: %s", ErrPeerClosed, cmd.Command)
		}
	}
	return protocol.Envelope{}, fmt.Errorf("%w: %s id=%s sends=%d", ErrUnreachable, cmd.Command, cmd.ID, sends)
}

// Emit sends a fire-and-forget event.
func (p *Peer) Emit(evt protocol.Envelope) error {
	evt.Type = protocol.TypeEvent
	f, err := protocol.Marshal(evt)
	if err != nil {
		return err
	}
	return p.writeFrame(f)
}

// EmitEvent builds and sends one event.
func (p *Peer) EmitEvent(name string, payload any) error {
	evt, err := protocol.NewEvent(name, payload)
	if err != nil {
		return err
	}
	return p.Emit(evt)
}

func (p *Peer) writeFrame(f frame.Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	err := frame.WriteFrame(p.conn, f, p.cfg.Limits)
	_ = p.conn.SetWriteDeadline(time.Time{})
	if err != nil && !errors.Is(err, frame.ErrPayloadTooLarge) && !errors.Is(err, frame.ErrLineTooLong) {
		p.closeWithErr(err)
	}
	return err
}

func (p *Peer) writeEnvelope(env protocol.Envelope) error {
	f, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	return p.writeFrame(f)
}

func (p *Peer) readLoop(ctx context.Context) error {
	for {
		env, err := p.reader.Next()
		if err != nil {
			if protocol.IsProtocolError(err) {
				log.Warn().Str("peer", p.name).Err(err).Msg("link.Peer.readLoop dropped message")
				continue
			}
			return err
		}
		switch env.Type {
		case protocol.TypeAck:
			if !p.outbox.resolve(env) {
				log.Debug().
					Str("peer", p.name).
					Str("id", env.ID).
					Msg("link.Peer.readLoop ack for unknown correlation id")
			}
		case protocol.TypeCommand:
			p.dispatchCommand(ctx, env)
		case protocol.TypeEvent:
			select {
			case p.events <- env:
			default:
				log.Warn().
					Str("peer", p.name).
					Str("event", env.Name).
					Msg("link.Peer.readLoop event queue full; dropped")
			}
		}
	}
}

func (p *Peer) dispatchCommand(ctx context.Context, cmd protocol.Envelope) {
	if ack, ok := p.acks.Get(cmd.ID); ok {
		log.Debug().Str("peer", p.name).Str("id", cmd.ID).Msg("link.Peer duplicate command; replaying ack")
		if err := p.writeEnvelope(ack); err != nil {
			log.Warn().Str("peer", p.name).Err(err).Msg("link.Peer ack replay failed")
		}
		return
	}
	p.inflightMu.Lock()
	if _, busy := p.inflight[cmd.ID]; busy {
		p.inflightMu.Unlock()
		return
	}
	p.inflight[cmd.ID] = struct{}{}
	p.inflightMu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ack := p.serveCommand(ctx, cmd)
		p.acks.Put(ack)
		p.inflightMu.Lock()
		delete(p.inflight, cmd.ID)
		p.inflightMu.Unlock()
		if err := p.writeEnvelope(ack); err != nil {
			log.Warn().
				Str("peer", p.name).
				Str("command", cmd.Command).
				Err(err).
				Msg("link.Peer ack write failed")
		}
	}()
}

func (p *Peer) serveCommand(ctx context.Context, cmd protocol.Envelope) protocol.Envelope {
	var ack protocol.Envelope
	if err := schema.Validate(cmd.Command, cmd.Payload); err != nil {
		code := CodeInvalidPayload
		if !schema.Known(cmd.Command) {
			code = CodeUnknownCommand
		}
		ack = protocol.ErrorAckFor(cmd, code, err)
	} else {
		ack = p.handler.HandleCommand(ctx, p, cmd)
	}
	ack.Type = protocol.TypeAck
	ack.ID = cmd.ID
	ack.Command = cmd.Command
	ack.Legacy = cmd.Legacy
	if ack.Status == "" {
		ack.Status = protocol.StatusOK
	}
	return ack
}

func (p *Peer) eventLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-p.events:
			p.handler.HandleEvent(ctx, p, evt)
		}
	}
}
