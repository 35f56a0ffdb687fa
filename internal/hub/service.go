package hub

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/capturectl/internal/clock"
	"github.com/danmuck/capturectl/internal/discovery"
	"github.com/danmuck/capturectl/internal/eventbus"
	"github.com/danmuck/capturectl/internal/heartbeat"
	"github.com/danmuck/capturectl/internal/link"
	"github.com/danmuck/capturectl/internal/logging"
	"github.com/danmuck/capturectl/internal/observability"
	"github.com/danmuck/capturectl/internal/protocol"
	"github.com/danmuck/capturectl/internal/transfer"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrIdentityMismatch = errors.New("hub: node id does not match peer certificate")

// ServiceConfig is the hub process configuration.
type ServiceConfig struct {
	ListenAddr   string
	TransferAddr string
	TimeSyncAddr string
	// Advertised addresses are sent in the hello ack. Empty means the bound
	// port on the command channel's host.
	AdvertiseTransferAddr string
	AdvertiseTimeSyncAddr string
	AdminAddr             string
	MetricsAddr           string
	SessionRoot           string
	// RequireIdentityBinding rejects a node whose id differs from its TLS
	// client certificate identity.
	RequireIdentityBinding bool

	Link         link.Config
	Heartbeat    heartbeat.MonitorConfig
	Orchestrator OrchestratorConfig
	Transfer     transfer.ReceiverConfig
	Events       eventbus.Config
	// Discovery, when enabled, advertises the command channel over mDNS.
	Discovery discovery.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:             ":7400",
		TransferAddr:           ":7401",
		TimeSyncAddr:           ":7402",
		AdminAddr:              "127.0.0.1:7410",
		SessionRoot:            "sessions",
		RequireIdentityBinding: true,
		Link:                   link.DefaultConfig(),
		Heartbeat:              heartbeat.DefaultMonitorConfig(),
		Orchestrator:           DefaultOrchestratorConfig(),
		Transfer:               transfer.DefaultReceiverConfig(),
		Events:                 eventbus.DefaultConfig(),
		Discovery:              discovery.DefaultConfig(),
	}
}

type peerAuth struct {
	identity      string
	authenticated bool
}

// Service runs the hub: command channel, transfer intake, time-sync
// responder, liveness monitor and the admin and metrics endpoints.
type Service struct {
	cfg ServiceConfig

	registry *Registry
	orch     *Orchestrator
	monitor  *heartbeat.Monitor
	receiver *transfer.Receiver
	clock    *clock.Server

	eventsMu sync.RWMutex
	events   eventbus.Sink

	lnMu      sync.Mutex
	channelLn net.Listener
	adminLn   net.Listener
	metricsLn net.Listener

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	peers   sync.WaitGroup

	nodeClientCount  atomic.Int64
	adminClientCount atomic.Int64
}

func NewService(cfg ServiceConfig) *Service {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(cfg.TransferAddr) == "" {
		cfg.TransferAddr = def.TransferAddr
	}
	if strings.TrimSpace(cfg.TimeSyncAddr) == "" {
		cfg.TimeSyncAddr = def.TimeSyncAddr
	}
	if strings.TrimSpace(cfg.SessionRoot) == "" {
		cfg.SessionRoot = def.SessionRoot
	}
	cfg.Transfer.Root = cfg.SessionRoot

	observability.RegisterMetrics()
	registry := NewRegistry()
	s := &Service{
		cfg:      cfg,
		registry: registry,
		orch:     NewOrchestrator(cfg.Orchestrator, registry),
		monitor:  heartbeat.NewMonitor(cfg.Heartbeat),
		receiver: transfer.NewReceiver(cfg.Transfer),
		clock:    clock.NewServer(cfg.TimeSyncAddr),
		events:   eventbus.Nop{},
		conns:    make(map[net.Conn]struct{}),
	}
	s.wire()
	return s
}

func (s *Service) wire() {
	s.monitor.OnOffline(func(nodeID string, lastSeen time.Time) {
		s.registry.SetOnline(nodeID, false)
		s.orch.NodeLost(nodeID)
		s.publishCounts()
		s.sink().NodeEvent(nodeID, "offline", map[string]any{"last_seen": lastSeen})
	})
	s.monitor.OnOnline(func(nodeID string) {
		s.registry.SetOnline(nodeID, true)
		s.orch.NodeBack(nodeID)
		s.publishCounts()
		s.sink().NodeEvent(nodeID, "online", nil)
	})
	s.receiver.OnAccept(func(acc transfer.Accepted) {
		observability.RecordTransfer(true, acc.SizeBytes)
		s.orch.TransferAccepted(acc.SessionID, acc.DeviceID, acc.Filename, acc.SizeBytes)
		s.sink().NodeEvent(acc.DeviceID, "transfer_accepted", map[string]any{
			"session_id": acc.SessionID,
			"filename":   acc.Filename,
			"size_bytes": acc.SizeBytes,
			"sha256":     acc.SHA256,
		})
	})
	s.receiver.OnReject(func(hdr transfer.Header, err error) {
		observability.RecordTransfer(false, 0)
		if hdr.DeviceID != "" {
			s.sink().NodeEvent(hdr.DeviceID, "transfer_rejected", map[string]any{
				"session_id": hdr.SessionID,
				"error":      err.Error(),
			})
		}
	})
	s.orch.OnSession(func(rec SessionRecord) {
		observability.RecordSessionState(string(rec.State))
		s.sink().SessionEvent(rec.ID, string(rec.State), rec)
	})
}

// SetEventSink replaces the lifecycle event sink. The previous sink is not
// closed.
func (s *Service) SetEventSink(sink eventbus.Sink) {
	if sink == nil {
		sink = eventbus.Nop{}
	}
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.events = sink
}

func (s *Service) sink() eventbus.Sink {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	return s.events
}

func (s *Service) Registry() *Registry { return s.registry }
func (s *Service) Orchestrator() *Orchestrator { return s.orch }
func (s *Service) Monitor() *heartbeat.Monitor { return s.monitor }
func (s *Service) Receiver() *transfer.Receiver { return s.receiver }
func (s *Service) SessionRoot() string { return s.cfg.SessionRoot }
func (s *Service) Config() ServiceConfig { return s.cfg }
func (s *Service) TransferAddr() string { return s.receiver.Addr() }
func (s *Service) TimeSyncAddr() string { return s.clock.Addr() }
func (s *Service) ChannelAddr() string { return lnAddr(&s.lnMu, &s.channelLn) }
func (s *Service) AdminAddr() string { return lnAddr(&s.lnMu, &s.adminLn) }
func (s *Service) MetricsAddr() string { return lnAddr(&s.lnMu, &s.metricsLn) }

func lnAddr(mu *sync.Mutex, ln *net.Listener) string {
	mu.Lock()
	defer mu.Unlock()
	if *ln == nil {
		return ""
	}
	return (*ln).Addr().String()
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if url := strings.TrimSpace(s.cfg.Events.URL); url != "" {
		sink, err := eventbus.Connect(s.cfg.Events)
		if err != nil {
			return err
		}
		defer sink.Close()
		s.SetEventSink(sink)
	}
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Listen binds every configured endpoint. On error nothing stays bound.
func (s *Service) Listen() (err error) {
	if err := s.cfg.Link.ValidateServerTransport(); err != nil {
		return err
	}
	var bound []func()
	defer func() {
		if err != nil {
			for _, undo := range bound {
				undo()
			}
		}
	}()

	channelLn, err := s.listenChannel()
	if err != nil {
		return fmt.Errorf("hub: command channel: %w", err)
	}
	bound = append(bound, func() { _ = channelLn.Close() })

	if err := s.receiver.Listen(s.cfg.TransferAddr); err != nil {
		return fmt.Errorf("hub: transfer: %w", err)
	}
	bound = append(bound, func() { _ = s.receiver.Close() })

	if err := s.clock.Listen(); err != nil {
		return fmt.Errorf("hub: time sync: %w", err)
	}
	bound = append(bound, func() { _ = s.clock.Close() })

	var adminLn, metricsLn net.Listener
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		if adminLn, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("hub: admin: %w", err)
		}
		bound = append(bound, func() { _ = adminLn.Close() })
	}
	if addr := strings.TrimSpace(s.cfg.MetricsAddr); addr != "" {
		if metricsLn, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("hub: metrics: %w", err)
		}
	}

	s.lnMu.Lock()
	s.channelLn = channelLn
	s.adminLn = adminLn
	s.metricsLn = metricsLn
	s.lnMu.Unlock()
	log.Info().
		Str("channel", channelLn.Addr().String()).
		Str("transfer", s.receiver.Addr()).
		Str("time_sync", s.clock.Addr()).
		Str("admin", s.AdminAddr()).
		Str("metrics", s.MetricsAddr()).
		Msg("hub.Service.Listen bound")
	return nil
}

func (s *Service) listenChannel() (net.Listener, error) {
	if !s.cfg.Link.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Link.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve runs every bound endpoint until ctx ends or one of them fails.
func (s *Service) Serve(ctx context.Context) error {
	s.lnMu.Lock()
	channelLn, adminLn, metricsLn := s.channelLn, s.adminLn, s.metricsLn
	s.lnMu.Unlock()
	if channelLn == nil {
		return errors.New("hub: Serve called before Listen")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.serveChannel(ctx, channelLn) })
	g.Go(func() error { return s.receiver.Serve(ctx) })
	g.Go(func() error { return s.clock.Serve(ctx) })
	g.Go(func() error {
		s.monitor.Run(ctx)
		return nil
	})
	if adminLn != nil {
		g.Go(func() error { return s.serveAdmin(ctx, adminLn) })
	}
	if metricsLn != nil {
		g.Go(func() error { return serveMetrics(ctx, metricsLn) })
	}
	if s.cfg.Discovery.Enabled {
		g.Go(func() error {
			s.advertise(ctx, channelLn.Addr().String())
			return nil
		})
	}
	err := g.Wait()
	s.peers.Wait()
	log.Info().Err(err).Msg("hub.Service.Serve stopped")
	return err
}

// advertise publishes the command channel until ctx ends. A hub that cannot
// advertise still serves nodes configured with its address.
func (s *Service) advertise(ctx context.Context, channelAddr string) {
	a, err := discovery.Advertise(s.cfg.Discovery, channelAddr, "version="+strconv.Itoa(protocol.Version))
	if err != nil {
		log.Warn().Err(err).Msg("hub.Service.advertise disabled")
		return
	}
	<-ctx.Done()
	a.Shutdown()
}

func serveMetrics(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           observability.MetricsHandler(logging.Component("metrics")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) serveChannel(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		s.peers.Add(1)
		go func() {
			defer s.peers.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn registers one node and serves its command channel until it
// disconnects.
func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.nodeClientCount.Add(1)
	log.Debug().Str("remote", remote).Int64("active_clients", active).Msg("hub.Service.handleConn connected")
	defer s.nodeClientCount.Add(-1)

	auth, err := s.authenticateConn(conn)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("hub.Service.handleConn transport auth failed")
		return
	}

	_ = conn.SetDeadline(time.Now().Add(s.cfg.Link.HandshakeTimeout))
	br := bufio.NewReader(conn)
	hello, err := link.ReadHello(br)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("hub.Service.handleConn bad hello")
		s.reject(conn, "unknown", "invalid hello")
		return
	}
	nodeID := strings.TrimSpace(hello.NodeID)
	if s.cfg.RequireIdentityBinding && auth.authenticated && auth.identity != nodeID {
		log.Warn().Str("node", nodeID).Str("peer_identity", auth.identity).Msg("hub.Service.handleConn identity mismatch")
		s.reject(conn, nodeID, ErrIdentityMismatch.Error())
		return
	}

	peer := link.NewPeer(nodeID, conn, br, s.cfg.Link, &nodeHandler{svc: s, nodeID: nodeID})
	rec, err := s.registry.Register(hello, remote, peer)
	if err != nil {
		log.Warn().Err(err).Str("node", nodeID).Str("remote", remote).Msg("hub.Service.handleConn registration rejected")
		s.reject(conn, nodeID, err.Error())
		return
	}
	ack := link.HelloAck{
		Status:       link.HelloAccepted,
		NodeID:       nodeID,
		TransferAddr: advertise(s.cfg.AdvertiseTransferAddr, s.receiver.Addr()),
		TimeSyncAddr: advertise(s.cfg.AdvertiseTimeSyncAddr, s.clock.Addr()),
		TimestampMS:  uint64(time.Now().UnixMilli()),
	}
	if err := link.WriteHelloAck(conn, ack); err != nil {
		log.Warn().Err(err).Str("node", nodeID).Msg("hub.Service.handleConn write hello ack")
		s.registry.Disconnect(nodeID, peer)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	s.monitor.Track(nodeID)
	s.publishCounts()
	log.Info().
		Str("node", nodeID).
		Str("remote", remote).
		Strs("modules", rec.Modules).
		Bool("recording", hello.Recording).
		Str("session", hello.SessionID).
		Msg("hub.Service.handleConn registered")
	s.sink().NodeEvent(nodeID, "connected", rec)
	if hello.Recording {
		s.orch.NodeBack(nodeID)
	}

	go s.queryCapabilities(ctx, peer, nodeID)
	err = peer.Run(ctx)

	if s.registry.Disconnect(nodeID, peer) {
		s.monitor.Forget(nodeID)
		s.orch.NodeLost(nodeID)
		observability.ForgetNode(nodeID)
		s.publishCounts()
		s.sink().NodeEvent(nodeID, "disconnected", map[string]any{"reason": errString(err)})
		log.Info().Str("node", nodeID).Err(err).Msg("hub.Service.handleConn disconnected")
	}
}

func (s *Service) queryCapabilities(ctx context.Context, peer *link.Peer, nodeID string) {
	ack, err := peer.Command(ctx, protocol.CmdQueryCapabilities, nil)
	if err != nil {
		log.Warn().Err(err).Str("node", nodeID).Msg("hub.Service.queryCapabilities failed")
		return
	}
	var caps protocol.Capabilities
	if err := ack.DecodePayload(&caps); err != nil {
		log.Warn().Err(err).Str("node", nodeID).Msg("hub.Service.queryCapabilities bad reply")
		return
	}
	s.registry.SetCapabilities(nodeID, caps)
	log.Debug().Str("node", nodeID).Strs("modules", caps.Modules).Msg("hub.Service.queryCapabilities")
}

func (s *Service) reject(conn net.Conn, nodeID, msg string) {
	_ = link.WriteHelloAck(conn, link.HelloAck{
		Status:      link.HelloRejected,
		Message:     msg,
		NodeID:      nodeID,
		TimestampMS: uint64(time.Now().UnixMilli()),
	})
}

func (s *Service) publishCounts() {
	connected, online := s.registry.Counts()
	observability.SetNodeCounts(connected, online)
}

// authenticateConn completes the TLS handshake and extracts the client
// certificate identity when one is presented.
func (s *Service) authenticateConn(conn net.Conn) (peerAuth, error) {
	if !s.cfg.Link.TLS.Enabled {
		if link.NormalizeSecurityMode(s.cfg.Link.SecurityMode) == link.SecurityModeProduction {
			return peerAuth{}, link.ErrTLSRequired
		}
		return peerAuth{}, nil
	}
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return peerAuth{}, errors.New("hub: expected tls connection")
	}
	_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.Link.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return peerAuth{}, err
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return peerAuth{}, nil
	}
	id := peerIdentityFromCert(state.PeerCertificates[0])
	if id == "" {
		return peerAuth{}, errors.New("hub: empty peer identity from certificate")
	}
	return peerAuth{identity: id, authenticated: true}, nil
}

// peerIdentityFromCert prefers CN, then the first URI, then the first DNS name.
func peerIdentityFromCert(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v
	}
	if len(cert.URIs) > 0 {
		if v := strings.TrimSpace(cert.URIs[0].String()); v != "" {
			return v
		}
	}
	if len(cert.DNSNames) > 0 {
		return strings.TrimSpace(cert.DNSNames[0])
	}
	return ""
}

// advertise returns configured if set, otherwise the port of bound with an
// empty host so the node reuses the command channel host.
func advertise(configured, bound string) string {
	if v := strings.TrimSpace(configured); v != "" {
		return v
	}
	_, port, err := net.SplitHostPort(bound)
	if err != nil {
		return bound
	}
	return net.JoinHostPort("", port)
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
