package link

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Connector opens one registered command channel. The returned peer is not
// yet running.
type Connector interface {
	Connect(ctx context.Context) (*Peer, HelloAck, error)
}

// ResolveFunc finds the hub's command channel address.
type ResolveFunc func(ctx context.Context) (string, error)

// Client dials the hub and performs the hello exchange.
type Client struct {
	cfg     Config
	hello   func() Hello
	handler Handler

	mu      sync.Mutex
	addr    string
	resolve ResolveFunc
}

// NewClient builds a hub dialer. hello is called on every connect so the
// registration reflects current session state.
func NewClient(addr string, cfg Config, hello func() Hello, handler Handler) *Client {
	return &Client{
		addr:    strings.TrimSpace(addr),
		cfg:     cfg.withDefaults(),
		hello:   hello,
		handler: handler,
	}
}

// WithResolver looks the hub up before every connect instead of dialing a
// fixed address. The last resolved address is kept if a lookup fails.
func (c *Client) WithResolver(fn ResolveFunc) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolve = fn
	return c
}

func (c *Client) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

func (c *Client) target(ctx context.Context) (string, error) {
	c.mu.Lock()
	resolve, last := c.resolve, c.addr
	c.mu.Unlock()
	if resolve == nil {
		return last, nil
	}
	addr, err := resolve(ctx)
	if err != nil {
		if last != "" {
			log.Warn().Err(err).Str("hub", last).Msg("link.Client.Connect lookup failed; using last address")
			return last, nil
		}
		return "", err
	}
	addr = strings.TrimSpace(addr)
	c.mu.Lock()
	c.addr = addr
	c.mu.Unlock()
	return addr, nil
}

func (c *Client) Connect(ctx context.Context) (*Peer, HelloAck, error) {
	addr, err := c.target(ctx)
	if err != nil {
		return nil, HelloAck{}, err
	}
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, HelloAck{}, err
	}
	hello := c.hello()
	_ = conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if err := WriteHello(conn, hello); err != nil {
		_ = conn.Close()
		return nil, HelloAck{}, fmt.Errorf("link: write hello: %w", err)
	}
	br := bufio.NewReader(conn)
	ack, err := ReadHelloAck(br)
	if err != nil {
		_ = conn.Close()
		return nil, HelloAck{}, fmt.Errorf("link: read hello ack: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	if ack.Status != HelloAccepted {
		_ = conn.Close()
		return nil, ack, fmt.Errorf("%w: %s", ErrHelloRejected, ack.Message)
	}
	ack.TransferAddr = ResolveAdvertised(ack.TransferAddr, addr)
	ack.TimeSyncAddr = ResolveAdvertised(ack.TimeSyncAddr, addr)
	log.Info().
		Str("hub", addr).
		Str("node", hello.NodeID).
		Str("transfer", ack.TransferAddr).
		Str("time_sync", ack.TimeSyncAddr).
		Msg("link.Client.Connect registered")
	return NewPeer("hub", conn, br, c.cfg, c.handler), ack, nil
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	if err := c.cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !c.cfg.TLS.Enabled {
		return rawConn, nil
	}
	tlsCfg, err := c.cfg.ClientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// ResolveAdvertised fills an empty or unspecified host in advertised with the
// host of channelAddr.
func ResolveAdvertised(advertised, channelAddr string) string {
	advertised = strings.TrimSpace(advertised)
	if advertised == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(advertised)
	if err != nil {
		return advertised
	}
	if host != "" {
		if ip := net.ParseIP(host); ip == nil || !ip.IsUnspecified() {
			return advertised
		}
	}
	chHost, _, err := net.SplitHostPort(channelAddr)
	if err != nil {
		return advertised
	}
	return net.JoinHostPort(chHost, port)
}
