// Package discovery finds the hub on the local network over mDNS/DNS-SD.
// The hub advertises its command channel; a node without a configured hub
// address browses for it before each connect.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
)

const (
	DefaultService = "_capturectl._tcp"
	DefaultDomain  = "local."
	// txtRole marks records published by a hub.
	txtRole = "role=hub"
)

var (
	ErrNoHub       = errors.New("discovery: no hub answered")
	ErrInvalidAddr = errors.New("discovery: advertised address has no port")
)

type Config struct {
	Enabled bool
	// Instance names the hub's record; empty uses the host name.
	Instance string
	Service  string
	Domain   string
	// Timeout bounds one browse.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Service: DefaultService,
		Domain:  DefaultDomain,
		Timeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Service) == "" {
		c.Service = def.Service
	}
	if strings.TrimSpace(c.Domain) == "" {
		c.Domain = def.Domain
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// RegisterFunc matches zeroconf.Register.
type RegisterFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

// Advertiser publishes the hub's command channel until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise publishes channelAddr's port under cfg.Service. extra TXT
// entries ride along with the hub marker.
func Advertise(cfg Config, channelAddr string, extra ...string) (*Advertiser, error) {
	return advertiseWith(zeroconf.Register, cfg, channelAddr, extra...)
}

func advertiseWith(register RegisterFunc, cfg Config, channelAddr string, extra ...string) (*Advertiser, error) {
	cfg = cfg.withDefaults()
	port, err := portOf(channelAddr)
	if err != nil {
		return nil, err
	}
	instance := strings.TrimSpace(cfg.Instance)
	if instance == "" {
		instance = "capturectl-hub"
	}
	text := append([]string{txtRole}, extra...)
	server, err := register(instance, cfg.Service, cfg.Domain, port, text, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", cfg.Service, err)
	}
	log.Info().Str("instance", instance).Str("service", cfg.Service).Int("port", port).Msg("discovery.Advertise published")
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

func portOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddr, addr)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddr, addr)
	}
	return port, nil
}

// BrowseFunc matches (*zeroconf.Resolver).Browse.
type BrowseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Resolver looks up a hub address by browsing.
type Resolver struct {
	cfg    Config
	browse BrowseFunc
}

func NewResolver(cfg Config) *Resolver {
	return &Resolver{cfg: cfg.withDefaults(), browse: browseMulticast}
}

// WithBrowse replaces the multicast browser.
func (r *Resolver) WithBrowse(fn BrowseFunc) *Resolver {
	if fn != nil {
		r.browse = fn
	}
	return r
}

func browseMulticast(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	res, err := zeroconf.NewResolver()
	if err != nil {
		return err
	}
	return res.Browse(ctx, service, domain, entries)
}

// Lookup returns host:port of the first hub that answers within the
// configured timeout.
func (r *Resolver) Lookup(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := r.browse(ctx, r.cfg.Service, r.cfg.Domain, entries); err != nil {
		return "", fmt.Errorf("discovery: browse %s: %w", r.cfg.Service, err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %s within %s", ErrNoHub, r.cfg.Service, r.cfg.Timeout)
		case e, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrNoHub, r.cfg.Service)
			}
			addr, ok := hubAddr(e)
			if !ok {
				continue
			}
			log.Info().Str("instance", e.Instance).Str("addr", addr).Msg("discovery.Resolver.Lookup found hub")
			return addr, nil
		}
	}
}

// hubAddr picks a dialable address from a hub record, preferring IPv4.
func hubAddr(e *zeroconf.ServiceEntry) (string, bool) {
	if e == nil || e.Port <= 0 || !isHub(e.Text) {
		return "", false
	}
	port := strconv.Itoa(e.Port)
	switch {
	case len(e.AddrIPv4) > 0:
		return net.JoinHostPort(e.AddrIPv4[0].String(), port), true
	case len(e.AddrIPv6) > 0:
		return net.JoinHostPort(e.AddrIPv6[0].String(), port), true
	case strings.TrimSuffix(e.HostName, ".") != "":
		return net.JoinHostPort(strings.TrimSuffix(e.HostName, "."), port), true
	}
	return "", false
}

func isHub(text []string) bool {
	for _, t := range text {
		if t == txtRole {
			return true
		}
	}
	return false
}
