// Package eventbus publishes hub lifecycle events to external consumers.
package eventbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Event is a CloudEvents-shaped envelope.
type Event struct {
	SpecVersion     string    `json:"specversion"`
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	Type            string    `json:"type"`
	Subject         string    `json:"subject"`
	Time            time.Time `json:"time"`
	DataContentType string    `json:"datacontenttype"`
	Data            any       `json:"data,omitempty"`
}

// Sink receives hub events. Publish must not block the caller for long.
type Sink interface {
	NodeEvent(nodeID, kind string, data any)
	SessionEvent(sessionID, state string, data any)
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) NodeEvent(string, string, any)    {}
func (Nop) SessionEvent(string, string, any) {}
func (Nop) Close() error                     { return nil }

type Config struct {
	URL    string
	Prefix string
	Source string
	Name   string
}

func DefaultConfig() Config {
	return Config{Prefix: "capturectl", Source: "capturectl/hub", Name: "capturectl-hub"}
}

// NATSSink publishes events on core NATS subjects:
// <prefix>.node.<id>.<kind> and <prefix>.session.<id>.<state>.
type NATSSink struct {
	cfg Config
	nc  *nats.Conn

	mu     sync.Mutex
	closed bool
}

// Connect dials NATS. An empty URL returns a Nop sink.
func Connect(cfg Config) (Sink, error) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.URL) == "" {
		return Nop{}, nil
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.Source == "" {
		cfg.Source = def.Source
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn().Err(err).Msg("eventbus.NATSSink nats error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("eventbus.NATSSink disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("eventbus.NATSSink reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect %s: %w", cfg.URL, err)
	}
	log.Info().Str("url", cfg.URL).Str("prefix", cfg.Prefix).Msg("eventbus.Connect nats sink ready")
	return &NATSSink{cfg: cfg, nc: nc}, nil
}

func (s *NATSSink) NodeEvent(nodeID, kind string, data any) {
	s.publish(s.subject("node", nodeID, kind), "node."+kind, data)
}

func (s *NATSSink) SessionEvent(sessionID, state string, data any) {
	s.publish(s.subject("session", sessionID, state), "session."+state, data)
}

func (s *NATSSink) subject(scope, id, leaf string) string {
	return strings.Join([]string{s.cfg.Prefix, scope, token(id), token(leaf)}, ".")
}

func (s *NATSSink) publish(subject, typ string, data any) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	evt := Event{
		SpecVersion:     "1.0",
		ID:              uuid.NewString(),
		Source:          s.cfg.Source,
		Type:            s.cfg.Prefix + "." + typ,
		Subject:         subject,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("eventbus.NATSSink encode failed")
		return
	}
	if err := s.nc.Publish(subject, raw); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("eventbus.NATSSink publish failed")
	}
}

func (s *NATSSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.nc.Drain()
	if err != nil {
		s.nc.Close()
	}
	return err
}

// token keeps ids from introducing extra subject levels or wildcards.
func token(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
