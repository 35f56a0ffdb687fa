package clock

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Server answers every datagram with its Monotonic reading in decimal ASCII.
type Server struct {
	addr string

	mu   sync.Mutex
	conn net.PacketConn
}

func NewServer(addr string) *Server {
	return &Server{addr: strings.TrimSpace(addr)}
}

// Listen binds the socket so Addr is known before Serve.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return s.addr
	}
	return s.conn.LocalAddr().String()
}

// Serve replies until ctx ends or the socket closes.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	log.Info().Str("addr", conn.LocalAddr().String()).Msg("clock.Server.Serve listening")
	buf := make([]byte, 512)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if n == 0 {
			continue
		}
		reply := strconv.AppendInt(nil, Monotonic(), 10)
		if _, err := conn.WriteTo(reply, from); err != nil {
			log.Debug().Err(err).Str("peer", from.String()).Msg("clock.Server reply failed")
		}
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	return err
}
