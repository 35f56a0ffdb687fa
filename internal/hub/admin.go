package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Admin actions served on the admin endpoint.
const (
	ActionStatus       = "status"
	ActionNodes        = "nodes"
	ActionStartSession = "start_session"
	ActionStopSession  = "stop_session"
	ActionSession      = "session"
	ActionSessions     = "sessions"
	ActionFlashSync    = "flash_sync"
	ActionTimeSync     = "time_sync"
)

// AdminRequest is one newline-terminated admin request.
type AdminRequest struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id,omitempty"`
}

type AdminResponse struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// HubStatus is the status action payload.
type HubStatus struct {
	NodesConnected int            `json:"nodes_connected"`
	NodesOnline    int            `json:"nodes_online"`
	Ready          []string       `json:"ready"`
	Quorum         string         `json:"quorum"`
	Session        *SessionRecord `json:"session,omitempty"`
	ChannelAddr    string         `json:"channel_addr"`
	TransferAddr   string         `json:"transfer_addr"`
	TimeSyncAddr   string         `json:"time_sync_addr"`
	SessionRoot    string         `json:"session_root"`
}

// BroadcastResult wraps per-node results of flash_sync and time_sync. Error
// is set when at least one node failed.
type BroadcastResult[T any] struct {
	Results []T    `json:"results"`
	Error   string `json:"error,omitempty"`
}

func (s *Service) Status() HubStatus {
	connected, online := s.registry.Counts()
	st := HubStatus{
		NodesConnected: connected,
		NodesOnline:    online,
		Ready:          s.registry.Ready(),
		Quorum:         s.orch.Quorum().String(),
		ChannelAddr:    s.ChannelAddr(),
		TransferAddr:   s.TransferAddr(),
		TimeSyncAddr:   s.TimeSyncAddr(),
		SessionRoot:    s.cfg.SessionRoot,
	}
	if rec, ok := s.orch.Current(); ok {
		st.Session = &rec
	}
	return st
}

func (s *Service) serveAdmin(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Msg("hub.admin listening")
	go func() {
		<-ctx.Done()
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
		go s.handleAdminConn(ctx, conn)
	}
}

// handleAdminConn decodes one request per line and writes one response per line.
func (s *Service) handleAdminConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	remote := conn.RemoteAddr().String()
	active := s.adminClientCount.Add(1)
	log.Debug().Str("remote", remote).Int64("active_clients", active).Msg("hub.admin client connected")
	defer s.adminClientCount.Add(-1)

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Warn().Err(err).Str("remote", remote).Msg("hub.admin read failed")
			}
			return
		}
		var req AdminRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeAdminResponse(conn, AdminResponse{Error: err.Error()})
			continue
		}
		resp := s.handleAdminRequest(ctx, req)
		if err := writeAdminResponse(conn, resp); err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("hub.admin write failed")
			return
		}
	}
}

func (s *Service) handleAdminRequest(ctx context.Context, req AdminRequest) AdminResponse {
	action := strings.TrimSpace(req.Action)
	log.Debug().Str("action", action).Str("session", req.SessionID).Msg("hub.admin request")
	oc := s.orch.cfg
	switch action {
	case ActionStatus:
		return adminOK(s.Status())
	case ActionNodes:
		return adminOK(s.registry.Snapshot())
	case ActionStartSession:
		opCtx, cancel := context.WithTimeout(ctx, oc.StartTimeout+oc.StopTimeout)
		defer cancel()
		rec, err := s.orch.Start(opCtx, req.SessionID)
		if err != nil {
			resp := adminErr(err)
			if rec.ID != "" {
				resp.Data = mustJSON(rec)
			}
			return resp
		}
		return adminOK(rec)
	case ActionStopSession:
		opCtx, cancel := context.WithTimeout(ctx, oc.StopTimeout+time.Second)
		defer cancel()
		rec, err := s.orch.Stop(opCtx)
		if err != nil {
			return adminErr(err)
		}
		return adminOK(rec)
	case ActionSession:
		id := strings.TrimSpace(req.SessionID)
		var (
			rec SessionRecord
			ok  bool
		)
		if id == "" {
			rec, ok = s.orch.Current()
		} else {
			rec, ok = s.orch.Session(id)
		}
		if !ok {
			return adminErr(fmt.Errorf("%w: %q", ErrUnknownSession, id))
		}
		return adminOK(rec)
	case ActionSessions:
		return adminOK(s.orch.Sessions())
	case ActionFlashSync:
		out, err := s.orch.FlashSync(ctx)
		return broadcastResponse(out, err)
	case ActionTimeSync:
		out, err := s.orch.TimeSync(ctx)
		return broadcastResponse(out, err)
	default:
		return AdminResponse{Error: fmt.Sprintf("unknown action: %s", action)}
	}
}

// broadcastResponse is ok when some nodes answered, carrying the partial
// failure in the payload.
func broadcastResponse[T any](results []T, err error) AdminResponse {
	if err != nil && len(results) == 0 {
		return adminErr(err)
	}
	res := BroadcastResult[T]{Results: results}
	if err != nil {
		res.Error = err.Error()
	}
	return adminOK(res)
}

func adminOK(data any) AdminResponse {
	return AdminResponse{OK: true, Data: mustJSON(data)}
}

func adminErr(err error) AdminResponse {
	return AdminResponse{Error: err.Error()}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func writeAdminResponse(w io.Writer, resp AdminResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = w.Write(raw)
	return err
}
