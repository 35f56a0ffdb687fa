package hub

import (
	"context"
	"fmt"

	"github.com/danmuck/capturectl/internal/link"
	"github.com/danmuck/capturectl/internal/observability"
	"github.com/danmuck/capturectl/internal/protocol"
	"github.com/rs/zerolog/log"
)

// nodeHandler serves commands and events a registered node sends upstream.
type nodeHandler struct {
	svc    *Service
	nodeID string
}

func (h *nodeHandler) HandleCommand(ctx context.Context, p *link.Peer, cmd protocol.Envelope) protocol.Envelope {
	switch cmd.Command {
	case protocol.CmdHeartbeat:
		var hb protocol.HeartbeatPayload
		if err := cmd.DecodePayload(&hb); err != nil {
			return protocol.ErrorAckFor(cmd, link.CodeInvalidPayload, err)
		}
		h.heartbeat(hb)
		ack, _ := protocol.AckFor(cmd, nil)
		return ack
	case protocol.CmdSessionRejoin:
		var req protocol.SessionRejoinPayload
		if err := cmd.DecodePayload(&req); err != nil {
			return protocol.ErrorAckFor(cmd, link.CodeInvalidPayload, err)
		}
		decision := h.svc.orch.Rejoin(h.nodeID, req)
		h.svc.sink().NodeEvent(h.nodeID, "rejoin", decision)
		ack, err := protocol.AckFor(cmd, decision)
		if err != nil {
			return protocol.ErrorAckFor(cmd, link.CodeHandlerFailed, err)
		}
		return ack
	default:
		return protocol.ErrorAckFor(cmd, link.CodeUnknownCommand, fmt.Errorf("hub: unsupported command %q", cmd.Command))
	}
}

// heartbeat drops stale sequences silently; the ack is sent either way.
func (h *nodeHandler) heartbeat(hb protocol.HeartbeatPayload) {
	accepted := h.svc.monitor.Record(h.nodeID, hb.Seq)
	observability.RecordHeartbeat(h.nodeID, accepted)
	if !accepted {
		return
	}
	h.svc.registry.ObserveHeartbeat(h.nodeID, hb)
	observability.RecordClockOffset(h.nodeID, hb.OffsetNS, hb.SyncStale)
}

func (h *nodeHandler) HandleEvent(ctx context.Context, p *link.Peer, evt protocol.Envelope) {
	switch evt.Name {
	case protocol.EventRecordingState:
		var st protocol.RecordingStateEvent
		if err := evt.DecodePayload(&st); err != nil {
			log.Warn().Err(err).Str("node", h.nodeID).Msg("hub.nodeHandler bad recording_state")
			return
		}
		h.svc.orch.ObserveRecordingState(h.nodeID, st)
		h.svc.sink().NodeEvent(h.nodeID, evt.Name, st)
	case protocol.EventTransferComplete:
		var tc protocol.TransferCompleteEvent
		if err := evt.DecodePayload(&tc); err != nil {
			log.Warn().Err(err).Str("node", h.nodeID).Msg("hub.nodeHandler bad transfer_complete")
			return
		}
		h.svc.orch.TransferReported(h.nodeID, tc)
		h.svc.sink().NodeEvent(h.nodeID, evt.Name, tc)
	case protocol.EventBye:
		var bye protocol.ByeEvent
		_ = evt.DecodePayload(&bye)
		log.Info().Str("node", h.nodeID).Str("reason", bye.Reason).Msg("hub.nodeHandler node said bye")
		_ = p.Close()
	default:
		log.Debug().Str("node", h.nodeID).Str("event", evt.Name).Msg("hub.nodeHandler ignoring event")
	}
}
