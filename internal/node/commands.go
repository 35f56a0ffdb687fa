package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/capturectl/internal/capture"
	"github.com/danmuck/capturectl/internal/heartbeat"
	"github.com/danmuck/capturectl/internal/link"
	"github.com/danmuck/capturectl/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrSessionMismatch = errors.New("node: command targets a different session")

// hubHandler serves commands the hub sends down the channel.
type hubHandler struct {
	svc *Service
}

func (h *hubHandler) HandleCommand(ctx context.Context, p *link.Peer, cmd protocol.Envelope) protocol.Envelope {
	var (
		reply any
		err   error
	)
	switch cmd.Command {
	case protocol.CmdQueryCapabilities:
		reply = h.capabilities(ctx)
	case protocol.CmdStartRecording:
		var req protocol.StartRecordingPayload
		if err := cmd.DecodePayload(&req); err != nil {
			return protocol.ErrorAckFor(cmd, link.CodeInvalidPayload, err)
		}
		reply, err = h.startRecording(ctx, req)
	case protocol.CmdStopRecording:
		var req protocol.StopRecordingPayload
		if err := cmd.DecodePayload(&req); err != nil {
			return protocol.ErrorAckFor(cmd, link.CodeInvalidPayload, err)
		}
		reply, err = h.stopRecording(ctx, req)
	case protocol.CmdTimeSync:
		reply, err = h.timeSync(ctx)
	case protocol.CmdFlashSync:
		var req protocol.FlashSyncPayload
		if err := cmd.DecodePayload(&req); err != nil {
			return protocol.ErrorAckFor(cmd, link.CodeInvalidPayload, err)
		}
		reply, err = h.flashSync(ctx, req)
	default:
		return protocol.ErrorAckFor(cmd, link.CodeUnknownCommand, fmt.Errorf("node: unsupported command %q", cmd.Command))
	}
	if err != nil {
		log.Warn().Err(err).Str("command", cmd.Command).Msg("node.hubHandler command failed")
		return protocol.ErrorAckFor(cmd, link.CodeHandlerFailed, err)
	}
	ack, err := protocol.AckFor(cmd, reply)
	if err != nil {
		return protocol.ErrorAckFor(cmd, link.CodeHandlerFailed, err)
	}
	return ack
}

// The hub sends no events a node acts on.
func (h *hubHandler) HandleEvent(_ context.Context, _ *link.Peer, evt protocol.Envelope) {
	log.Debug().Str("event", evt.Name).Msg("node.hubHandler event ignored")
}

func (h *hubHandler) capabilities(ctx context.Context) protocol.Capabilities {
	return protocol.Capabilities{
		NodeID:  h.svc.cfg.NodeID,
		Modules: h.svc.modules.IDs(),
		Device:  heartbeat.CollectDevice(ctx),
	}
}

// startRecording is idempotent for the session already recording, so a
// resent command after a lost ack does not fail.
func (h *hubHandler) startRecording(ctx context.Context, req protocol.StartRecordingPayload) (protocol.RecordingReply, error) {
	st := h.svc.ctrl.Status()
	if st.State == capture.StateRecording && st.SessionID == req.SessionID {
		return protocol.RecordingReply{SessionID: st.SessionID, State: string(st.State), Modules: st.Modules}, nil
	}
	meta, err := h.svc.ctrl.StartSession(ctx, req.SessionID)
	if err != nil {
		return protocol.RecordingReply{}, err
	}
	return protocol.RecordingReply{
		SessionID: meta.SessionID,
		State:     string(capture.StateRecording),
		Modules:   meta.ModuleIDs(capture.ModuleRecording),
	}, nil
}

// stopRecording stops the local session and, unless asked to discard, ships
// it. Stopping a session that already ended reports it as stopped.
func (h *hubHandler) stopRecording(ctx context.Context, req protocol.StopRecordingPayload) (protocol.RecordingReply, error) {
	st := h.svc.ctrl.Status()
	if st.State != capture.StateRecording {
		last := h.svc.ctrl.LastSession()
		if req.SessionID != "" && last.SessionID == req.SessionID {
			return protocol.RecordingReply{SessionID: last.SessionID, State: last.State, Modules: last.ModuleIDs(capture.ModuleStopped)}, nil
		}
		return protocol.RecordingReply{}, fmt.Errorf("%w: state=%s", capture.ErrNotRecording, st.State)
	}
	if req.SessionID != "" && st.SessionID != req.SessionID {
		return protocol.RecordingReply{}, fmt.Errorf("%w: recording=%s requested=%s", ErrSessionMismatch, st.SessionID, req.SessionID)
	}
	if req.Discard {
		h.svc.manager.ClearSession()
	}
	meta, err := h.svc.ctrl.StopSession(ctx)
	if err != nil {
		return protocol.RecordingReply{}, err
	}
	if req.Discard {
		log.Info().Str("session", meta.SessionID).Msg("node.hubHandler.stopRecording discarded; data kept locally")
	} else {
		h.svc.scheduleTransfer(meta.SessionID)
	}
	return protocol.RecordingReply{
		SessionID: meta.SessionID,
		State:     meta.State,
		Modules:   meta.ModuleIDs(capture.ModuleStopped),
	}, nil
}

func (h *hubHandler) timeSync(ctx context.Context) (protocol.TimeSyncReply, error) {
	est, err := h.svc.estimator.EstimateOnce(ctx)
	if err != nil {
		return protocol.TimeSyncReply{}, err
	}
	return protocol.TimeSyncReply{
		OffsetNS:   est.OffsetNS,
		RTTNS:      est.RTTNS,
		MedianNS:   est.MedianOffsetNS,
		StdDevNS:   est.StdDevNS,
		Samples:    est.Samples,
		Stale:      est.Stale,
		EstimateAt: est.At.UnixNano(),
	}, nil
}

func (h *hubHandler) flashSync(ctx context.Context, req protocol.FlashSyncPayload) (protocol.FlashSyncReply, error) {
	st := h.svc.ctrl.Status()
	if req.SessionID != "" && st.SessionID != req.SessionID {
		return protocol.FlashSyncReply{}, fmt.Errorf("%w: recording=%s requested=%s", ErrSessionMismatch, st.SessionID, req.SessionID)
	}
	ts := h.svc.estimator.SynchronizedTimestamp()
	flashed, err := h.svc.ctrl.Flash(ctx, ts)
	if err != nil && len(flashed) == 0 {
		return protocol.FlashSyncReply{}, err
	}
	return protocol.FlashSyncReply{TimestampNS: ts, Modules: flashed}, nil
}
