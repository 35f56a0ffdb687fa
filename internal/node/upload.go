package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/danmuck/capturectl/internal/link"
	"github.com/danmuck/capturectl/internal/protocol"
	"github.com/danmuck/capturectl/internal/transfer"
	"github.com/rs/zerolog/log"
)

// scheduleTransfer ships a stopped session to the hub in the background.
// A session already in flight is not scheduled twice.
func (s *Service) scheduleTransfer(sessionID string) {
	ctx := s.runContext()
	if ctx == nil || sessionID == "" {
		return
	}
	s.mu.Lock()
	if s.pending[sessionID] {
		s.mu.Unlock()
		return
	}
	s.pending[sessionID] = true
	s.transfers.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.transfers.Done()
		err := s.upload(ctx, sessionID)
		s.mu.Lock()
		if err == nil {
			delete(s.pending, sessionID)
		} else {
			s.pending[sessionID] = false
		}
		s.mu.Unlock()
	}()
}

// retryPending reschedules transfers that failed earlier.
func (s *Service) retryPending() {
	s.mu.Lock()
	var retry []string
	for id, running := range s.pending {
		if !running {
			retry = append(retry, id)
		}
	}
	s.mu.Unlock()
	for _, id := range retry {
		log.Info().Str("session", id).Msg("node.Service retrying transfer")
		s.scheduleTransfer(id)
	}
}

// PendingTransfers lists sessions whose archive has not been delivered.
func (s *Service) PendingTransfers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	return out
}

func (s *Service) upload(ctx context.Context, sessionID string) error {
	archive, err := s.archiveFor(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("node.Service.upload pack failed")
		s.reportTransfer(sessionID, transfer.Archive{}, 0, err)
		return err
	}

	ack, err := s.waitConnected(ctx)
	if err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("node.Service.upload hub not connected")
		return err
	}
	if ack.TransferAddr == "" {
		err := errors.New("node: hub did not advertise a transfer address")
		s.reportTransfer(sessionID, archive, 0, err)
		return err
	}

	res, err := s.sender.Send(ctx, ack.TransferAddr, archive, sessionID, s.cfg.NodeID)
	s.reportTransfer(sessionID, archive, res.Attempts, err)
	if err != nil {
		log.Error().Err(err).Str("session", sessionID).Int("attempts", res.Attempts).Msg("node.Service.upload failed")
		return err
	}
	log.Info().
		Str("session", sessionID).
		Str("archive", archive.Filename).
		Int64("bytes", archive.SizeBytes).
		Int("attempts", res.Attempts).
		Msg("node.Service.upload delivered")
	if !s.cfg.KeepArchives {
		if err := os.Remove(archive.Path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", archive.Path).Msg("node.Service.upload archive cleanup failed")
		}
	}
	return nil
}

// archiveFor packs the session directory into the outbox, reusing an archive
// left there by an earlier failed attempt.
func (s *Service) archiveFor(ctx context.Context, sessionID string) (transfer.Archive, error) {
	name := transfer.ArchiveName(sessionID, s.cfg.NodeID, s.cfg.Codec)
	path := filepath.Join(s.cfg.OutboxDir, name)
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		return transfer.Archive{Path: path, Filename: name, SizeBytes: info.Size()}, nil
	}
	return transfer.Pack(ctx, s.ctrl.SessionDir(sessionID), s.cfg.OutboxDir, name, s.cfg.Codec)
}

func (s *Service) reportTransfer(sessionID string, archive transfer.Archive, attempts int, sendErr error) {
	evt := protocol.TransferCompleteEvent{
		SessionID: sessionID,
		Filename:  archive.Filename,
		SizeBytes: archive.SizeBytes,
		Attempts:  attempts,
	}
	if sendErr != nil {
		evt.Error = sendErr.Error()
	}
	if err := s.manager.EmitEvent(protocol.EventTransferComplete, evt); err != nil && !errors.Is(err, link.ErrNotConnected) {
		log.Debug().Err(err).Str("session", sessionID).Msg("node.Service transfer_complete not sent")
	}
}
