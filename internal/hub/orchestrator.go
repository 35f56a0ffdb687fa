package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/capturectl/internal/capture"
	"github.com/danmuck/capturectl/internal/link"
	"github.com/danmuck/capturectl/internal/observability"
	"github.com/danmuck/capturectl/internal/protocol"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrBusy             = errors.New("hub: session operation in progress")
	ErrSessionActive    = errors.New("hub: a session is already active")
	ErrSessionExists    = errors.New("hub: session id already used")
	ErrQuorumNotMet     = errors.New("hub: start quorum not met")
	ErrNoNodes          = errors.New("hub: no ready nodes")
	ErrNoActiveSession  = errors.New("hub: no session recording")
	ErrUnknownSession   = errors.New("hub: unknown session")
	ErrBroadcastPartial = errors.New("hub: broadcast failed on some nodes")
)

// NodeSource exposes the nodes a session can fan out to. *Registry
// satisfies it.
type NodeSource interface {
	Ready() []string
	Commander(nodeID string) (Commander, bool)
	// MarkUnreachable takes a node out of Ready after its channel exhausted
	// command retries. conn guards against marking a newer registration.
	MarkUnreachable(nodeID string, conn Commander)
}

type OrchestratorConfig struct {
	Quorum       QuorumPolicy
	StartTimeout time.Duration
	StopTimeout  time.Duration
	// CommandTimeout bounds flash_sync and time_sync broadcasts.
	CommandTimeout time.Duration
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Quorum:         QuorumPolicy{Mode: QuorumAll},
		StartTimeout:   15 * time.Second,
		StopTimeout:    15 * time.Second,
		CommandTimeout: 20 * time.Second,
	}
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	def := DefaultOrchestratorConfig()
	if c.Quorum.Mode == "" {
		c.Quorum = def.Quorum
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = def.StartTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	return c
}

// FlashResult is one node's answer to a flash_sync broadcast.
type FlashResult struct {
	NodeID      string   `json:"node_id"`
	TimestampNS int64    `json:"timestamp_ns,omitempty"`
	Modules     []string `json:"modules,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// SyncResult is one node's answer to a time_sync broadcast.
type SyncResult struct {
	NodeID string                  `json:"node_id"`
	Reply  *protocol.TimeSyncReply `json:"reply,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

type nodeReply struct {
	ack protocol.Envelope
	err error
}

// Orchestrator runs hub sessions across nodes. At most one session is
// active at a time and start/stop calls never interleave.
type Orchestrator struct {
	cfg   OrchestratorConfig
	nodes NodeSource
	now   func() time.Time

	opMu sync.Mutex

	mu        sync.Mutex
	current   *sessionEntry
	sessions  map[string]*sessionEntry
	onSession func(SessionRecord)

	notifyMu sync.Mutex
}

func NewOrchestrator(cfg OrchestratorConfig, nodes NodeSource) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		nodes:    nodes,
		now:      time.Now,
		sessions: make(map[string]*sessionEntry),
	}
}

// OnSession registers a callback run after every session state change.
// Calls are serialized and happen outside the orchestrator lock.
func (o *Orchestrator) OnSession(fn func(SessionRecord)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onSession = fn
}

func (o *Orchestrator) Quorum() QuorumPolicy {
	return o.cfg.Quorum
}

// DefaultSessionID names a hub session after its UTC start second.
func DefaultSessionID(at time.Time) string {
	return at.UTC().Format("20060102_150405")
}

// Start fans start_recording out to every ready node and declares the
// session live once the quorum acknowledges. Below quorum the acked nodes,
// and those whose ack never arrived, are told to stop and discard, and the
// session is recorded as failed.
func (o *Orchestrator) Start(ctx context.Context, id string) (SessionRecord, error) {
	if !o.opMu.TryLock() {
		return SessionRecord{}, ErrBusy
	}
	defer o.opMu.Unlock()

	id = strings.TrimSpace(id)
	o.mu.Lock()
	if o.current != nil && o.current.state.Active() {
		cur := o.current.id
		o.mu.Unlock()
		log.Warn().Str("session", cur).Msg("hub.Orchestrator.Start session already active")
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrSessionActive, cur)
	}
	now := o.now()
	if id == "" {
		id = DefaultSessionID(now)
	}
	if err := protocol.CheckPathSafeID(id); err != nil {
		o.mu.Unlock()
		return SessionRecord{}, err
	}
	if _, dup := o.sessions[id]; dup {
		o.mu.Unlock()
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	ready := o.nodes.Ready()
	if len(ready) == 0 {
		o.mu.Unlock()
		return SessionRecord{}, ErrNoNodes
	}
	sess := newSessionEntry(id, o.cfg.Quorum.String(), ready, now)
	o.current = sess
	o.sessions[id] = sess
	starting := sess.snapshot()
	o.mu.Unlock()
	o.notify(starting)

	log.Info().
		Str("session", id).
		Strs("nodes", ready).
		Str("quorum", o.cfg.Quorum.String()).
		Msg("hub.Orchestrator.Start fan-out")
	replies := o.fanout(ctx, ready, o.cfg.StartTimeout, protocol.CmdStartRecording, protocol.StartRecordingPayload{SessionID: id})

	var acked, unconfirmed []string
	var nodeErrs []error
	o.mu.Lock()
	for _, nodeID := range ready {
		r := replies[nodeID]
		p := sess.participant(nodeID)
		if r.err != nil {
			p.State = NodeStartFailed
			// A node that never answered may have started anyway.
			if unreachable(r.err) {
				p.State = NodeStartTimeout
				unconfirmed = append(unconfirmed, nodeID)
			}
			p.Error = r.err.Error()
			nodeErrs = append(nodeErrs, fmt.Errorf("%s: %w", nodeID, r.err))
			continue
		}
		var reply protocol.RecordingReply
		decodeReply(r.ack, &reply, nodeID)
		p.State = NodeRecording
		p.Modules = reply.Modules
		acked = append(acked, nodeID)
	}
	need := o.cfg.Quorum.Required(len(ready))
	if o.cfg.Quorum.Met(len(acked), len(ready)) {
		sess.state = SessionRecording
		sess.startedAt = o.now()
		rec := sess.snapshot()
		o.mu.Unlock()
		log.Info().
			Str("session", id).
			Int("acked", len(acked)).
			Int("ready", len(ready)).
			Msg("hub.Orchestrator.Start session live")
		o.notify(rec)
		return rec, nil
	}
	o.mu.Unlock()

	quorumErr := fmt.Errorf("%w: %d/%d acked, need %d", ErrQuorumNotMet, len(acked), len(ready), need)
	log.Warn().Err(quorumErr).Str("session", id).Strs("unconfirmed", unconfirmed).Msg("hub.Orchestrator.Start rolling back")
	var rollback map[string]nodeReply
	if targets := append(append([]string(nil), acked...), unconfirmed...); len(targets) > 0 {
		rollback = o.fanout(context.WithoutCancel(ctx), targets, o.cfg.StopTimeout, protocol.CmdStopRecording,
			protocol.StopRecordingPayload{SessionID: id, Discard: true})
		for nodeID, r := range rollback {
			if r.err != nil {
				log.Warn().Err(r.err).Str("node", nodeID).Str("session", id).Msg("hub.Orchestrator.Start rollback stop failed")
			}
		}
	}
	o.mu.Lock()
	for _, nodeID := range acked {
		sess.participant(nodeID).State = NodeDiscarded
	}
	for _, nodeID := range unconfirmed {
		if r, ok := rollback[nodeID]; ok && r.err == nil {
			sess.participant(nodeID).State = NodeDiscarded
		}
	}
	sess.state = SessionFailed
	sess.err = quorumErr.Error()
	rec := sess.snapshot()
	o.mu.Unlock()
	o.notify(rec)
	return rec, errors.Join(append([]error{quorumErr}, nodeErrs...)...)
}

// Stop fans stop_recording out to recording nodes and to nodes whose start
// ack timed out. The session is stopped once all ack or StopTimeout elapses;
// it then collects transfers and is archived when every node holding data
// has delivered it.
func (o *Orchestrator) Stop(ctx context.Context) (SessionRecord, error) {
	if !o.opMu.TryLock() {
		return SessionRecord{}, ErrBusy
	}
	defer o.opMu.Unlock()

	o.mu.Lock()
	sess := o.current
	if sess == nil || sess.state != SessionRecording {
		o.mu.Unlock()
		return SessionRecord{}, ErrNoActiveSession
	}
	sess.state = SessionStopping
	var targets []string
	for nodeID, p := range sess.participants {
		if p.State == NodeRecording || p.State == NodeStartTimeout {
			targets = append(targets, nodeID)
		}
	}
	sort.Strings(targets)
	stopping := sess.snapshot()
	o.mu.Unlock()
	o.notify(stopping)

	log.Info().Str("session", sess.id).Strs("nodes", targets).Msg("hub.Orchestrator.Stop fan-out")
	replies := o.fanout(ctx, targets, o.cfg.StopTimeout, protocol.CmdStopRecording, protocol.StopRecordingPayload{SessionID: sess.id})

	o.mu.Lock()
	now := o.now()
	for _, nodeID := range targets {
		p := sess.participant(nodeID)
		r := replies[nodeID]
		if p.State == NodeStartTimeout {
			settleUnconfirmed(p, r, nodeID)
			continue
		}
		if p.State != NodeRecording {
			// A transfer or a state event already moved it on.
			continue
		}
		switch {
		case r.err == nil:
			p.State = NodeStopped
		case unreachable(r.err):
			p.State = NodeStopTimeout
			p.Error = r.err.Error()
			log.Warn().Str("node", nodeID).Str("session", sess.id).Err(r.err).Msg("hub.Orchestrator.Stop node did not ack in time")
		default:
			p.State = NodeStopFailed
			p.Error = r.err.Error()
			log.Warn().Str("node", nodeID).Str("session", sess.id).Err(r.err).Msg("hub.Orchestrator.Stop node failed to stop")
		}
	}
	sess.closeAllGaps(now)
	sess.state = SessionStopped
	sess.stoppedAt = now
	stopped := sess.snapshot()
	sess.state = SessionCollecting
	if sess.complete() {
		sess.state = SessionArchived
		sess.archivedAt = now
	}
	final := sess.snapshot()
	o.mu.Unlock()

	o.notify(stopped)
	o.notify(final)
	return final, nil
}

// settleUnconfirmed resolves a node whose start ack never arrived from its
// stop reply: a node that recorded now holds data, one that refused never
// started.
func settleUnconfirmed(p *Participant, r nodeReply, nodeID string) {
	if r.err != nil {
		if !unreachable(r.err) {
			p.State = NodeStartFailed
		}
		p.Error = r.err.Error()
		return
	}
	var reply protocol.RecordingReply
	decodeReply(r.ack, &reply, nodeID)
	if reply.State == capture.SessionFailed {
		p.State = NodeStartFailed
		return
	}
	p.State = NodeStopped
	p.Error = ""
	p.Modules = reply.Modules
}

// TransferAccepted records a verified archive from nodeID.
func (o *Orchestrator) TransferAccepted(sessionID, nodeID, filename string, size int64) {
	o.mu.Lock()
	sess, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		log.Warn().Str("session", sessionID).Str("node", nodeID).Msg("hub.Orchestrator.TransferAccepted unknown session")
		return
	}
	p := sess.participant(nodeID)
	p.State = NodeTransferred
	p.Error = ""
	p.Files = append(p.Files, filename)
	p.TransferBytes += size
	if sess.state == SessionCollecting && sess.complete() {
		sess.state = SessionArchived
		sess.archivedAt = o.now()
		log.Info().Str("session", sessionID).Msg("hub.Orchestrator session archived")
	}
	rec := sess.snapshot()
	o.mu.Unlock()
	o.notify(rec)
}

// TransferReported applies a node's own transfer_complete report. Only
// failures change state; success is recorded when the archive arrives.
func (o *Orchestrator) TransferReported(nodeID string, evt protocol.TransferCompleteEvent) {
	if evt.Error == "" {
		return
	}
	o.mu.Lock()
	sess, ok := o.sessions[evt.SessionID]
	if !ok {
		o.mu.Unlock()
		return
	}
	p := sess.participant(nodeID)
	if p.State == NodeTransferred {
		o.mu.Unlock()
		return
	}
	p.State = NodeTransferFailed
	p.Error = evt.Error
	rec := sess.snapshot()
	o.mu.Unlock()
	log.Warn().Str("session", evt.SessionID).Str("node", nodeID).Str("error", evt.Error).Msg("hub.Orchestrator node transfer failed")
	o.notify(rec)
}

// ObserveRecordingState folds a node's controller transition into the
// session record.
func (o *Orchestrator) ObserveRecordingState(nodeID string, evt protocol.RecordingStateEvent) {
	o.mu.Lock()
	sess, ok := o.sessions[evt.SessionID]
	if !ok || sess.state != SessionRecording {
		o.mu.Unlock()
		return
	}
	p := sess.participant(nodeID)
	changed := false
	switch capture.State(evt.State) {
	case capture.StateRecording:
		if p.State != NodeRecording && !p.State.holdsData() {
			p.State = NodeRecording
			p.Error = ""
			changed = true
		}
	case capture.StateIdle:
		if p.State == NodeRecording {
			p.State = NodeStopped
			changed = true
		}
	}
	rec := sess.snapshot()
	o.mu.Unlock()
	if changed {
		log.Info().Str("session", evt.SessionID).Str("node", nodeID).Str("state", evt.State).Msg("hub.Orchestrator participant state changed")
		o.notify(rec)
	}
}

// Rejoin decides how a reconnecting node reconciles a session it held.
func (o *Orchestrator) Rejoin(nodeID string, req protocol.SessionRejoinPayload) protocol.RejoinDecision {
	o.mu.Lock()
	sess, ok := o.sessions[req.SessionID]
	if !ok {
		o.mu.Unlock()
		log.Info().Str("node", nodeID).Str("session", req.SessionID).Msg("hub.Orchestrator.Rejoin unknown session; discard")
		return protocol.RejoinDecision{SessionID: req.SessionID, Action: protocol.RejoinDiscard}
	}
	now := o.now()
	decision := protocol.RejoinDecision{SessionID: sess.id, State: string(sess.state)}
	p := sess.participant(nodeID)
	sess.closeGap(nodeID, now)
	switch sess.state {
	case SessionStarting, SessionRecording:
		decision.Action = protocol.RejoinResume
		if req.WasRecording && !p.State.holdsData() {
			p.State = NodeRecording
			p.Error = ""
		}
	case SessionStopping, SessionStopped, SessionCollecting:
		decision.Action = protocol.RejoinStop
		if p.State == NodeRecording || (req.WasRecording && p.State == "") {
			p.State = NodeStopped
		}
		if sess.state == SessionCollecting && p.State == NodeStopTimeout {
			p.State = NodeStopped
			p.Error = ""
		}
	default:
		decision.Action = protocol.RejoinDiscard
	}
	rec := sess.snapshot()
	o.mu.Unlock()
	log.Info().
		Str("node", nodeID).
		Str("session", sess.id).
		Str("action", decision.Action).
		Msg("hub.Orchestrator.Rejoin")
	o.notify(rec)
	return decision
}

// NodeLost opens an outage gap for nodeID in the current session.
func (o *Orchestrator) NodeLost(nodeID string) {
	o.withCurrent(func(s *sessionEntry, now time.Time) bool {
		if !s.state.Active() {
			return false
		}
		p, ok := s.participants[nodeID]
		if !ok || p.State != NodeRecording {
			return false
		}
		s.openGap(nodeID, now)
		return true
	})
}

// NodeBack closes an open outage gap for nodeID.
func (o *Orchestrator) NodeBack(nodeID string) {
	o.withCurrent(func(s *sessionEntry, now time.Time) bool {
		p, ok := s.participants[nodeID]
		if !ok || len(p.Gaps) == 0 || p.Gaps[len(p.Gaps)-1].To != nil {
			return false
		}
		s.closeGap(nodeID, now)
		return true
	})
}

func (o *Orchestrator) withCurrent(fn func(*sessionEntry, time.Time) bool) {
	o.mu.Lock()
	s := o.current
	if s == nil || !fn(s, o.now()) {
		o.mu.Unlock()
		return
	}
	rec := s.snapshot()
	o.mu.Unlock()
	o.notify(rec)
}

// FlashSync asks every ready node to emit a flash marker.
func (o *Orchestrator) FlashSync(ctx context.Context) ([]FlashResult, error) {
	o.mu.Lock()
	var sessionID string
	if o.current != nil && o.current.state == SessionRecording {
		sessionID = o.current.id
	}
	o.mu.Unlock()
	if sessionID == "" {
		return nil, ErrNoActiveSession
	}
	ready := o.nodes.Ready()
	if len(ready) == 0 {
		return nil, ErrNoNodes
	}
	replies := o.fanout(ctx, ready, o.cfg.CommandTimeout, protocol.CmdFlashSync, protocol.FlashSyncPayload{SessionID: sessionID})
	out := make([]FlashResult, 0, len(ready))
	failed := 0
	for _, nodeID := range ready {
		r := replies[nodeID]
		res := FlashResult{NodeID: nodeID}
		if r.err != nil {
			res.Error = r.err.Error()
			failed++
		} else {
			var reply protocol.FlashSyncReply
			decodeReply(r.ack, &reply, nodeID)
			res.TimestampNS = reply.TimestampNS
			res.Modules = reply.Modules
		}
		out = append(out, res)
	}
	if failed > 0 {
		return out, fmt.Errorf("%w: %d/%d", ErrBroadcastPartial, failed, len(ready))
	}
	return out, nil
}

// TimeSync asks every ready node to re-estimate its clock offset now.
func (o *Orchestrator) TimeSync(ctx context.Context) ([]SyncResult, error) {
	ready := o.nodes.Ready()
	if len(ready) == 0 {
		return nil, ErrNoNodes
	}
	replies := o.fanout(ctx, ready, o.cfg.CommandTimeout, protocol.CmdTimeSync, nil)
	out := make([]SyncResult, 0, len(ready))
	failed := 0
	for _, nodeID := range ready {
		r := replies[nodeID]
		res := SyncResult{NodeID: nodeID}
		if r.err != nil {
			res.Error = r.err.Error()
			failed++
		} else {
			var reply protocol.TimeSyncReply
			decodeReply(r.ack, &reply, nodeID)
			res.Reply = &reply
		}
		out = append(out, res)
	}
	if failed > 0 {
		return out, fmt.Errorf("%w: %d/%d", ErrBroadcastPartial, failed, len(ready))
	}
	return out, nil
}

func (o *Orchestrator) Session(id string) (SessionRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	if !ok {
		return SessionRecord{}, false
	}
	return s.snapshot(), true
}

// Current returns the most recent session, active or not.
func (o *Orchestrator) Current() (SessionRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return SessionRecord{}, false
	}
	return o.current.snapshot(), true
}

// Sessions lists every session seen since startup, oldest first.
func (o *Orchestrator) Sessions() []SessionRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]SessionRecord, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// fanout sends one command to each node concurrently, bounded by timeout.
// Every node gets an entry in the result.
func (o *Orchestrator) fanout(ctx context.Context, nodeIDs []string, timeout time.Duration, name string, payload any) map[string]nodeReply {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu  sync.Mutex
		out = make(map[string]nodeReply, len(nodeIDs))
		g   errgroup.Group
	)
	for _, nodeID := range nodeIDs {
		g.Go(func() error {
			started := time.Now()
			var r nodeReply
			if cmd, ok := o.nodes.Commander(nodeID); ok {
				r.ack, r.err = cmd.Command(ctx, name, payload)
				if errors.Is(r.err, link.ErrUnreachable) {
					log.Warn().Err(r.err).Str("node", nodeID).Str("command", name).Msg("hub.Orchestrator.fanout node unreachable")
					o.nodes.MarkUnreachable(nodeID, cmd)
				}
			} else {
				r.err = fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
			}
			observability.RecordCommand(name, r.err == nil, time.Since(started))
			if r.err != nil {
				log.Debug().Err(r.err).Str("node", nodeID).Str("command", name).Msg("hub.Orchestrator.fanout command failed")
			}
			mu.Lock()
			out[nodeID] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (o *Orchestrator) notify(rec SessionRecord) {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	o.mu.Lock()
	fn := o.onSession
	o.mu.Unlock()
	if fn != nil {
		fn(rec)
	}
}

// decodeReply keeps going on a malformed ack payload; the command itself
// succeeded.
func decodeReply(ack protocol.Envelope, out any, nodeID string) {
	if err := ack.DecodePayload(out); err != nil {
		log.Warn().Err(err).Str("node", nodeID).Str("command", ack.Command).Msg("hub.Orchestrator bad ack payload")
	}
}

func unreachable(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, link.ErrUnreachable) ||
		errors.Is(err, link.ErrPeerClosed) ||
		errors.Is(err, ErrUnknownNode)
}
