package hub

import (
	"sort"
	"time"
)

type SessionState string

const (
	SessionStarting   SessionState = "starting"
	SessionRecording  SessionState = "recording"
	SessionStopping   SessionState = "stopping"
	SessionStopped    SessionState = "stopped"
	SessionCollecting SessionState = "collecting"
	SessionArchived   SessionState = "archived"
	SessionFailed     SessionState = "failed"
)

// Active reports whether the session still holds the hub's single slot.
func (s SessionState) Active() bool {
	return s == SessionStarting || s == SessionRecording || s == SessionStopping
}

type ParticipantState string

const (
	NodeStarting       ParticipantState = "starting"
	NodeRecording      ParticipantState = "recording"
	NodeStartFailed    ParticipantState = "start_failed"
	NodeStartTimeout   ParticipantState = "start_timeout"
	NodeDiscarded      ParticipantState = "discarded"
	NodeStopped        ParticipantState = "stopped"
	NodeStopTimeout    ParticipantState = "stop_timeout"
	NodeStopFailed     ParticipantState = "stop_failed"
	NodeTransferred    ParticipantState = "transferred"
	NodeTransferFailed ParticipantState = "transfer_failed"
)

// holdsData reports whether the node recorded something the hub expects to
// receive.
func (p ParticipantState) holdsData() bool {
	switch p {
	case NodeStopped, NodeStopTimeout, NodeStopFailed, NodeTransferred, NodeTransferFailed:
		return true
	}
	return false
}

// Gap is an interval during which a recording node was unreachable. To is
// nil while the gap is open.
type Gap struct {
	From time.Time  `json:"from"`
	To   *time.Time `json:"to,omitempty"`
}

type Participant struct {
	NodeID        string           `json:"node_id"`
	State         ParticipantState `json:"state"`
	Error         string           `json:"error,omitempty"`
	Modules       []string         `json:"modules,omitempty"`
	Gaps          []Gap            `json:"gaps,omitempty"`
	Files         []string         `json:"files,omitempty"`
	TransferBytes int64            `json:"transfer_bytes,omitempty"`
}

// SessionRecord is a copy of one hub session.
type SessionRecord struct {
	ID           string        `json:"id"`
	State        SessionState  `json:"state"`
	Quorum       string        `json:"quorum"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	StoppedAt    *time.Time    `json:"stopped_at,omitempty"`
	ArchivedAt   *time.Time    `json:"archived_at,omitempty"`
	Participants []Participant `json:"participants"`
}

// Participant returns one node's entry.
func (r SessionRecord) Participant(nodeID string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.NodeID == nodeID {
			return p, true
		}
	}
	return Participant{}, false
}

type sessionEntry struct {
	id           string
	state        SessionState
	quorum       string
	err          string
	createdAt    time.Time
	startedAt    time.Time
	stoppedAt    time.Time
	archivedAt   time.Time
	participants map[string]*Participant
}

func newSessionEntry(id, quorum string, nodes []string, now time.Time) *sessionEntry {
	s := &sessionEntry{
		id:           id,
		state:        SessionStarting,
		quorum:       quorum,
		createdAt:    now,
		participants: make(map[string]*Participant, len(nodes)),
	}
	for _, n := range nodes {
		s.participants[n] = &Participant{NodeID: n, State: NodeStarting}
	}
	return s
}

func (s *sessionEntry) participant(nodeID string) *Participant {
	p, ok := s.participants[nodeID]
	if !ok {
		p = &Participant{NodeID: nodeID}
		s.participants[nodeID] = p
	}
	return p
}

func (s *sessionEntry) openGap(nodeID string, at time.Time) {
	p, ok := s.participants[nodeID]
	if !ok || p.State != NodeRecording {
		return
	}
	if n := len(p.Gaps); n > 0 && p.Gaps[n-1].To == nil {
		return
	}
	p.Gaps = append(p.Gaps, Gap{From: at})
}

func (s *sessionEntry) closeGap(nodeID string, at time.Time) {
	p, ok := s.participants[nodeID]
	if !ok {
		return
	}
	if n := len(p.Gaps); n > 0 && p.Gaps[n-1].To == nil {
		end := at
		p.Gaps[n-1].To = &end
	}
}

func (s *sessionEntry) closeAllGaps(at time.Time) {
	for id := range s.participants {
		s.closeGap(id, at)
	}
}

// complete reports whether every node that recorded has transferred.
func (s *sessionEntry) complete() bool {
	for _, p := range s.participants {
		if p.State.holdsData() && p.State != NodeTransferred {
			return false
		}
	}
	return true
}

func (s *sessionEntry) snapshot() SessionRecord {
	rec := SessionRecord{
		ID:        s.id,
		State:     s.state,
		Quorum:    s.quorum,
		Error:     s.err,
		CreatedAt: s.createdAt,
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		rec.StartedAt = &t
	}
	if !s.stoppedAt.IsZero() {
		t := s.stoppedAt
		rec.StoppedAt = &t
	}
	if !s.archivedAt.IsZero() {
		t := s.archivedAt
		rec.ArchivedAt = &t
	}
	rec.Participants = make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		cp := *p
		cp.Modules = append([]string(nil), p.Modules...)
		cp.Files = append([]string(nil), p.Files...)
		cp.Gaps = append([]Gap(nil), p.Gaps...)
		rec.Participants = append(rec.Participants, cp)
	}
	sort.Slice(rec.Participants, func(i, j int) bool {
		return rec.Participants[i].NodeID < rec.Participants[j].NodeID
	})
	return rec
}
