package heartbeat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type MonitorConfig struct {
	Interval time.Duration
	// Multiplier sets the liveness window as Interval * Multiplier.
	Multiplier int
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{Interval: 2 * time.Second, Multiplier: 3}
}

// NodeLiveness is one node's view in the monitor.
type NodeLiveness struct {
	NodeID   string
	LastSeen time.Time
	LastSeq  uint64
	Online   bool
}

type entry struct {
	lastSeen time.Time
	lastSeq  uint64
	hasSeq   bool
	online   bool
}

// Monitor tracks heartbeats per node on the hub and flags silent nodes.
type Monitor struct {
	cfg MonitorConfig
	now func() time.Time

	mu        sync.Mutex
	nodes     map[string]*entry
	onOffline func(nodeID string, lastSeen time.Time)
	onOnline  func(nodeID string)
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	return &Monitor{cfg: cfg, now: time.Now, nodes: make(map[string]*entry)}
}

// OnOffline and OnOnline set transition callbacks; they run outside the
// monitor lock.
func (m *Monitor) OnOffline(fn func(nodeID string, lastSeen time.Time)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = fn
}

func (m *Monitor) OnOnline(fn func(nodeID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = fn
}

func (m *Monitor) LivenessWindow() time.Duration {
	return m.cfg.Interval * time.Duration(m.cfg.Multiplier)
}

// Track starts (or restarts) liveness for a freshly registered node. The
// sequence baseline resets so a restarted node is accepted again.
func (m *Monitor) Track(nodeID string) {
	nodeID = strings.TrimSpace(nodeID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[nodeID] = &entry{lastSeen: m.now(), online: true}
}

func (m *Monitor) Forget(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, strings.TrimSpace(nodeID))
}

// Record accepts a heartbeat. It returns false, without side effects, when
// seq is not strictly greater than the last accepted sequence.
func (m *Monitor) Record(nodeID string, seq uint64) bool {
	nodeID = strings.TrimSpace(nodeID)
	m.mu.Lock()
	e, ok := m.nodes[nodeID]
	if !ok {
		e = &entry{online: true}
		m.nodes[nodeID] = e
	}
	if e.hasSeq && seq <= e.lastSeq {
		m.mu.Unlock()
		log.Debug().Str("node", nodeID).Uint64("seq", seq).Uint64("last", e.lastSeq).Msg("heartbeat.Monitor.Record stale sequence dropped")
		return false
	}
	e.lastSeq = seq
	e.hasSeq = true
	e.lastSeen = m.now()
	cameBack := !e.online
	e.online = true
	onOnline := m.onOnline
	m.mu.Unlock()

	if cameBack {
		log.Info().Str("node", nodeID).Msg("heartbeat.Monitor node back online")
		if onOnline != nil {
			onOnline(nodeID)
		}
	}
	return true
}

// Sweep marks nodes offline whose last heartbeat is older than the liveness
// window and returns their ids.
func (m *Monitor) Sweep() []string {
	window := m.LivenessWindow()
	type lapse struct {
		id       string
		lastSeen time.Time
	}
	var lapsed []lapse
	m.mu.Lock()
	now := m.now()
	for id, e := range m.nodes {
		if e.online && now.Sub(e.lastSeen) > window {
			e.online = false
			lapsed = append(lapsed, lapse{id: id, lastSeen: e.lastSeen})
		}
	}
	onOffline := m.onOffline
	m.mu.Unlock()

	sort.Slice(lapsed, func(i, j int) bool { return lapsed[i].id < lapsed[j].id })
	ids := make([]string, 0, len(lapsed))
	for _, l := range lapsed {
		log.Warn().Str("node", l.id).Time("last_seen", l.lastSeen).Msg("heartbeat.Monitor node offline")
		if onOffline != nil {
			onOffline(l.id, l.lastSeen)
		}
		ids = append(ids, l.id)
	}
	return ids
}

// Run sweeps every Interval/2 until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	every := m.cfg.Interval / 2
	if every <= 0 {
		every = m.cfg.Interval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Monitor) Get(nodeID string) (NodeLiveness, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.nodes[strings.TrimSpace(nodeID)]
	if !ok {
		return NodeLiveness{}, false
	}
	return NodeLiveness{NodeID: nodeID, LastSeen: e.lastSeen, LastSeq: e.lastSeq, Online: e.online}, true
}
