package hub

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/capturectl/internal/link"
	"github.com/danmuck/capturectl/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrUnknownNode = errors.New("hub: unknown node")

// Commander issues one command to a node and waits for its ack.
// *link.Peer satisfies it.
type Commander interface {
	Command(ctx context.Context, name string, payload any) (protocol.Envelope, error)
}

// NodeRecord is the hub's observed state for one node.
type NodeRecord struct {
	NodeID         string              `json:"node_id"`
	RemoteAddr     string              `json:"remote_addr,omitempty"`
	Modules        []string            `json:"modules"`
	Device         protocol.DeviceInfo `json:"device"`
	Connected      bool                `json:"connected"`
	Online         bool                `json:"online"`
	Unreachable    bool                `json:"unreachable"`
	RegisteredAt   time.Time           `json:"registered_at"`
	DisconnectedAt *time.Time          `json:"disconnected_at,omitempty"`
	LastHeartbeat  *time.Time          `json:"last_heartbeat,omitempty"`
	LastSeq        uint64              `json:"last_seq"`
	OffsetNS       int64               `json:"offset_ns"`
	SyncStale      bool                `json:"sync_stale"`
	Recording      bool                `json:"recording"`
	SessionID      string              `json:"session_id,omitempty"`
}

type nodeEntry struct {
	rec  NodeRecord
	conn Commander
}

// Registry tracks registered nodes and their command channels.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*nodeEntry
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*nodeEntry), now: time.Now}
}

// Register binds a node id to a live channel. A registration under an id
// that is still connected replaces the old channel and closes it; the old
// one is usually a half-open connection the node has already given up on.
func (r *Registry) Register(hello link.Hello, remoteAddr string, conn Commander) (NodeRecord, error) {
	id := strings.TrimSpace(hello.NodeID)
	if err := protocol.CheckPathSafeID(id); err != nil {
		return NodeRecord{}, err
	}
	r.mu.Lock()
	e, ok := r.nodes[id]
	var stale Commander
	if ok && e.rec.Connected && e.conn != conn {
		stale = e.conn
	}
	if !ok {
		e = &nodeEntry{}
		r.nodes[id] = e
	}
	e.conn = conn
	e.rec = NodeRecord{
		NodeID:       id,
		RemoteAddr:   remoteAddr,
		Modules:      append([]string(nil), hello.Modules...),
		Device:       hello.Device,
		Connected:    true,
		Online:       true,
		RegisteredAt: r.now(),
		Recording:    hello.Recording,
		SessionID:    hello.SessionID,
	}
	rec := e.rec
	r.mu.Unlock()

	if stale != nil {
		log.Warn().Str("node", id).Str("remote", remoteAddr).Msg("hub.Registry.Register replacing stale channel")
		if c, ok := stale.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return rec, nil
}

// Disconnect marks the node disconnected if conn is still its current
// channel. It reports whether the record changed.
func (r *Registry) Disconnect(nodeID string, conn Commander) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.nodes[nodeID]
	if !ok || e.conn != conn || !e.rec.Connected {
		return false
	}
	now := r.now()
	e.conn = nil
	e.rec.Connected = false
	e.rec.Online = false
	e.rec.RemoteAddr = ""
	e.rec.DisconnectedAt = &now
	return true
}

func (r *Registry) SetOnline(nodeID string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.nodes[nodeID]; ok && e.rec.Connected {
		e.rec.Online = online
	}
}

// MarkUnreachable flags a node whose channel stopped answering commands.
// It stays out of Ready until a heartbeat or a new registration arrives.
// conn must still be the node's channel.
func (r *Registry) MarkUnreachable(nodeID string, conn Commander) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.nodes[nodeID]
	if !ok || e.conn != conn || !e.rec.Connected {
		return
	}
	e.rec.Unreachable = true
}

func (r *Registry) ObserveHeartbeat(nodeID string, hb protocol.HeartbeatPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	now := r.now()
	e.rec.Unreachable = false
	e.rec.LastHeartbeat = &now
	e.rec.LastSeq = hb.Seq
	e.rec.OffsetNS = hb.OffsetNS
	e.rec.SyncStale = hb.SyncStale
	e.rec.Recording = hb.Recording
	e.rec.SessionID = hb.SessionID
	if hb.Device.Hostname != "" {
		e.rec.Device = hb.Device
	}
}

func (r *Registry) SetCapabilities(nodeID string, caps protocol.Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	if len(caps.Modules) > 0 {
		e.rec.Modules = append([]string(nil), caps.Modules...)
	}
	if caps.Device.Hostname != "" {
		e.rec.Device = caps.Device
	}
}

func (r *Registry) Get(nodeID string) (NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[nodeID]
	if !ok {
		return NodeRecord{}, false
	}
	return e.rec, true
}

func (r *Registry) Commander(nodeID string) (Commander, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[nodeID]
	if !ok || e.conn == nil {
		return nil, false
	}
	return e.conn, true
}

// Ready lists connected, online, reachable node ids in sorted order.
func (r *Registry) Ready() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.nodes {
		if e.rec.Connected && e.rec.Online && !e.rec.Unreachable {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Snapshot() []NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeRecord, 0, len(r.nodes))
	for _, e := range r.nodes {
		rec := e.rec
		rec.Modules = append([]string(nil), e.rec.Modules...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (r *Registry) Counts() (connected, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.nodes {
		if e.rec.Connected {
			connected++
			if e.rec.Online {
				online++
			}
		}
	}
	return connected, online
}
