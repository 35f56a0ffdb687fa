package protocol

// DeviceInfo is the node metadata carried on heartbeats and capability replies.
type DeviceInfo struct {
	Hostname      string  `json:"hostname,omitempty"`
	OS            string  `json:"os,omitempty"`
	Platform      string  `json:"platform,omitempty"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	UptimeSeconds uint64  `json:"uptime_s,omitempty"`
}

type HeartbeatPayload struct {
	Seq       uint64     `json:"seq"`
	Device    DeviceInfo `json:"device"`
	OffsetNS  int64      `json:"offset_ns"`
	SyncStale bool       `json:"sync_stale"`
	Recording bool       `json:"recording"`
	SessionID string     `json:"session_id,omitempty"`
	SentAtNS  int64      `json:"sent_at_ns"`
}

type Capabilities struct {
	NodeID  string     `json:"node_id"`
	Modules []string   `json:"modules"`
	Device  DeviceInfo `json:"device"`
}

type StartRecordingPayload struct {
	SessionID string `json:"session_id"`
}

type StopRecordingPayload struct {
	SessionID string `json:"session_id,omitempty"`
	// Discard asks the node to keep its data locally and skip the transfer,
	// used when a session start is rolled back.
	Discard bool `json:"discard,omitempty"`
}

// RecordingReply is the ack payload for start/stop recording.
type RecordingReply struct {
	SessionID string   `json:"session_id"`
	State     string   `json:"state"`
	Modules   []string `json:"modules,omitempty"`
}

type SessionRejoinPayload struct {
	SessionID    string `json:"session_id"`
	WasRecording bool   `json:"was_recording"`
}

// Rejoin actions decided by the hub.
const (
	RejoinResume  = "resume"
	RejoinStop    = "stop"
	RejoinDiscard = "discard"
)

type RejoinDecision struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
	State     string `json:"state,omitempty"`
}

type TimeSyncReply struct {
	OffsetNS   int64   `json:"offset_ns"`
	RTTNS      int64   `json:"rtt_ns"`
	MedianNS   int64   `json:"median_offset_ns"`
	StdDevNS   float64 `json:"stddev_ns"`
	Samples    int     `json:"samples"`
	Stale      bool    `json:"stale"`
	EstimateAt int64   `json:"estimated_at_ns"`
}

type FlashSyncPayload struct {
	SessionID string `json:"session_id,omitempty"`
}

type FlashSyncReply struct {
	TimestampNS int64    `json:"timestamp_ns"`
	Modules     []string `json:"modules,omitempty"`
}

// RecordingStateEvent reports a node-side controller transition.
type RecordingStateEvent struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	AtNS      int64  `json:"at_ns"`
}

type TransferCompleteEvent struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

type ByeEvent struct {
	Reason string `json:"reason,omitempty"`
}
