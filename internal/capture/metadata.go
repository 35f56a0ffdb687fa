package capture

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	MetadataVersion = 1
	MetadataFile    = "metadata.json"
)

// Module record statuses.
const (
	ModulePending     = "pending"
	ModuleRecording   = "recording"
	ModuleFailed      = "failed"
	ModuleStartLate   = "start_timeout"
	ModuleStopped     = "stopped"
	ModuleStopFailed  = "stop_failed"
	ModuleStopTimeout = "stop_timeout"
)

// Session metadata states. They extend the controller states with terminal
// outcomes that only appear on disk.
const (
	SessionPreparing = "preparing"
	SessionRecording = "recording"
	SessionStopped   = "stopped"
	SessionFailed    = "failed"
)

type ModuleRecord struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Metadata is persisted as <root>/<session>/metadata.json.
type Metadata struct {
	Version         int            `json:"version"`
	SessionID       string         `json:"session_id"`
	NodeID          string         `json:"node_id"`
	State           string         `json:"state"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
	StartSyncNS     int64          `json:"start_sync_ns,omitempty"`
	EndSyncNS       int64          `json:"end_sync_ns,omitempty"`
	SyncStale       bool           `json:"sync_stale,omitempty"`
	Policy          string         `json:"policy"`
	Modules         []ModuleRecord `json:"modules"`
}

// ModuleIDs lists modules with the given status, or all modules when status
// is empty.
func (m Metadata) ModuleIDs(status string) []string {
	var out []string
	for _, rec := range m.Modules {
		if status == "" || rec.Status == status {
			out = append(out, rec.ID)
		}
	}
	return out
}

// WriteMetadata replaces dir/metadata.json via a temp file and rename.
func WriteMetadata(dir string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("capture: encode metadata: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+MetadataFile+".*")
	if err != nil {
		return fmt.Errorf("capture: write metadata: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("capture: write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("capture: write metadata: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, MetadataFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("capture: write metadata: %w", err)
	}
	return nil
}

func ReadMetadata(dir string) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return meta, fmt.Errorf("capture: read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("capture: decode metadata: %w", err)
	}
	return meta, nil
}
