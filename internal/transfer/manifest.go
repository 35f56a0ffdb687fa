package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

const ManifestFile = "manifest.yaml"

type ManifestEntry struct {
	NodeID     string    `yaml:"node_id"`
	Filename   string    `yaml:"filename"`
	SizeBytes  int64     `yaml:"size_bytes"`
	SHA256     string    `yaml:"sha256"`
	ReceivedAt time.Time `yaml:"received_at"`
}

// Manifest lists the archives accepted for one session.
type Manifest struct {
	SessionID string          `yaml:"session_id"`
	UpdatedAt time.Time       `yaml:"updated_at"`
	Files     []ManifestEntry `yaml:"files"`
}

// Nodes returns the node ids with at least one accepted file.
func (m Manifest) Nodes() []string {
	seen := make(map[string]struct{}, len(m.Files))
	var out []string
	for _, f := range m.Files {
		if _, ok := seen[f.NodeID]; ok {
			continue
		}
		seen[f.NodeID] = struct{}{}
		out = append(out, f.NodeID)
	}
	sort.Strings(out)
	return out
}

// ReadManifest loads sessionDir/manifest.yaml. A missing file yields an
// empty manifest.
func ReadManifest(sessionDir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(sessionDir, ManifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("transfer: read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("transfer: decode manifest: %w", err)
	}
	return m, nil
}

// recordManifest adds entry, replacing an earlier entry for the same node
// and file, and rewrites the manifest atomically.
func recordManifest(sessionDir, sessionID string, entry ManifestEntry) (Manifest, error) {
	m, err := ReadManifest(sessionDir)
	if err != nil {
		return m, err
	}
	m.SessionID = sessionID
	m.UpdatedAt = entry.ReceivedAt
	replaced := false
	for i := range m.Files {
		if m.Files[i].NodeID == entry.NodeID && m.Files[i].Filename == entry.Filename {
			m.Files[i] = entry
			replaced = true
		}
	}
	if !replaced {
		m.Files = append(m.Files, entry)
	}
	sort.Slice(m.Files, func(i, j int) bool {
		if m.Files[i].NodeID != m.Files[j].NodeID {
			return m.Files[i].NodeID < m.Files[j].NodeID
		}
		return m.Files[i].Filename < m.Files[j].Filename
	})

	data, err := yaml.Marshal(m)
	if err != nil {
		return m, fmt.Errorf("transfer: encode manifest: %w", err)
	}
	tmp, err := os.CreateTemp(sessionDir, "."+ManifestFile+".*")
	if err != nil {
		return m, fmt.Errorf("transfer: write manifest: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return m, fmt.Errorf("transfer: write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return m, fmt.Errorf("transfer: write manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(sessionDir, ManifestFile)); err != nil {
		os.Remove(tmp.Name())
		return m, fmt.Errorf("transfer: write manifest: %w", err)
	}
	return m, nil
}
