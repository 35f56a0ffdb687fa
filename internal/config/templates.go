// Package config loads hubctl and nodectl TOML files and renders their
// templates from the runtime defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/capturectl/internal/hub"
	"github.com/danmuck/capturectl/internal/node"
)

const (
	KindHub  = "hub"
	KindNode = "node"
)

var (
	ErrUnknownKind     = errors.New("config: unknown config kind")
	ErrUnknownKey      = errors.New("config: unknown key")
	ErrConfigExists    = errors.New("config: file already exists")
	ErrHubAddrRequired = errors.New("config: hub_addr is required unless discover_hub is set")
)

// DefaultPath is the per-binary config location configgen and the binaries
// agree on.
func DefaultPath(kind string) (string, error) {
	switch normalizeKind(kind) {
	case KindHub:
		return "cmd/hubctl/config.toml", nil
	case KindNode:
		return "cmd/nodectl/config.toml", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// Template renders the defaults for kind as TOML.
func Template(kind string) (string, error) {
	var file any
	switch normalizeKind(kind) {
	case KindHub:
		file = HubFileFrom(hub.DefaultServiceConfig())
	case KindNode:
		file = NodeFileFrom(node.DefaultServiceConfig())
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %sctl config generated from defaults.\n", normalizeKind(kind))
	if err := toml.NewEncoder(&buf).Encode(file); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and reports the first problem.
func Validate(path, kind string) error {
	switch normalizeKind(kind) {
	case KindHub:
		_, err := LoadHub(path)
		return err
	case KindNode:
		_, err := LoadNode(path)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}
