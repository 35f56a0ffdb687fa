package protocol

import (
	"fmt"
	"strings"
)

// CheckPathSafeID rejects ids that cannot be used as a single path element.
// Session and node ids name directories on both hub and node.
func CheckPathSafeID(id string) error {
	if id == "" || strings.TrimSpace(id) != id {
		return fmt.Errorf("%w: %q", ErrUnsafeID, id)
	}
	if id == "." || id == ".." || len(id) > 128 {
		return fmt.Errorf("%w: %q", ErrUnsafeID, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrUnsafeID, id)
		}
	}
	return nil
}
