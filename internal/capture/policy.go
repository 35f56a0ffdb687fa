package capture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidPolicy = errors.New("capture: invalid start policy")

type PolicyMode string

const (
	PolicyAll    PolicyMode = "all"
	PolicyQuorum PolicyMode = "quorum"
)

// StartPolicy decides whether a partially started session may proceed.
type StartPolicy struct {
	Mode PolicyMode
	// Min is the module count required by PolicyQuorum.
	Min int
}

// ParsePolicy accepts "all" or "quorum:N".
func ParsePolicy(raw string) (StartPolicy, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch {
	case raw == "" || raw == string(PolicyAll):
		return StartPolicy{Mode: PolicyAll}, nil
	case strings.HasPrefix(raw, string(PolicyQuorum)+":"):
		n, err := strconv.Atoi(strings.TrimPrefix(raw, string(PolicyQuorum)+":"))
		if err != nil || n < 1 {
			return StartPolicy{}, fmt.Errorf("%w: %q", ErrInvalidPolicy, raw)
		}
		return StartPolicy{Mode: PolicyQuorum, Min: n}, nil
	default:
		return StartPolicy{}, fmt.Errorf("%w: %q", ErrInvalidPolicy, raw)
	}
}

func (p StartPolicy) String() string {
	if p.Mode == PolicyQuorum {
		return fmt.Sprintf("quorum:%d", p.Min)
	}
	return string(PolicyAll)
}

// Satisfied reports whether started of total modules meets the policy.
// A quorum larger than the registered set requires every module.
func (p StartPolicy) Satisfied(started, total int) bool {
	if started == 0 {
		return false
	}
	if p.Mode != PolicyQuorum {
		return started == total
	}
	need := p.Min
	if need > total {
		need = total
	}
	return started >= need
}
