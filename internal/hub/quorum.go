package hub

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrInvalidQuorum = errors.New("hub: invalid quorum policy")

type QuorumMode string

const (
	QuorumAll   QuorumMode = "all"
	QuorumCount QuorumMode = "count"
	QuorumRatio QuorumMode = "ratio"
)

// QuorumPolicy decides how many ready nodes must acknowledge a start.
type QuorumPolicy struct {
	Mode  QuorumMode
	Count int
	Ratio float64
}

// ParseQuorum accepts "all", "count:N" or "ratio:R" with 0 < R <= 1.
func ParseQuorum(raw string) (QuorumPolicy, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == string(QuorumAll) {
		return QuorumPolicy{Mode: QuorumAll}, nil
	}
	mode, arg, ok := strings.Cut(raw, ":")
	if !ok {
		return QuorumPolicy{}, fmt.Errorf("%w: %q", ErrInvalidQuorum, raw)
	}
	switch QuorumMode(mode) {
	case QuorumCount:
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return QuorumPolicy{}, fmt.Errorf("%w: %q", ErrInvalidQuorum, raw)
		}
		return QuorumPolicy{Mode: QuorumCount, Count: n}, nil
	case QuorumRatio:
		r, err := strconv.ParseFloat(arg, 64)
		if err != nil || r <= 0 || r > 1 {
			return QuorumPolicy{}, fmt.Errorf("%w: %q", ErrInvalidQuorum, raw)
		}
		return QuorumPolicy{Mode: QuorumRatio, Ratio: r}, nil
	default:
		return QuorumPolicy{}, fmt.Errorf("%w: %q", ErrInvalidQuorum, raw)
	}
}

func (q QuorumPolicy) String() string {
	switch q.Mode {
	case QuorumCount:
		return fmt.Sprintf("count:%d", q.Count)
	case QuorumRatio:
		return "ratio:" + strconv.FormatFloat(q.Ratio, 'f', -1, 64)
	default:
		return string(QuorumAll)
	}
}

// Required returns the acknowledgements needed out of ready nodes. It is
// never below one and never above ready.
func (q QuorumPolicy) Required(ready int) int {
	if ready <= 0 {
		return 1
	}
	need := ready
	switch q.Mode {
	case QuorumCount:
		need = q.Count
	case QuorumRatio:
		need = int(math.Ceil(q.Ratio*float64(ready) - 1e-9))
	}
	if need > ready {
		need = ready
	}
	if need < 1 {
		need = 1
	}
	return need
}

func (q QuorumPolicy) Met(acked, ready int) bool {
	return ready > 0 && acked >= q.Required(ready)
}
