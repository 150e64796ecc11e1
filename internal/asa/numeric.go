package asa

import (
	"strconv"
	"strings"
)

// Numeric negotiates decimal integer values toward Target, moving at most
// Step per round. Unparseable proposals are answered with Target.
type Numeric struct {
	Target int64
	Step   int64
	// OnCommit is called with the agreed value; nil ignores commits.
	OnCommit func(final []byte)
}

var _ Agent = (*Numeric)(nil)

func (n *Numeric) Equivalent(proposed, counter []byte) bool {
	a, okA := parseInt(proposed)
	b, okB := parseInt(counter)
	if !okA || !okB {
		return string(proposed) == string(counter)
	}
	return a == b
}

func (n *Numeric) Propose(proposed []byte) []byte {
	v, ok := parseInt(proposed)
	if !ok {
		return formatInt(n.Target)
	}
	step := n.Step
	if step <= 0 {
		return formatInt(n.Target)
	}
	switch {
	case v+step < n.Target:
		v += step
	case v-step > n.Target:
		v -= step
	default:
		v = n.Target
	}
	return formatInt(v)
}

func (n *Numeric) Commit(final []byte) {
	if n.OnCommit != nil {
		n.OnCommit(final)
	}
}

func parseInt(b []byte) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func formatInt(v int64) []byte {
	return []byte(strconv.FormatInt(v, 10))
}
