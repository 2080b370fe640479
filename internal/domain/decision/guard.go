package decision

import "github.com/Strob0t/AgentPR/internal/domain/run"

// Guard stops a tick from repeating a (state, action) pair.
type Guard struct {
	seen map[guardKey]bool
}

type guardKey struct {
	state  run.State
	action Action
}

// Observe records d and reports whether it is new within the tick.
func (g *Guard) Observe(d Decision) bool {
	if g.seen == nil {
		g.seen = map[guardKey]bool{}
	}
	k := guardKey{d.State, d.Action}
	if g.seen[k] {
		return false
	}
	g.seen[k] = true
	return true
}
