package patcher

// State is the lifecycle state of a run.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateRunning
	StateDraining
	StateAborting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateAborting:
		return "aborting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// State returns the current lifecycle state.
func (p *Patcher) State() State {
	return State(p.state.Load())
}

// setState moves to next. An aborting run never falls back to draining.
func (p *Patcher) setState(next State) {
	for {
		cur := State(p.state.Load())
		if cur == next || (cur == StateAborting && next == StateDraining) {
			return
		}
		if p.state.CompareAndSwap(int32(cur), int32(next)) {
			p.log.Debug("state", "from", cur.String(), "to", next.String())
			return
		}
	}
}
