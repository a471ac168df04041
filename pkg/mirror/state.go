package mirror

// NodeState classifies a node for the reconcile decision. It's a pure
// function of the node's two metadata slots.
type NodeState int

const (
	// StateUnknown means neither side has reported the path yet.
	StateUnknown NodeState = iota
	// StateLocalOnly means only the local side has reported the path.
	StateLocalOnly
	// StateRemoteOnly means only the remote side has reported the path.
	StateRemoteOnly
	// StateAgreed means both sides report the same modtime; there is
	// nothing to do until a new update arrives.
	StateAgreed
	// StateDiffLocalNewer means both sides differ and local wins.
	StateDiffLocalNewer
	// StateDiffRemoteNewer means both sides differ and remote wins.
	StateDiffRemoteNewer
	// StateTypeConflict means the sides disagree on what the path is
	// (e.g. directory vs. symlink).
	StateTypeConflict
	// StateTombstoneBoth means both sides agree the path is gone.
	StateTombstoneBoth
)

func (s NodeState) String() string {
	switch s {
	case StateLocalOnly:
		return "local-only"
	case StateRemoteOnly:
		return "remote-only"
	case StateAgreed:
		return "agreed"
	case StateDiffLocalNewer:
		return "diff-local-newer"
	case StateDiffRemoteNewer:
		return "diff-remote-newer"
	case StateTypeConflict:
		return "type-conflict"
	case StateTombstoneBoth:
		return "tombstone-both"
	default:
		return "unknown"
	}
}

// State returns the node's current classification.
func (n *Node) State() NodeState {
	switch {
	case n.local == nil && n.remote == nil:
		return StateUnknown
	case n.remote == nil:
		return StateLocalOnly
	case n.local == nil:
		return StateRemoteOnly
	case n.local.Delete && n.remote.Delete:
		return StateTombstoneBoth
	case !n.IsSameType() && n.local.ModTime != n.remote.ModTime:
		return StateTypeConflict
	case n.IsLocalNewer():
		return StateDiffLocalNewer
	case n.IsRemoteNewer():
		return StateDiffRemoteNewer
	default:
		return StateAgreed
	}
}
