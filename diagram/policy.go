package diagram

// JoinPolicyType selects the readiness predicate applied to a node's
// incoming edges.
type JoinPolicyType string

// Join policy types for multi-input nodes.
const (
	// JoinAll requires an unconsumed token on every relevant incoming edge.
	JoinAll JoinPolicyType = "all"

	// JoinAny requires an unconsumed token on at least one incoming edge.
	JoinAny JoinPolicyType = "any"

	// JoinFirst is satisfied by the first arriving token. Equivalent to
	// JoinAny for readiness purposes.
	JoinFirst JoinPolicyType = "first"

	// JoinKOfN requires unconsumed tokens on at least K incoming edges.
	JoinKOfN JoinPolicyType = "k_of_n"
)

// JoinPolicy is a node's derived readiness predicate. K is only
// meaningful for JoinKOfN.
type JoinPolicy struct {
	Type JoinPolicyType
	K    int
}

// JoinPolicyFor derives a node's join policy from its type and config.
//
// An explicit "join_policy" config entry (with "join_k" for k_of_n)
// wins. Otherwise person_job nodes default to JoinAny — a loop body
// must fire on its first trigger alone, before any loop-back edge has
// produced a token. Every other type defaults to JoinAll, which is
// also the safe interpretation for unknown configurations.
func (d *Diagram) JoinPolicyFor(n *Node) JoinPolicy {
	if v := n.Config.String("join_policy"); v != "" {
		switch JoinPolicyType(v) {
		case JoinAll:
			return JoinPolicy{Type: JoinAll}
		case JoinAny:
			return JoinPolicy{Type: JoinAny}
		case JoinFirst:
			return JoinPolicy{Type: JoinFirst}
		case JoinKOfN:
			return JoinPolicy{Type: JoinKOfN, K: n.Config.Int("join_k", 1)}
		default:
			return JoinPolicy{Type: JoinAll}
		}
	}
	if n.Type == NodePersonJob {
		return JoinPolicy{Type: JoinAny}
	}
	return JoinPolicy{Type: JoinAll}
}
