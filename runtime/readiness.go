package runtime

import (
	"github.com/dipeo/dipeo-go/diagram"
)

// ReadinessEvaluator decides whether a node may run at a given epoch,
// combining edge filtering (start edges, skippable conditions, branch
// decisions) with the node's join policy.
type ReadinessEvaluator struct {
	d  *diagram.Diagram
	tm *TokenManager

	// execCount reports how many times a node has started in this
	// execution; used for start-edge filtering.
	execCount func(diagram.NodeID) int
}

// NewReadinessEvaluator builds an evaluator over the token manager's
// state. execCount must be safe for concurrent use.
func NewReadinessEvaluator(d *diagram.Diagram, tm *TokenManager, execCount func(diagram.NodeID) int) *ReadinessEvaluator {
	return &ReadinessEvaluator{d: d, tm: tm, execCount: execCount}
}

// Ready reports the oldest epoch at which the node's join policy is
// satisfied. Nodes with no inbound edges (start nodes) are never ready
// here; the engine seeds them once at execution start.
func (r *ReadinessEvaluator) Ready(nodeID diagram.NodeID) (int, bool) {
	for _, epoch := range r.tm.EpochsWithUnconsumed(nodeID) {
		if r.ReadyAt(nodeID, epoch) {
			return epoch, true
		}
	}
	return 0, false
}

// HasNewInputs is the fast-path probe: whether any epoch currently
// satisfies the node's join policy.
func (r *ReadinessEvaluator) HasNewInputs(nodeID diagram.NodeID) bool {
	_, ok := r.Ready(nodeID)
	return ok
}

// ReadyAt evaluates readiness at one specific epoch:
//
//  1. start-edge filtering: edges from start nodes are dropped once the
//     node has executed, since start nodes emit exactly once;
//  2. skippable conditions: an edge from a skippable condition node is
//     optional iff the node has another distinct source — unless every
//     edge is skippable, in which case all stay required;
//  3. branch filtering: condtrue/condfalse edges whose source decided
//     the other way in this epoch are dropped;
//  4. the join policy is applied to what remains.
//
// An empty remaining edge set is not ready.
func (r *ReadinessEvaluator) ReadyAt(nodeID diagram.NodeID, epoch int) bool {
	edges := r.tm.InEdges(nodeID)
	if len(edges) == 0 {
		return false
	}

	relevant := r.filterStartEdges(nodeID, edges)
	active := r.filterSkippable(relevant)
	required := r.filterByBranch(active, epoch)
	if len(required) == 0 {
		return false
	}

	node := r.d.Node(nodeID)
	policy := r.d.JoinPolicyFor(node)

	available := 0
	for _, idx := range required {
		if r.tm.HasUnconsumed(idx, epoch) {
			available++
		}
	}

	switch policy.Type {
	case diagram.JoinAny, diagram.JoinFirst:
		return available > 0
	case diagram.JoinKOfN:
		k := policy.K
		if k < 1 {
			k = 1
		}
		return available >= k
	default:
		// JoinAll, and the safe default for unknown policies.
		return available == len(required)
	}
}

func (r *ReadinessEvaluator) filterStartEdges(nodeID diagram.NodeID, edges []int) []int {
	if r.execCount(nodeID) == 0 {
		return edges
	}
	out := make([]int, 0, len(edges))
	for _, idx := range edges {
		src := r.d.Node(r.d.Edges[idx].Source)
		if src != nil && src.Type == diagram.NodeStart {
			continue
		}
		out = append(out, idx)
	}
	return out
}

func (r *ReadinessEvaluator) filterSkippable(edges []int) []int {
	sources := make(map[diagram.NodeID]bool, len(edges))
	for _, idx := range edges {
		sources[r.d.Edges[idx].Source] = true
	}

	active := make([]int, 0, len(edges))
	skippable := make([]int, 0)
	for _, idx := range edges {
		src := r.d.Node(r.d.Edges[idx].Source)
		if src != nil && src.Skippable() && len(sources) > 1 {
			skippable = append(skippable, idx)
			continue
		}
		active = append(active, idx)
	}

	// All edges skippable: treat them as active rather than vacuously ready.
	if len(active) == 0 {
		return skippable
	}
	return active
}

func (r *ReadinessEvaluator) filterByBranch(edges []int, epoch int) []int {
	out := make([]int, 0, len(edges))
	for _, idx := range edges {
		e := &r.d.Edges[idx]
		if e.SourceOutput == diagram.PortCondTrue || e.SourceOutput == diagram.PortCondFalse {
			decision := r.tm.BranchDecision(e.Source, epoch)
			if decision != "" && decision != e.SourceOutput {
				continue
			}
		}
		out = append(out, idx)
	}
	return out
}
