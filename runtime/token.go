// Package runtime implements the execution substrate that turns a
// compiled diagram into a running, observable, resumable computation:
// token-flow scheduling, readiness evaluation, the stateful step-loop
// engine, and the inbound control surface.
package runtime

import (
	"sort"
	"sync"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// Token is an envelope placed on an edge, identified by (edge, epoch,
// seq). Sequence numbers are monotonic per (edge, epoch) starting at 1.
type Token struct {
	Epoch    int
	Seq      int
	Envelope *envelope.Envelope
}

// seqKey identifies a token sequence: one counter per (edge, epoch).
type seqKey struct {
	edge  int
	epoch int
}

// tokKey identifies a single published token.
type tokKey struct {
	edge  int
	epoch int
	seq   int
}

// branchKey scopes condition branch decisions to an epoch so that a
// stale decision from a previous loop iteration is never consulted.
type branchKey struct {
	node  diagram.NodeID
	epoch int
}

// TokenManager maintains per-edge token sequences, consumption
// watermarks, the current epoch, and condition branch decisions for a
// single execution.
//
// Edges are referenced by their index into the diagram's edge array;
// all cross-references are indices or IDs, never owning pointers.
// All operations are short critical sections under one per-execution
// mutex. Within (edge, epoch) consumers observe tokens in publish
// order; no ordering holds across edges or epochs.
type TokenManager struct {
	d *diagram.Diagram

	mu           sync.Mutex
	epoch        int
	seq          map[seqKey]int
	tokens       map[tokKey]*envelope.Envelope
	lastConsumed map[seqKey]int // keyed by (edge, epoch); the edge target is its only consumer
	branches     map[branchKey]string

	inEdges  map[diagram.NodeID][]int
	outEdges map[diagram.NodeID][]int
}

// NewTokenManager builds a token manager for the given diagram.
func NewTokenManager(d *diagram.Diagram) *TokenManager {
	tm := &TokenManager{
		d:            d,
		seq:          make(map[seqKey]int),
		tokens:       make(map[tokKey]*envelope.Envelope),
		lastConsumed: make(map[seqKey]int),
		branches:     make(map[branchKey]string),
		inEdges:      make(map[diagram.NodeID][]int),
		outEdges:     make(map[diagram.NodeID][]int),
	}
	for i := range d.Edges {
		e := &d.Edges[i]
		tm.outEdges[e.Source] = append(tm.outEdges[e.Source], i)
		tm.inEdges[e.Target] = append(tm.inEdges[e.Target], i)
	}
	return tm
}

// CurrentEpoch returns the current epoch.
func (tm *TokenManager) CurrentEpoch() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.epoch
}

// BeginEpoch increments the global epoch and returns it. Used on loop
// re-entry so that a new iteration's tokens never collide with the
// previous iteration's watermarks.
func (tm *TokenManager) BeginEpoch() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.epoch++
	return tm.epoch
}

// Publish places an envelope on an edge at the given epoch (the current
// epoch when epoch < 0) and returns the resulting token. Publish never
// blocks.
func (tm *TokenManager) Publish(edgeIndex int, env *envelope.Envelope, epoch int) Token {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.publishLocked(edgeIndex, env, epoch)
}

func (tm *TokenManager) publishLocked(edgeIndex int, env *envelope.Envelope, epoch int) Token {
	if epoch < 0 {
		epoch = tm.epoch
	}
	k := seqKey{edge: edgeIndex, epoch: epoch}
	tm.seq[k]++
	seq := tm.seq[k]
	tm.tokens[tokKey{edge: edgeIndex, epoch: epoch, seq: seq}] = env
	return Token{Epoch: epoch, Seq: seq, Envelope: env}
}

// EmitOutputs routes a node's port-addressed outputs onto its outgoing
// edges. For each outgoing edge the port key is the edge's source
// output (falling back to the default port); edges whose port produced
// no envelope receive no token.
//
// For condition nodes the taken branch is recorded for the epoch,
// derived from which branch port is present, or from a boolean-shaped
// body when outputs use only the default port.
//
// Returns the number of tokens published.
func (tm *TokenManager) EmitOutputs(nodeID diagram.NodeID, outputs map[string]*envelope.Envelope, epoch int) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if epoch < 0 {
		epoch = tm.epoch
	}

	if node := tm.d.Node(nodeID); node != nil && node.Type == diagram.NodeCondition {
		if decision := extractBranchDecision(outputs); decision != "" {
			tm.branches[branchKey{node: nodeID, epoch: epoch}] = decision
		}
	}

	published := 0
	for _, idx := range tm.outEdges[nodeID] {
		edge := &tm.d.Edges[idx]
		payload := outputs[edge.OutputPort()]
		if payload == nil {
			continue
		}
		tm.publishLocked(idx, payload, epoch)
		published++
	}
	return published
}

// extractBranchDecision determines which branch a condition node took.
// Port presence wins; a default-port output with a boolean-shaped body
// ({result: bool} or bool) decides by truthiness.
func extractBranchDecision(outputs map[string]*envelope.Envelope) string {
	if _, ok := outputs[diagram.PortCondTrue]; ok {
		return diagram.PortCondTrue
	}
	if _, ok := outputs[diagram.PortCondFalse]; ok {
		return diagram.PortCondFalse
	}
	out, ok := outputs[diagram.PortDefault]
	if !ok || out == nil {
		return ""
	}
	switch body := out.Body.(type) {
	case bool:
		if body {
			return diagram.PortCondTrue
		}
		return diagram.PortCondFalse
	case map[string]any:
		if result, ok := body["result"]; ok {
			if b, ok := result.(bool); ok && b {
				return diagram.PortCondTrue
			}
			return diagram.PortCondFalse
		}
	}
	return ""
}

// ConsumeInbound atomically consumes the newest unconsumed token on
// each inbound edge of a node at the given epoch, advancing the
// consumption watermark. The result maps each edge's input port to its
// envelope. Consuming again without new tokens returns an empty map.
func (tm *TokenManager) ConsumeInbound(nodeID diagram.NodeID, epoch int) map[string]*envelope.Envelope {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if epoch < 0 {
		epoch = tm.epoch
	}

	inputs := make(map[string]*envelope.Envelope)
	for _, idx := range tm.inEdges[nodeID] {
		k := seqKey{edge: idx, epoch: epoch}
		seq := tm.seq[k]
		if seq <= tm.lastConsumed[k] {
			continue
		}
		tm.lastConsumed[k] = seq
		if payload := tm.tokens[tokKey{edge: idx, epoch: epoch, seq: seq}]; payload != nil {
			inputs[tm.d.Edges[idx].InputPort()] = payload
		}
	}
	return inputs
}

// HasUnconsumed reports whether an edge holds an unconsumed token at
// the given epoch.
func (tm *TokenManager) HasUnconsumed(edgeIndex, epoch int) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.hasUnconsumedLocked(edgeIndex, epoch)
}

func (tm *TokenManager) hasUnconsumedLocked(edgeIndex, epoch int) bool {
	k := seqKey{edge: edgeIndex, epoch: epoch}
	return tm.seq[k] > tm.lastConsumed[k]
}

// BranchDecision returns the branch a condition node took at the given
// epoch, or "" when the node has not decided in that epoch.
func (tm *TokenManager) BranchDecision(nodeID diagram.NodeID, epoch int) string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.branches[branchKey{node: nodeID, epoch: epoch}]
}

// EpochsWithUnconsumed lists, in ascending order, the epochs at which a
// node has at least one unconsumed inbound token. The engine evaluates
// readiness oldest-epoch first so that loop iterations drain in order.
func (tm *TokenManager) EpochsWithUnconsumed(nodeID diagram.NodeID) []int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	seen := make(map[int]bool)
	for _, idx := range tm.inEdges[nodeID] {
		for k, seq := range tm.seq {
			if k.edge != idx {
				continue
			}
			if seq > tm.lastConsumed[k] {
				seen[k.epoch] = true
			}
		}
	}
	epochs := make([]int, 0, len(seen))
	for e := range seen {
		epochs = append(epochs, e)
	}
	sort.Ints(epochs)
	return epochs
}

// CurrentSeq returns the last published sequence number for an edge at
// an epoch (0 when nothing has been published).
func (tm *TokenManager) CurrentSeq(edgeIndex, epoch int) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.seq[seqKey{edge: edgeIndex, epoch: epoch}]
}

// LastConsumedSeq returns the consumption watermark for an edge at an
// epoch.
func (tm *TokenManager) LastConsumedSeq(edgeIndex, epoch int) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.lastConsumed[seqKey{edge: edgeIndex, epoch: epoch}]
}

// InEdges returns the indices of a node's inbound edges.
func (tm *TokenManager) InEdges(nodeID diagram.NodeID) []int {
	return tm.inEdges[nodeID]
}

// OutEdges returns the indices of a node's outbound edges.
func (tm *TokenManager) OutEdges(nodeID diagram.NodeID) []int {
	return tm.outEdges[nodeID]
}
