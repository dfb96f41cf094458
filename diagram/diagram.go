package diagram

import (
	"fmt"
	"sort"
	"time"
)

// NodeType identifies the handler responsible for executing a node.
//
// The set is closed: the runtime's handler registry resolves a NodeType
// to exactly one handler implementation.
type NodeType string

// The closed node-type set.
const (
	NodeStart        NodeType = "start"
	NodeEndpoint     NodeType = "endpoint"
	NodeCondition    NodeType = "condition"
	NodePersonJob    NodeType = "person_job"
	NodeCodeJob      NodeType = "code_job"
	NodeAPIJob       NodeType = "api_job"
	NodeDB           NodeType = "db"
	NodeUserResponse NodeType = "user_response"
	NodeSubDiagram   NodeType = "sub_diagram"
)

// ContentType describes the payload format carried on an edge.
type ContentType string

// Edge content types.
const (
	ContentRawText           ContentType = "raw_text"
	ContentObject            ContentType = "object"
	ContentConversationState ContentType = "conversation_state"
)

// Output and input port names. Envelopes are addressed to ports of the
// producing node; the token manager routes ports onto edges.
const (
	PortDefault   = "default"
	PortCondTrue  = "condtrue"
	PortCondFalse = "condfalse"
)

// Config holds a node's type-specific configuration as loaded from the
// compiled diagram. Values are JSON/YAML scalars and maps; the typed
// accessors below perform the loose conversions handlers need.
type Config map[string]any

// String returns the string value for key, or "" when absent or not a string.
func (c Config) String(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the integer value for key, or def when absent.
// YAML and JSON decoders produce int, int64, or float64 depending on the
// source; all three are accepted.
func (c Config) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// Bool returns the boolean value for key, or false when absent.
func (c Config) Bool(key string) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return false
}

// Duration reads key as a count of seconds and returns it as a Duration,
// or def when absent or non-numeric.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	switch v := c[key].(type) {
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	default:
		return def
	}
}

// Map returns the nested map value for key, or nil.
func (c Config) Map(key string) map[string]any {
	if v, ok := c[key].(map[string]any); ok {
		return v
	}
	return nil
}

// Node is a processing unit in the compiled diagram.
type Node struct {
	ID     NodeID   `json:"id" yaml:"id"`
	Type   NodeType `json:"type" yaml:"type"`
	Config Config   `json:"config,omitempty" yaml:"config,omitempty"`
}

// DefaultMaxIterations caps how many times a node may execute within
// one execution when its config does not say otherwise.
const DefaultMaxIterations = 100

// MaxIterations reads the node's configured iteration cap, falling back
// to DefaultMaxIterations.
func (n *Node) MaxIterations() int {
	return n.Config.Int("max_iterations", DefaultMaxIterations)
}

// OnError returns the node's failure policy: "abort" (default) or "continue".
func (n *Node) OnError() string {
	if v := n.Config.String("on_error"); v != "" {
		return v
	}
	return "abort"
}

// Skippable reports whether a condition node's unpublished branch may be
// ignored by downstream consumers that have other sources.
func (n *Node) Skippable() bool {
	return n.Type == NodeCondition && n.Config.Bool("skippable")
}

// Edge connects a source node output port to a target node input port.
type Edge struct {
	ID           ArrowID     `json:"id" yaml:"id"`
	Source       NodeID      `json:"source_node_id" yaml:"source_node_id"`
	SourceOutput string      `json:"source_output,omitempty" yaml:"source_output,omitempty"`
	Target       NodeID      `json:"target_node_id" yaml:"target_node_id"`
	TargetInput  string      `json:"target_input,omitempty" yaml:"target_input,omitempty"`
	ContentType  ContentType `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Label        string      `json:"label,omitempty" yaml:"label,omitempty"`
	Transform    string      `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// OutputPort returns the source port, defaulting to PortDefault.
func (e *Edge) OutputPort() string {
	if e.SourceOutput == "" {
		return PortDefault
	}
	return e.SourceOutput
}

// InputPort returns the target port, defaulting to PortDefault.
func (e *Edge) InputPort() string {
	if e.TargetInput == "" {
		return PortDefault
	}
	return e.TargetInput
}

// Person is a configured LLM agent definition.
type Person struct {
	Service      string   `json:"service" yaml:"service"`
	Model        string   `json:"model" yaml:"model"`
	APIKeyID     APIKeyID `json:"api_key_id,omitempty" yaml:"api_key_id,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Label        string   `json:"label,omitempty" yaml:"label,omitempty"`
}

// Diagram is a compiled, validated diagram. It is read-only during
// execution; the runtime holds cross-references as IDs and indices,
// never as owning pointers.
type Diagram struct {
	ID      DiagramID           `json:"id,omitempty" yaml:"id,omitempty"`
	Nodes   []Node              `json:"nodes" yaml:"nodes"`
	Edges   []Edge              `json:"edges" yaml:"edges"`
	Persons map[PersonID]Person `json:"persons,omitempty" yaml:"persons,omitempty"`

	nodesByID map[NodeID]*Node
	inEdges   map[NodeID][]*Edge
	outEdges  map[NodeID][]*Edge
	topoIndex map[NodeID]int
}

// Node returns the node with the given ID, or nil.
func (d *Diagram) Node(id NodeID) *Node {
	d.ensureIndex()
	return d.nodesByID[id]
}

// In returns the incoming edges of a node, in declaration order.
func (d *Diagram) In(id NodeID) []*Edge {
	d.ensureIndex()
	return d.inEdges[id]
}

// Out returns the outgoing edges of a node, in declaration order.
func (d *Diagram) Out(id NodeID) []*Edge {
	d.ensureIndex()
	return d.outEdges[id]
}

// StartNodes returns all nodes of type start.
func (d *Diagram) StartNodes() []*Node {
	return d.nodesOfType(NodeStart)
}

// EndpointNodes returns all nodes of type endpoint.
func (d *Diagram) EndpointNodes() []*Node {
	return d.nodesOfType(NodeEndpoint)
}

func (d *Diagram) nodesOfType(t NodeType) []*Node {
	d.ensureIndex()
	var out []*Node
	for i := range d.Nodes {
		if d.Nodes[i].Type == t {
			out = append(out, &d.Nodes[i])
		}
	}
	return out
}

// PersonLabel returns the display label for a person, falling back to
// the person ID when no label is configured.
func (d *Diagram) PersonLabel(id PersonID) string {
	if p, ok := d.Persons[id]; ok && p.Label != "" {
		return p.Label
	}
	return string(id)
}

// TopoIndex returns the node's position in a stable quasi-topological
// order. Acyclic regions are ordered by Kahn's algorithm with node-ID
// tie-breaking; nodes on cycles are appended in ID order as the
// algorithm stalls. The engine uses this order when selecting among
// ready nodes so that step composition is deterministic.
func (d *Diagram) TopoIndex(id NodeID) int {
	d.ensureIndex()
	return d.topoIndex[id]
}

// ensureIndex builds the lookup tables on first use. The diagram is
// immutable after loading, so the build is idempotent.
func (d *Diagram) ensureIndex() {
	if d.nodesByID != nil {
		return
	}
	d.nodesByID = make(map[NodeID]*Node, len(d.Nodes))
	for i := range d.Nodes {
		d.nodesByID[d.Nodes[i].ID] = &d.Nodes[i]
	}
	d.inEdges = make(map[NodeID][]*Edge)
	d.outEdges = make(map[NodeID][]*Edge)
	for i := range d.Edges {
		e := &d.Edges[i]
		d.outEdges[e.Source] = append(d.outEdges[e.Source], e)
		d.inEdges[e.Target] = append(d.inEdges[e.Target], e)
	}
	d.buildTopoIndex()
}

func (d *Diagram) buildTopoIndex() {
	inDegree := make(map[NodeID]int, len(d.Nodes))
	for i := range d.Nodes {
		inDegree[d.Nodes[i].ID] = 0
	}
	for i := range d.Edges {
		inDegree[d.Edges[i].Target]++
	}

	remaining := make(map[NodeID]bool, len(d.Nodes))
	for id := range inDegree {
		remaining[id] = true
	}

	d.topoIndex = make(map[NodeID]int, len(d.Nodes))
	next := 0
	for len(remaining) > 0 {
		var ready []NodeID
		for id := range remaining {
			if inDegree[id] == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			// Cycle: break the stall at the smallest remaining ID.
			for id := range remaining {
				ready = append(ready, id)
			}
			sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
			ready = ready[:1]
		} else {
			sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		}
		for _, id := range ready {
			d.topoIndex[id] = next
			next++
			delete(remaining, id)
			for _, e := range d.outEdges[id] {
				if remaining[e.Target] {
					inDegree[e.Target]--
				}
			}
		}
	}
}

// Validate checks the structural invariants of a compiled diagram:
// unique node IDs, edge endpoints referencing existing nodes, start
// nodes with no incoming edges, and endpoint nodes with no outgoing
// edges. It also verifies that every person referenced by a person_job
// node is defined.
func (d *Diagram) Validate() error {
	seen := make(map[NodeID]bool, len(d.Nodes))
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("diagram: node %d has empty id", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("diagram: duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}

	for i := range d.Edges {
		e := &d.Edges[i]
		if !seen[e.Source] {
			return fmt.Errorf("diagram: edge %q references unknown source node %q", e.ID, e.Source)
		}
		if !seen[e.Target] {
			return fmt.Errorf("diagram: edge %q references unknown target node %q", e.ID, e.Target)
		}
	}

	d.ensureIndex()
	for i := range d.Nodes {
		n := &d.Nodes[i]
		switch n.Type {
		case NodeStart:
			if len(d.inEdges[n.ID]) > 0 {
				return fmt.Errorf("diagram: start node %q has incoming edges", n.ID)
			}
		case NodeEndpoint:
			if len(d.outEdges[n.ID]) > 0 {
				return fmt.Errorf("diagram: endpoint node %q has outgoing edges", n.ID)
			}
		case NodePersonJob:
			pid := PersonID(n.Config.String("person"))
			if pid == "" {
				return fmt.Errorf("diagram: person_job node %q has no person configured", n.ID)
			}
			if _, ok := d.Persons[pid]; !ok {
				return fmt.Errorf("diagram: person_job node %q references unknown person %q", n.ID, pid)
			}
		}
	}
	return nil
}
