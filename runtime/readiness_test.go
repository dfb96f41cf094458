package runtime

import (
	"testing"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// readinessHarness wires a token manager and readiness evaluator over a diagram
// with controllable exec counts.
type readinessHarness struct {
	d      *diagram.Diagram
	tm     *TokenManager
	re     *ReadinessEvaluator
	counts map[diagram.NodeID]int
}

func newReadinessHarness(d *diagram.Diagram) *readinessHarness {
	if err := d.Validate(); err != nil {
		panic(err)
	}
	h := &readinessHarness{d: d, counts: make(map[diagram.NodeID]int)}
	h.tm = NewTokenManager(d)
	h.re = NewReadinessEvaluator(d, h.tm, func(id diagram.NodeID) int { return h.counts[id] })
	return h
}

func (h *readinessHarness) edgeIndex(id diagram.ArrowID) int {
	for i := range h.d.Edges {
		if h.d.Edges[i].ID == id {
			return i
		}
	}
	panic("unknown edge " + id)
}

func (h *readinessHarness) publish(edge diagram.ArrowID, epoch int) {
	h.tm.Publish(h.edgeIndex(edge), envelope.Text("t", "x"), epoch)
}

func TestJoinAllRequiresEveryEdge(t *testing.T) {
	h := newReadinessHarness(&diagram.Diagram{
		Nodes: []diagram.Node{
			{ID: "A", Type: diagram.NodeCodeJob, Config: diagram.Config{"code": "true"}},
			{ID: "B", Type: diagram.NodeCodeJob, Config: diagram.Config{"code": "true"}},
			{ID: "J", Type: diagram.NodeCodeJob, Config: diagram.Config{"code": "true"}},
		},
		Edges: []diagram.Edge{
			{ID: "eAJ", Source: "A", Target: "J"},
			{ID: "eBJ", Source: "B", Target: "J"},
		},
	})

	if h.re.ReadyAt("J", 0) {
		t.Error("J must not be ready with no tokens")
	}
	h.publish("eAJ", 0)
	if h.re.ReadyAt("J", 0) {
		t.Error("J must not be ready with one of two tokens under all")
	}
	h.publish("eBJ", 0)
	if !h.re.ReadyAt("J", 0) {
		t.Error("J must be ready with both tokens")
	}
}

func TestJoinAnyAndKOfN(t *testing.T) {
	build := func(policy string, k int) *readinessHarness {
		cfg := diagram.Config{"code": "true", "join_policy": policy}
		if k > 0 {
			cfg["join_k"] = k
		}
		return newReadinessHarness(&diagram.Diagram{
			Nodes: []diagram.Node{
				{ID: "A", Type: diagram.NodeCodeJob, Config: diagram.Config{"code": "true"}},
				{ID: "B", Type: diagram.NodeCodeJob, Config: diagram.Config{"code": "true"}},
				{ID: "C", Type: diagram.NodeCodeJob, Config: diagram.Config{"code": "true"}},
				{ID: "J", Type: diagram.NodeCodeJob, Config: cfg},
			},
			Edges: []diagram.Edge{
				{ID: "eAJ", Source: "A", Target: "J"},
				{ID: "eBJ", Source: "B", Target: "J"},
				{ID: "eCJ", Source: "C", Target: "J"},
			},
		})
	}

	t.Run("any fires on one token", func(t *testing.T) {
		h := build("any", 0)
		h.publish("eBJ", 0)
		if !h.re.ReadyAt("J", 0) {
			t.Error("any-join must be ready with a single token")
		}
	})

	t.Run("first behaves like any", func(t *testing.T) {
		h := build("first", 0)
		h.publish("eCJ", 0)
		if !h.re.ReadyAt("J", 0) {
			t.Error("first-join must be ready with a single token")
		}
	})

	t.Run("k_of_n needs k tokens", func(t *testing.T) {
		h := build("k_of_n", 2)
		h.publish("eAJ", 0)
		if h.re.ReadyAt("J", 0) {
			t.Error("k_of_n(2) must not fire on one token")
		}
		h.publish("eCJ", 0)
		if !h.re.ReadyAt("J", 0) {
			t.Error("k_of_n(2) must fire on two tokens")
		}
	})
}

func TestStartEdgeFiltering(t *testing.T) {
	h := newReadinessHarness(&diagram.Diagram{
		Nodes: []diagram.Node{
			{ID: "S", Type: diagram.NodeStart},
			{ID: "L", Type: diagram.NodeCodeJob, Config: diagram.Config{"code": "true"}},
			{ID: "A", Type: diagram.NodeCodeJob, Config: diagram.Config{"code": "true"}},
		},
		Edges: []diagram.Edge{
			{ID: "eSA", Source: "S", Target: "A"},
			{ID: "eLA", Source: "L", Target: "A"},
		},
	})

	// First execution: the start edge is required, so A waits for both.
	h.publish("eLA", 0)
	if h.re.ReadyAt("A", 0) {
		t.Error("A must wait for the start token before first execution")
	}
	h.publish("eSA", 0)
	if !h.re.ReadyAt("A", 0) {
		t.Error("A must be ready with both tokens")
	}

	// After the first execution the start edge no longer counts.
	h.tm.ConsumeInbound("A", 0)
	h.counts["A"] = 1
	h.publish("eLA", 0)
	if !h.re.ReadyAt("A", 0) {
		t.Error("A must be ready on the loop edge alone after first execution")
	}
}

// Scenario S3: a skippable condition edge is optional when the node
// has another distinct source.
func TestSkippableConditionEdge(t *testing.T) {
	h := newReadinessHarness(&diagram.Diagram{
		Nodes: []diagram.Node{
			{ID: "S", Type: diagram.NodeStart},
			{ID: "C", Type: diagram.NodeCondition, Config: diagram.Config{"expression": "1 == 1", "skippable": true}},
			{ID: "A", Type: diagram.NodeCodeJob, Config: diagram.Config{"code": "true"}},
		},
		Edges: []diagram.Edge{
			{ID: "eSA", Source: "S", Target: "A"},
			{ID: "eSC", Source: "S", Target: "C"},
			{ID: "eCA", Source: "C", SourceOutput: diagram.PortCondTrue, Target: "A"},
		},
	})

	// C emitted condfalse: no token ever arrives on eCA. A still runs
	// on the S token alone because the C edge is skippable.
	h.tm.EmitOutputs("C", map[string]*envelope.Envelope{
		diagram.PortCondFalse: envelope.Object("C", map[string]any{"result": false}),
	}, 0)
	h.publish("eSA", 0)
	if !h.re.ReadyAt("A", 0) {
		t.Error("A must be ready: skippable condition edge with another source")
	}

	inputs := h.tm.ConsumeInbound("A", 0)
	if len(inputs) != 1 {
		t.Errorf("A consumed %d inputs, want only the S token", len(inputs))
	}
}

// When every inbound edge is skippable the edges become required again.
func TestAllSkippableEdgesTreatedActive(t *testing.T) {
	h := newReadinessHarness(&diagram.Diagram{
		Nodes: []diagram.Node{
			{ID: "C", Type: diagram.NodeCondition, Config: diagram.Config{"expression": "1 == 1", "skippable": true}},
			{ID: "A", Type: diagram.NodeCodeJob, Config: diagram.Config{"code": "true"}},
		},
		Edges: []diagram.Edge{
			{ID: "eCA", Source: "C", SourceOutput: diagram.PortCondTrue, Target: "A"},
		},
	})

	if h.re.ReadyAt("A", 0) {
		t.Error("A must not be vacuously ready when its only edge is skippable")
	}
	h.tm.EmitOutputs("C", map[string]*envelope.Envelope{
		diagram.PortCondTrue: envelope.Object("C", map[string]any{"result": true}),
	}, 0)
	if !h.re.ReadyAt("A", 0) {
		t.Error("A must be ready once the skippable edge fires")
	}
}

func TestBranchFiltering(t *testing.T) {
	h := newReadinessHarness(condDiagram())

	h.tm.EmitOutputs("C", map[string]*envelope.Envelope{
		diagram.PortCondTrue: envelope.Object("C", map[string]any{"result": true}),
	}, 0)

	if !h.re.ReadyAt("A", 0) {
		t.Error("A (condtrue target) must be ready")
	}
	if h.re.ReadyAt("B", 0) {
		t.Error("B (condfalse target) must not be ready")
	}
}
