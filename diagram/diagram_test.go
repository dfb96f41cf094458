package diagram

import (
	"testing"
)

func linear() *Diagram {
	return &Diagram{
		ID: "d1",
		Nodes: []Node{
			{ID: "S", Type: NodeStart},
			{ID: "P", Type: NodePersonJob, Config: Config{"person": "p1", "prompt": "hi"}},
			{ID: "E", Type: NodeEndpoint},
		},
		Edges: []Edge{
			{ID: "eSP", Source: "S", Target: "P"},
			{ID: "ePE", Source: "P", Target: "E"},
		},
		Persons: map[PersonID]Person{
			"p1": {Service: "openai", Model: "gpt-4o", Label: "Poet"},
		},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid diagram", func(t *testing.T) {
		if err := linear().Validate(); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
	})

	t.Run("duplicate node id", func(t *testing.T) {
		d := linear()
		d.Nodes = append(d.Nodes, Node{ID: "S", Type: NodeStart})
		if err := d.Validate(); err == nil {
			t.Error("expected error for duplicate node id")
		}
	})

	t.Run("dangling edge", func(t *testing.T) {
		d := linear()
		d.Edges = append(d.Edges, Edge{ID: "bad", Source: "S", Target: "missing"})
		if err := d.Validate(); err == nil {
			t.Error("expected error for edge to unknown node")
		}
	})

	t.Run("start with incoming edge", func(t *testing.T) {
		d := linear()
		d.Edges = append(d.Edges, Edge{ID: "loop", Source: "P", Target: "S"})
		if err := d.Validate(); err == nil {
			t.Error("expected error for start node with incoming edge")
		}
	})

	t.Run("endpoint with outgoing edge", func(t *testing.T) {
		d := linear()
		d.Edges = append(d.Edges, Edge{ID: "out", Source: "E", Target: "P"})
		if err := d.Validate(); err == nil {
			t.Error("expected error for endpoint with outgoing edge")
		}
	})

	t.Run("person_job with unknown person", func(t *testing.T) {
		d := linear()
		d.Nodes[1].Config = Config{"person": "ghost"}
		if err := d.Validate(); err == nil {
			t.Error("expected error for unknown person")
		}
	})
}

func TestEdgeLookup(t *testing.T) {
	d := linear()
	if err := d.Validate(); err != nil {
		t.Fatal(err)
	}

	if got := len(d.In("P")); got != 1 {
		t.Errorf("In(P) = %d edges, want 1", got)
	}
	if got := len(d.Out("P")); got != 1 {
		t.Errorf("Out(P) = %d edges, want 1", got)
	}
	if got := len(d.In("S")); got != 0 {
		t.Errorf("In(S) = %d edges, want 0", got)
	}
	if d.Node("missing") != nil {
		t.Error("Node(missing) should be nil")
	}
}

func TestTopoIndex(t *testing.T) {
	d := linear()
	if d.TopoIndex("S") >= d.TopoIndex("P") || d.TopoIndex("P") >= d.TopoIndex("E") {
		t.Errorf("topological order violated: S=%d P=%d E=%d",
			d.TopoIndex("S"), d.TopoIndex("P"), d.TopoIndex("E"))
	}
}

func TestTopoIndexWithCycle(t *testing.T) {
	d := &Diagram{
		Nodes: []Node{
			{ID: "S", Type: NodeStart},
			{ID: "A", Type: NodeCodeJob, Config: Config{"code": "true"}},
			{ID: "B", Type: NodeCondition, Config: Config{"expression": "1 == 1"}},
		},
		Edges: []Edge{
			{ID: "e1", Source: "S", Target: "A"},
			{ID: "e2", Source: "A", Target: "B"},
			{ID: "e3", Source: "B", SourceOutput: PortCondTrue, Target: "A"},
		},
	}
	if err := d.Validate(); err != nil {
		t.Fatal(err)
	}
	// All nodes must receive a finite index despite the A<->B cycle.
	seen := map[int]bool{}
	for _, id := range []NodeID{"S", "A", "B"} {
		idx := d.TopoIndex(id)
		if seen[idx] {
			t.Errorf("duplicate topo index %d for %s", idx, id)
		}
		seen[idx] = true
	}
	if d.TopoIndex("S") != 0 {
		t.Errorf("start node should order first, got %d", d.TopoIndex("S"))
	}
}

func TestJoinPolicyFor(t *testing.T) {
	d := linear()

	tests := []struct {
		name string
		node Node
		want JoinPolicyType
	}{
		{"default is all", Node{ID: "x", Type: NodeCodeJob}, JoinAll},
		{"person_job defaults to any", Node{ID: "x", Type: NodePersonJob}, JoinAny},
		{"explicit override", Node{ID: "x", Type: NodePersonJob, Config: Config{"join_policy": "all"}}, JoinAll},
		{"unknown policy falls back to all", Node{ID: "x", Type: NodeCodeJob, Config: Config{"join_policy": "bogus"}}, JoinAll},
		{"first", Node{ID: "x", Type: NodeCodeJob, Config: Config{"join_policy": "first"}}, JoinFirst},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.JoinPolicyFor(&tt.node); got.Type != tt.want {
				t.Errorf("JoinPolicyFor = %s, want %s", got.Type, tt.want)
			}
		})
	}

	t.Run("k_of_n carries k", func(t *testing.T) {
		n := Node{ID: "x", Type: NodeCodeJob, Config: Config{"join_policy": "k_of_n", "join_k": 2}}
		got := d.JoinPolicyFor(&n)
		if got.Type != JoinKOfN || got.K != 2 {
			t.Errorf("JoinPolicyFor = %+v, want k_of_n k=2", got)
		}
	})
}

func TestConfigAccessors(t *testing.T) {
	cfg := Config{
		"name":    "x",
		"count":   3,
		"big":     int64(5),
		"ratio":   2.0,
		"flag":    true,
		"timeout": 1.5,
		"nested":  map[string]any{"k": "v"},
	}

	if cfg.String("name") != "x" || cfg.String("missing") != "" {
		t.Error("String accessor broken")
	}
	if cfg.Int("count", 0) != 3 || cfg.Int("big", 0) != 5 || cfg.Int("ratio", 0) != 2 {
		t.Error("Int accessor broken")
	}
	if cfg.Int("missing", 7) != 7 {
		t.Error("Int default broken")
	}
	if !cfg.Bool("flag") || cfg.Bool("missing") {
		t.Error("Bool accessor broken")
	}
	if cfg.Duration("timeout", 0).Milliseconds() != 1500 {
		t.Errorf("Duration = %v, want 1.5s", cfg.Duration("timeout", 0))
	}
	if cfg.Map("nested")["k"] != "v" {
		t.Error("Map accessor broken")
	}
}

func TestLoadYAML(t *testing.T) {
	src := `
id: demo
nodes:
  - id: S
    type: start
  - id: C
    type: condition
    config:
      expression: "{x} == 1"
  - id: E
    type: endpoint
edges:
  - id: e1
    source_node_id: S
    target_node_id: C
  - id: e2
    source_node_id: C
    source_output: condtrue
    target_node_id: E
    content_type: raw_text
`
	d, err := LoadYAML([]byte(src))
	if err != nil {
		t.Fatalf("LoadYAML failed: %v", err)
	}
	if d.ID != "demo" || len(d.Nodes) != 3 || len(d.Edges) != 2 {
		t.Errorf("unexpected diagram shape: %+v", d)
	}
	if d.Node("C").Config.String("expression") != "{x} == 1" {
		t.Error("node config not loaded")
	}
	if d.Edges[1].SourceOutput != PortCondTrue {
		t.Errorf("source_output = %q", d.Edges[1].SourceOutput)
	}
}

func TestLoadJSONRejectsInvalid(t *testing.T) {
	src := `{"nodes":[{"id":"E","type":"endpoint"}],"edges":[{"id":"e","source_node_id":"E","target_node_id":"E"}]}`
	if _, err := LoadJSON([]byte(src)); err == nil {
		t.Error("expected validation error for endpoint with outgoing edge")
	}
}
