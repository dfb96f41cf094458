package runtime

import (
	"testing"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

func condDiagram() *diagram.Diagram {
	d := &diagram.Diagram{
		Nodes: []diagram.Node{
			{ID: "S", Type: diagram.NodeStart},
			{ID: "C", Type: diagram.NodeCondition, Config: diagram.Config{"expression": "1 == 1"}},
			{ID: "A", Type: diagram.NodeCodeJob, Config: diagram.Config{"code": "true"}},
			{ID: "B", Type: diagram.NodeCodeJob, Config: diagram.Config{"code": "true"}},
		},
		Edges: []diagram.Edge{
			{ID: "eSC", Source: "S", Target: "C"},
			{ID: "eCA", Source: "C", SourceOutput: diagram.PortCondTrue, Target: "A"},
			{ID: "eCB", Source: "C", SourceOutput: diagram.PortCondFalse, Target: "B"},
		},
	}
	if err := d.Validate(); err != nil {
		panic(err)
	}
	return d
}

func TestPublishSequenceMonotonic(t *testing.T) {
	tm := NewTokenManager(condDiagram())

	// Sequence numbers are strictly monotonic from 1 with no gaps,
	// per (edge, epoch).
	for want := 1; want <= 5; want++ {
		tok := tm.Publish(0, envelope.Text("S", "x"), -1)
		if tok.Seq != want {
			t.Fatalf("seq = %d, want %d", tok.Seq, want)
		}
		if tok.Epoch != 0 {
			t.Fatalf("epoch = %d, want 0", tok.Epoch)
		}
	}

	// A new epoch restarts the sequence.
	epoch := tm.BeginEpoch()
	tok := tm.Publish(0, envelope.Text("S", "y"), epoch)
	if tok.Seq != 1 {
		t.Errorf("seq in new epoch = %d, want 1", tok.Seq)
	}
}

func TestBeginEpochRoundTrip(t *testing.T) {
	tm := NewTokenManager(condDiagram())
	const n = 7
	for i := 0; i < n; i++ {
		tm.BeginEpoch()
	}
	if got := tm.CurrentEpoch(); got != n {
		t.Errorf("CurrentEpoch = %d, want %d", got, n)
	}
}

func TestConsumeInboundIdempotent(t *testing.T) {
	tm := NewTokenManager(condDiagram())
	tm.Publish(0, envelope.Text("S", "payload"), -1)

	first := tm.ConsumeInbound("C", -1)
	if got := first[diagram.PortDefault]; got == nil || got.BodyString() != "payload" {
		t.Fatalf("first consume = %+v", first)
	}

	// Watermark advanced: a second consume returns nothing.
	second := tm.ConsumeInbound("C", -1)
	if len(second) != 0 {
		t.Errorf("second consume returned %d inputs, want 0", len(second))
	}

	// Watermark never exceeds the published sequence.
	if tm.LastConsumedSeq(0, 0) > tm.CurrentSeq(0, 0) {
		t.Error("last consumed seq exceeds current seq")
	}
}

func TestEmitOutputsRoutesPorts(t *testing.T) {
	tm := NewTokenManager(condDiagram())

	published := tm.EmitOutputs("C", map[string]*envelope.Envelope{
		diagram.PortCondTrue: envelope.Object("C", map[string]any{"result": true}),
	}, -1)
	if published != 1 {
		t.Fatalf("published = %d, want 1", published)
	}

	// Only the condtrue edge carries a token.
	if !tm.HasUnconsumed(1, 0) {
		t.Error("condtrue edge should hold a token")
	}
	if tm.HasUnconsumed(2, 0) {
		t.Error("condfalse edge should be empty")
	}
	if got := tm.BranchDecision("C", 0); got != diagram.PortCondTrue {
		t.Errorf("branch decision = %q, want condtrue", got)
	}
}

func TestBranchDecisionScopedToEpoch(t *testing.T) {
	tm := NewTokenManager(condDiagram())

	tm.EmitOutputs("C", map[string]*envelope.Envelope{
		diagram.PortCondTrue: envelope.Object("C", map[string]any{"result": true}),
	}, -1)

	epoch := tm.BeginEpoch()
	tm.EmitOutputs("C", map[string]*envelope.Envelope{
		diagram.PortCondFalse: envelope.Object("C", map[string]any{"result": false}),
	}, epoch)

	if got := tm.BranchDecision("C", 0); got != diagram.PortCondTrue {
		t.Errorf("epoch 0 decision = %q, want condtrue", got)
	}
	if got := tm.BranchDecision("C", epoch); got != diagram.PortCondFalse {
		t.Errorf("epoch %d decision = %q, want condfalse", epoch, got)
	}
}

func TestExtractBranchDecisionFromBody(t *testing.T) {
	tests := []struct {
		name string
		body any
		want string
	}{
		{"bool true", true, diagram.PortCondTrue},
		{"bool false", false, diagram.PortCondFalse},
		{"result map true", map[string]any{"result": true}, diagram.PortCondTrue},
		{"result map false", map[string]any{"result": false}, diagram.PortCondFalse},
		{"unshaped body", "text", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outputs := map[string]*envelope.Envelope{
				diagram.PortDefault: envelope.New("C", diagram.ContentObject, tt.body),
			}
			if got := extractBranchDecision(outputs); got != tt.want {
				t.Errorf("extractBranchDecision = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEpochsWithUnconsumed(t *testing.T) {
	tm := NewTokenManager(condDiagram())
	tm.Publish(0, envelope.Text("S", "a"), 0)
	e1 := tm.BeginEpoch()
	tm.Publish(0, envelope.Text("S", "b"), e1)

	epochs := tm.EpochsWithUnconsumed("C")
	if len(epochs) != 2 || epochs[0] != 0 || epochs[1] != 1 {
		t.Fatalf("epochs = %v, want [0 1]", epochs)
	}

	tm.ConsumeInbound("C", 0)
	epochs = tm.EpochsWithUnconsumed("C")
	if len(epochs) != 1 || epochs[0] != 1 {
		t.Errorf("epochs after consume = %v, want [1]", epochs)
	}
}
