package emit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// recordingSink captures wire events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Deliver(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func TestBusFanOutOrder(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	bus := NewBus()
	bus.AttachSink(sink)

	bus.ExecutionStart(ctx, "e1", "d1")
	bus.NodeStart(ctx, "e1", "n1")
	bus.NodeProgress("e1", "n1", map[string]any{"pct": 50})
	bus.NodeComplete(ctx, "e1", "n1", envelope.Text("n1", "done"))
	bus.ExecutionComplete(ctx, "e1")

	want := []Type{ExecutionStart, NodeStart, NodeProgress, NodeComplete, ExecutionComplete}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestEventWireShape(t *testing.T) {
	ev := NewEvent(NodeComplete, "e1", "n1", map[string]any{"output": "x"})
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, want := range []string{`"type":"node_complete"`, `"execution_id":"e1"`, `"node_id":"n1"`} {
		if !strings.Contains(s, want) {
			t.Errorf("wire shape missing %s: %s", want, s)
		}
	}

	// Timestamp is ISO-8601.
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, err := time.Parse(time.RFC3339Nano, decoded["timestamp"].(string)); err != nil {
		t.Errorf("timestamp not ISO-8601: %v", decoded["timestamp"])
	}
}

func TestStreamSubscriberReceivesInOrder(t *testing.T) {
	ctx := context.Background()
	stream := NewStreamObserver(zerolog.Nop())
	bus := NewBus()
	bus.AttachSink(stream)

	events, cancel := stream.Subscribe("e1")
	defer cancel()

	bus.ExecutionStart(ctx, "e1", "")
	bus.NodeStart(ctx, "e1", "n1")
	bus.NodeComplete(ctx, "e1", "n1", nil)
	bus.ExecutionComplete(ctx, "e1")

	want := []Type{ExecutionStart, NodeStart, NodeComplete, ExecutionComplete}
	var got []Type
	for ev := range events {
		got = append(got, ev.Type)
	}
	// The channel closed after the terminal event.
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestStreamIsolatesExecutions(t *testing.T) {
	stream := NewStreamObserver(zerolog.Nop())

	events, cancel := stream.Subscribe("e1")
	defer cancel()

	stream.Deliver(NewEvent(NodeStart, "other", "n1", nil))
	stream.Deliver(NewEvent(ExecutionComplete, "e1", "", nil))

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].ExecutionID != "e1" {
		t.Errorf("subscriber saw foreign events: %+v", got)
	}
}

func TestStreamDropsOldestProgressWhenBehind(t *testing.T) {
	stream := NewStreamObserver(zerolog.Nop())
	stream.progressBuffer = 3

	events, cancel := stream.Subscribe("e1")
	defer cancel()

	// The subscriber is not reading yet: only the newest progress
	// events survive the bound, control events are never dropped.
	stream.Deliver(NewEvent(NodeStart, "e1", "n1", nil))
	for i := 0; i < 10; i++ {
		stream.Deliver(NewEvent(NodeProgress, "e1", "n1", map[string]any{"i": i}))
	}
	stream.Deliver(NewEvent(ExecutionComplete, "e1", "", nil))

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}

	var progress []int
	sawStart, sawComplete := false, false
	for _, ev := range got {
		switch ev.Type {
		case NodeStart:
			sawStart = true
		case ExecutionComplete:
			sawComplete = true
		case NodeProgress:
			progress = append(progress, ev.Data["i"].(int))
		}
	}
	if !sawStart || !sawComplete {
		t.Error("control events must never be dropped")
	}
	if len(progress) > 3 {
		t.Errorf("progress queue exceeded bound: %v", progress)
	}
	// Oldest dropped first: the survivors are the most recent ones.
	if len(progress) > 0 && progress[len(progress)-1] != 9 {
		t.Errorf("newest progress event missing: %v", progress)
	}
}

func TestPromptResolve(t *testing.T) {
	bus := NewBus()
	sink := &recordingSink{}
	bus.AttachSink(sink)
	broker := NewPromptBroker(bus)

	done := make(chan string, 1)
	go func() {
		resp, err := broker.RequestInput(context.Background(), "e1", "n1", "name?", nil, time.Minute)
		if err != nil {
			t.Errorf("RequestInput: %v", err)
		}
		done <- resp
	}()

	// Wait for the prompt to register, then resolve it.
	deadline := time.Now().Add(2 * time.Second)
	for !broker.Pending("e1", "n1") {
		if time.Now().After(deadline) {
			t.Fatal("prompt never registered")
		}
		time.Sleep(time.Millisecond)
	}
	if err := broker.Resolve("e1", "n1", "Ada"); err != nil {
		t.Fatal(err)
	}
	if got := <-done; got != "Ada" {
		t.Errorf("response = %q", got)
	}
	if broker.Pending("e1", "n1") {
		t.Error("prompt still pending after resolve")
	}
}

// Scenario S6 core: an unanswered prompt times out, emits the timeout
// event, and resolves with the empty string.
func TestPromptTimeout(t *testing.T) {
	bus := NewBus()
	sink := &recordingSink{}
	bus.AttachSink(sink)
	broker := NewPromptBroker(bus)

	resp, err := broker.RequestInput(context.Background(), "e1", "n1", "name?", nil, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if resp != "" {
		t.Errorf("response = %q, want empty", resp)
	}

	types := sink.types()
	if len(types) != 2 || types[0] != InteractivePrompt || types[1] != PromptTimeout {
		t.Errorf("events = %v, want [interactive_prompt interactive_prompt_timeout]", types)
	}
}

func TestPromptDuplicateRejected(t *testing.T) {
	broker := NewPromptBroker(NewBus())

	release := make(chan struct{})
	go func() {
		_, _ = broker.RequestInput(context.Background(), "e1", "n1", "?", nil, time.Minute)
		close(release)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !broker.Pending("e1", "n1") {
		if time.Now().After(deadline) {
			t.Fatal("prompt never registered")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := broker.RequestInput(context.Background(), "e1", "n1", "?", nil, time.Minute); err == nil {
		t.Error("second prompt for the same (execution, node) must fail")
	}
	_ = broker.Resolve("e1", "n1", "")
	<-release
}

func TestPromptResolveWithoutPending(t *testing.T) {
	broker := NewPromptBroker(NewBus())
	if err := broker.Resolve("e1", "n1", "x"); err == nil {
		t.Error("resolving a non-pending prompt must fail")
	}
}

func TestNullObserverSatisfiesInterface(t *testing.T) {
	var _ Observer = NullObserver{}
}
