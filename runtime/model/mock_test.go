package model

import (
	"context"
	"errors"
	"testing"

	"github.com/dipeo/dipeo-go/runtime/envelope"
)

func TestMockClientScriptedResponses(t *testing.T) {
	ctx := context.Background()
	m := NewMockClient(
		Response{Text: "one"},
		Response{Text: "two"},
	)

	for _, want := range []string{"one", "two", "two"} {
		resp, err := m.Complete(ctx, Request{})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Text != want {
			t.Errorf("Text = %q, want %q", resp.Text, want)
		}
	}
	if m.CallCount() != 3 {
		t.Errorf("CallCount = %d", m.CallCount())
	}
}

func TestMockClientFailWith(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	m := NewMockClient(Response{Text: "ok"}).FailWith(boom, 0)

	if _, err := m.Complete(ctx, Request{}); !errors.Is(err, boom) {
		t.Errorf("first call err = %v", err)
	}
	resp, err := m.Complete(ctx, Request{})
	if err != nil || resp.Text != "ok" {
		t.Errorf("second call = %+v, %v", resp, err)
	}
}

func TestMockTextUsage(t *testing.T) {
	m := MockText("hi", 3, 2)
	resp, err := m.Complete(context.Background(), Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Usage != (envelope.Usage{Input: 3, Output: 2, Total: 5}) {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if calls := m.Calls(); len(calls) != 1 || calls[0].Model != "gpt-4o" {
		t.Errorf("calls = %+v", m.Calls())
	}
}
