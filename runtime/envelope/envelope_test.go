package envelope

import (
	"strings"
	"testing"
	"time"
)

func TestUsageAdd(t *testing.T) {
	var u Usage
	u.Add(Usage{Input: 3, Output: 2})
	u.Add(Usage{Input: 1, Output: 4, Cached: 5})

	if u.Input != 4 || u.Output != 6 || u.Cached != 5 {
		t.Errorf("unexpected usage: %+v", u)
	}
	// Total always equals input + output after any add.
	if u.Total != u.Input+u.Output {
		t.Errorf("Total = %d, want %d", u.Total, u.Input+u.Output)
	}
}

func TestEnvelopeImmutability(t *testing.T) {
	orig := Text("n1", "hello")
	stamped := orig.WithMeta(Meta{ExecutionTime: time.Second, RetryCount: 2})

	if orig.Meta.RetryCount != 0 || orig.Meta.ExecutionTime != 0 {
		t.Error("WithMeta mutated the original envelope")
	}
	if stamped.ID != orig.ID || stamped.Body != orig.Body {
		t.Error("WithMeta must preserve identity and body")
	}
	if stamped.Meta.RetryCount != 2 {
		t.Error("WithMeta lost the new metadata")
	}
}

func TestBodyString(t *testing.T) {
	if got := Text("n", "abc").BodyString(); got != "abc" {
		t.Errorf("BodyString = %q", got)
	}
	if got := Empty("n").BodyString(); got != "" {
		t.Errorf("BodyString = %q, want empty", got)
	}
	obj := Object("n", map[string]any{"k": 1})
	if got := obj.BodyString(); !strings.Contains(got, `"k":1`) {
		t.Errorf("BodyString = %q", got)
	}
}

func TestRefRoundTrip(t *testing.T) {
	env := Text("n", strings.Repeat("x", 100))
	if env.InlineSize() != 100 {
		t.Errorf("InlineSize = %d", env.InlineSize())
	}
	if _, ok := env.AsRef(); ok {
		t.Error("plain envelope must not read as a ref")
	}

	reffed := env.WithRef("msg-42")
	ref, ok := reffed.AsRef()
	if !ok || ref.Ref != "msg-42" {
		t.Errorf("AsRef = %+v, %v", ref, ok)
	}
	if env.BodyString() == reffed.BodyString() {
		t.Error("WithRef must replace the body")
	}
}
