package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"direct", New(KindTransient, "rate limited"), KindTransient},
		{"wrapped", fmt.Errorf("outer: %w", New(KindTimeout, "slow")), KindTimeout},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindCancelled},
		{"plain", errors.New("boom"), KindHandlerFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(New(KindTransient, "503")) {
		t.Error("transient errors must be retryable")
	}
	for _, kind := range []Kind{KindValidation, KindNotFound, KindPermissionDenied,
		KindTimeout, KindCancelled, KindHandlerFailure, KindDeadlock} {
		if IsRetryable(New(kind, "x")) {
			t.Errorf("%s must not be retryable", kind)
		}
	}
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Kind: KindTimeout, Message: "too slow", NodeID: "n1"}
	if got := err.Error(); got != "Timeout: node n1: too slow" {
		t.Errorf("Error() = %q", got)
	}
	err.NodeID = ""
	if got := err.Error(); got != "Timeout: too slow" {
		t.Errorf("Error() = %q", got)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := Wrap(KindTransient, cause, "io failed")
	if !errors.Is(err, cause) {
		t.Error("wrapped cause must be reachable via errors.Is")
	}
}
