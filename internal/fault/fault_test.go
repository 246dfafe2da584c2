package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindRetryable(t *testing.T) {
	retryable := []Kind{KindProviderRetryable, KindTimeout}
	terminal := []Kind{
		KindConfiguration, KindBudgetExhausted, KindProviderTerminal,
		KindSessionRotated, KindRotationFailed, KindIntegrityViolation,
		KindCancelled, KindInternal,
	}

	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("expected %s to be retryable", k)
		}
	}
	for _, k := range terminal {
		if k.Retryable() {
			t.Errorf("expected %s to be terminal", k)
		}
	}
}

func TestKindOf(t *testing.T) {
	err := New(KindBudgetExhausted, "budget.reserve", "would exceed budget of %d", 500)
	if got := KindOf(err); got != KindBudgetExhausted {
		t.Errorf("KindOf = %s, want %s", got, KindBudgetExhausted)
	}

	// Wrapped once more with fmt, the kind must survive the chain.
	wrapped := fmt.Errorf("step qa: %w", err)
	if got := KindOf(wrapped); got != KindBudgetExhausted {
		t.Errorf("KindOf(wrapped) = %s, want %s", got, KindBudgetExhausted)
	}

	if got := KindOf(context.Canceled); got != KindCancelled {
		t.Errorf("KindOf(context.Canceled) = %s, want %s", got, KindCancelled)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTimeout {
		t.Errorf("KindOf(context.DeadlineExceeded) = %s, want %s", got, KindTimeout)
	}
	if got := KindOf(errors.New("mystery")); got != KindInternal {
		t.Errorf("KindOf(unclassified) = %s, want %s", got, KindInternal)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindInternal, "op", nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

type statusErr struct{ code int }

func (e *statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) StatusCode() int { return e.code }

func TestClassifyProviderStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{429, KindProviderRetryable},
		{500, KindProviderRetryable},
		{503, KindProviderRetryable},
		{408, KindTimeout},
		{401, KindProviderTerminal},
		{403, KindProviderTerminal},
		{400, KindProviderTerminal},
	}
	for _, tc := range cases {
		got := ClassifyProvider("gateway.complete", &statusErr{tc.status})
		if got.Kind != tc.want {
			t.Errorf("status %d classified as %s, want %s", tc.status, got.Kind, tc.want)
		}
	}
}

func TestClassifyProviderText(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"rate limit exceeded, slow down", KindProviderRetryable},
		{"invalid api key", KindProviderTerminal},
		{"request blocked by content policy", KindProviderTerminal},
		{"client timeout waiting for headers", KindTimeout},
		{"something odd happened", KindProviderRetryable},
	}
	for _, tc := range cases {
		got := ClassifyProvider("gateway.complete", errors.New(tc.msg))
		if got.Kind != tc.want {
			t.Errorf("%q classified as %s, want %s", tc.msg, got.Kind, tc.want)
		}
	}
}

func TestClassifyPreservesExistingKind(t *testing.T) {
	orig := New(KindBudgetExhausted, "budget.reserve", "no tokens left")
	got := ClassifyProvider("gateway.complete", fmt.Errorf("wrapped: %w", orig))
	if got.Kind != KindBudgetExhausted {
		t.Errorf("classification overwrote existing kind: got %s", got.Kind)
	}
}

func TestErrorsIsByKind(t *testing.T) {
	a := New(KindTimeout, "a", "first")
	b := New(KindTimeout, "b", "second")
	if !errors.Is(a, b) {
		t.Error("errors with equal kinds should match via errors.Is")
	}
	c := New(KindCancelled, "c", "other")
	if errors.Is(a, c) {
		t.Error("errors with different kinds should not match")
	}
}
