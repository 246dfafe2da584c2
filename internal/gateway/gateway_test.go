package gateway

import (
	"context"
	"errors"
	"testing"

	"sibyl/internal/fault"
)

type fakeLLM struct {
	fp     ProviderFingerprint
	result CompletionResult
	err    error
	panics bool
}

func (f *fakeLLM) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	if f.panics {
		panic("provider exploded")
	}
	return f.result, f.err
}

func (f *fakeLLM) Fingerprint() ProviderFingerprint { return f.fp }

func TestCompleteStampsFingerprintAndLatency(t *testing.T) {
	g := New()
	fp := ProviderFingerprint{Provider: "acme", Model: "m1", Version: "2026-01"}
	g.RegisterLLM("primary", &fakeLLM{
		fp:     fp,
		result: CompletionResult{Text: "ok", TokensIn: 10, TokensOut: 5, FinishReason: "stop"},
	})

	res, err := g.Complete(context.Background(), "primary", CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if res.Fingerprint != fp {
		t.Errorf("fingerprint = %v, want %v", res.Fingerprint, fp)
	}
	if res.LatencyMillis < 0 {
		t.Errorf("latency = %d", res.LatencyMillis)
	}
	if fp.String() != "acme/m1@2026-01" {
		t.Errorf("fingerprint string = %s", fp.String())
	}
}

func TestCompleteClassifiesProviderError(t *testing.T) {
	g := New()
	g.RegisterLLM("primary", &fakeLLM{err: errors.New("rate limit exceeded")})

	_, err := g.Complete(context.Background(), "primary", CompletionRequest{})
	if fault.KindOf(err) != fault.KindProviderRetryable {
		t.Errorf("kind = %s, want provider_retryable", fault.KindOf(err))
	}
}

func TestCompleteRecoversPanic(t *testing.T) {
	g := New()
	g.RegisterLLM("primary", &fakeLLM{panics: true})

	_, err := g.Complete(context.Background(), "primary", CompletionRequest{})
	if err == nil {
		t.Fatal("expected error from panicking provider")
	}
	if fault.KindOf(err) != fault.KindInternal {
		t.Errorf("kind = %s, want internal", fault.KindOf(err))
	}
}

func TestUnknownProviderIsConfigurationError(t *testing.T) {
	g := New()
	_, err := g.Complete(context.Background(), "ghost", CompletionRequest{})
	if fault.KindOf(err) != fault.KindConfiguration {
		t.Errorf("kind = %s, want configuration_error", fault.KindOf(err))
	}
}

func TestPrimarySelection(t *testing.T) {
	g := New()
	if g.Ready() {
		t.Error("empty gateway should not be ready")
	}

	g.RegisterLLM("first", &fakeLLM{})
	g.RegisterLLM("second", &fakeLLM{})
	p, err := g.PrimaryLLM()
	if err != nil {
		t.Fatalf("PrimaryLLM failed: %v", err)
	}
	if p == nil {
		t.Fatal("nil primary")
	}
	if !g.Ready() {
		t.Error("gateway with a primary should be ready")
	}

	g.SetPrimary("second")
	if _, err := g.PrimaryLLM(); err != nil {
		t.Errorf("primary override failed: %v", err)
	}
}
