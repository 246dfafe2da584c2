package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"sibyl/internal/blob"
	"sibyl/internal/config"
	"sibyl/internal/fault"
	"sibyl/internal/gateway"
	"sibyl/internal/runtime"
	"sibyl/internal/store"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// expirable.NewLRU's janitor goroutine has no stop API; it exits only via
	// a GC finalizer, so goleak must not count it as a leak.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/hashicorp/golang-lru/v2/expirable.NewLRU[...].func1"))
}

func TestCodeForErr(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fault.New(fault.KindConfiguration, "op", "bad config"), exitConfig},
		{fault.New(fault.KindBudgetExhausted, "op", "over budget"), exitBudget},
		{fault.New(fault.KindCancelled, "op", "interrupted"), exitCancelled},
		{fault.New(fault.KindProviderTerminal, "op", "rejected"), exitRuntime},
		{errors.New("plain"), exitRuntime},
	}
	for _, tc := range cases {
		if got := codeForErr(tc.err); got != tc.want {
			t.Errorf("codeForErr(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestEchoProvider(t *testing.T) {
	p, err := newEchoProvider("local", config.ProviderConfig{Model: "m1", Version: "v1"})
	if err != nil {
		t.Fatalf("newEchoProvider failed: %v", err)
	}
	res, err := p.Complete(context.Background(), gateway.CompletionRequest{Prompt: "say this back"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if res.Text != "say this back" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.TokensIn < 1 || res.TokensOut < 1 {
		t.Errorf("token counts must be positive: in=%d out=%d", res.TokensIn, res.TokensOut)
	}
	if got := p.Fingerprint().String(); got != "local/m1@v1" {
		t.Errorf("fingerprint = %q", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Complete(ctx, gateway.CompletionRequest{Prompt: "x"}); err == nil {
		t.Error("cancelled context must fail the call")
	}
}

func workspaceConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	cfg.DataDir = dir
	cfg.BlobDir = filepath.Join(dir, "blobs")
	cfg.Logging.Dir = ""
	cfg.Server.ListenAddr = ""
	cfg.Providers = map[string]config.ProviderConfig{
		"local": {Kind: "llm", Driver: "echo", Model: "m1", Version: "v1"},
	}
	cfg.PrimaryProvider = "local"
	return cfg
}

func TestRegisterProvidersUnknownDriver(t *testing.T) {
	cfg := workspaceConfig(t)
	cfg.Providers["local"] = config.ProviderConfig{Kind: "llm", Driver: "acme", Model: "m1"}

	rt, err := runtime.New(cfg)
	if err != nil {
		t.Fatalf("runtime.New failed: %v", err)
	}
	defer rt.Close()

	err = registerProviders(rt)
	if err == nil || !strings.Contains(err.Error(), `driver "acme"`) {
		t.Errorf("want unknown-driver error, got %v", err)
	}
}

func TestWorkspacePipelineWithBuiltinTechniques(t *testing.T) {
	cfg := workspaceConfig(t)
	cfg.Pipelines = map[string]config.PipelineConfig{
		"brief": {Steps: []config.StepConfig{
			{Phase: "gather", Technique: "prompt", Params: map[string]string{"prompt": "collect facts"}},
			{Phase: "outline", Technique: "prompt",
				Params: map[string]string{"prompt": "outline the brief"}, Inputs: []string{"gather"}},
			{Phase: "final", Technique: "concat",
				Params: map[string]string{"separator": "\n---\n"}, Inputs: []string{"gather", "outline"}},
		}},
	}

	rt, err := runtime.New(cfg)
	if err != nil {
		t.Fatalf("runtime.New failed: %v", err)
	}
	defer rt.Close()
	if err := registerProviders(rt); err != nil {
		t.Fatalf("registerProviders failed: %v", err)
	}
	registerTechniques(rt.Registry)

	p, err := rt.PipelineByName("brief")
	if err != nil {
		t.Fatalf("PipelineByName failed: %v", err)
	}
	out := rt.Executor.Run(context.Background(), p, rt.RunOptionsFromConfig())
	if out.Err != nil {
		t.Fatalf("run failed: %v", out.Err)
	}
	if out.Status != store.ConversationCompleted {
		t.Fatalf("status = %s, want completed", out.Status)
	}

	gather := readBlob(t, rt.Blobs, out.StepOutputs["gather"])
	if gather != "collect facts" {
		t.Errorf("gather output = %q", gather)
	}
	outline := readBlob(t, rt.Blobs, out.StepOutputs["outline"])
	if !strings.HasPrefix(outline, "outline the brief") || !strings.Contains(outline, "## gather\ncollect facts") {
		t.Errorf("outline output = %q", outline)
	}
	final := readBlob(t, rt.Blobs, out.StepOutputs["final"])
	if final != gather+"\n---\n"+outline {
		t.Errorf("final output = %q", final)
	}
}

func readBlob(t *testing.T, blobs *blob.Store, ref string) string {
	t.Helper()
	payload, err := blobs.Get(ref)
	if err != nil {
		t.Fatalf("blob %s: %v", ref, err)
	}
	return string(payload)
}
