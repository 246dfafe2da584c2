package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"sibyl/internal/blob"
	"sibyl/internal/budget"
	"sibyl/internal/fault"
	"sibyl/internal/gateway"
	"sibyl/internal/scheduler"
	"sibyl/internal/session"
	"sibyl/internal/store"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type echoLLM struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *echoLLM) Complete(ctx context.Context, req gateway.CompletionRequest) (gateway.CompletionResult, error) {
	f.mu.Lock()
	f.calls++
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return gateway.CompletionResult{}, errors.New("invalid request")
	}
	return gateway.CompletionResult{
		Text:         "echo: " + req.Prompt,
		TokensIn:     50,
		TokensOut:    20,
		CostUSDMicro: 10,
		FinishReason: "stop",
	}, nil
}

func (f *echoLLM) Fingerprint() gateway.ProviderFingerprint {
	return gateway.ProviderFingerprint{Provider: "acme", Model: "m1", Version: "v1"}
}

type fakeTechnique struct {
	name string
	run  func(ctx context.Context, sc *StepContext, inputs, params map[string]string) (string, error)
}

func (t *fakeTechnique) Name() string { return t.name }

func (t *fakeTechnique) Execute(ctx context.Context, sc *StepContext, inputs, params map[string]string) (string, error) {
	return t.run(ctx, sc, inputs, params)
}

// llmStep is the standard technique: one model call, output stored as a blob.
func llmStep() *fakeTechnique {
	return &fakeTechnique{name: "llm_step", run: func(ctx context.Context, sc *StepContext, inputs, params map[string]string) (string, error) {
		prompt := params["prompt"]
		for phase, ref := range inputs {
			payload, err := sc.ReadBlob(ref)
			if err != nil {
				return "", err
			}
			prompt += fmt.Sprintf("\n[%s] %s", phase, payload)
		}
		res, err := sc.Call(ctx, prompt, CallParams{})
		if err != nil {
			return "", err
		}
		return sc.StoreBlob([]byte(res.Text), blob.KindContext)
	}}
}

type testEnv struct {
	store *store.Store
	blobs *blob.Store
	llm   *echoLLM
	reg   *Registry
	exec  *Executor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	blobs, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob.NewStore failed: %v", err)
	}

	llm := &echoLLM{}
	gw := gateway.New()
	gw.RegisterLLM("primary", llm)

	tracker := budget.NewTracker(st)
	sched := scheduler.New(st, blobs, gw, tracker, nil, scheduler.Options{MaxConcurrent: 4})
	t.Cleanup(sched.Wait)
	sessions := session.NewManager(st, blobs, gw, session.Options{SummaryProvider: "primary"})
	t.Cleanup(sessions.WaitBackground)

	reg := NewRegistry()
	reg.Register(llmStep())

	return &testEnv{
		store: st,
		blobs: blobs,
		llm:   llm,
		reg:   reg,
		exec:  NewExecutor(st, blobs, sched, sessions, tracker, reg),
	}
}

func defaultOpts() RunOptions {
	return RunOptions{
		TokenBudget:   100000,
		Provider:      "primary",
		ModelName:     "m1",
		AgentType:     "worker",
		ConfigVersion: "v1",
		ConfigJSON:    "{}",
	}
}

func twoStepPipeline() Pipeline {
	return Pipeline{
		Name: "analyze",
		Steps: []Step{
			{Phase: "gather", Technique: "llm_step", Params: map[string]string{"prompt": "gather facts"}},
			{Phase: "report", Technique: "llm_step", Params: map[string]string{"prompt": "write report"}, Inputs: []string{"gather"}},
		},
	}
}

func TestRunCompletesPipeline(t *testing.T) {
	env := newTestEnv(t)

	out := env.exec.Run(context.Background(), twoStepPipeline(), defaultOpts())
	if out.Err != nil {
		t.Fatalf("run failed: %v", out.Err)
	}
	if out.Status != store.ConversationCompleted {
		t.Fatalf("status = %s, want completed", out.Status)
	}
	if len(out.StepOutputs) != 2 {
		t.Fatalf("step outputs = %d, want 2", len(out.StepOutputs))
	}

	// Second step consumed the first step's output.
	payload, err := env.blobs.Get(out.StepOutputs["report"])
	if err != nil {
		t.Fatalf("report blob missing: %v", err)
	}
	if string(payload) != "echo: write report\n[gather] echo: gather facts" {
		t.Errorf("report = %q", payload)
	}

	// Both checkpoints completed, conversation terminal with spend recorded.
	checkpoints := make(map[string]string)
	refs := make(map[string]string)
	for _, phase := range []string{"gather", "report"} {
		cp, err := env.store.GetCheckpoint(out.ConversationID, phase)
		if err != nil || cp == nil {
			t.Fatalf("checkpoint %s missing: %v", phase, err)
		}
		checkpoints[phase] = cp.Status
		refs[phase] = cp.OutputRef
	}
	want := map[string]string{"gather": store.CheckpointCompleted, "report": store.CheckpointCompleted}
	if diff := cmp.Diff(want, checkpoints); diff != "" {
		t.Errorf("checkpoint statuses mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(refs, out.StepOutputs); diff != "" {
		t.Errorf("step outputs diverge from checkpoint refs (-want +got):\n%s", diff)
	}
	conv, _ := env.store.GetConversation(out.ConversationID)
	if conv.Status != store.ConversationCompleted {
		t.Errorf("conversation status = %s", conv.Status)
	}
	if conv.TokensSpent != 140 { // two calls at 70 actual tokens each
		t.Errorf("tokens spent = %d, want 140", conv.TokensSpent)
	}
	if conv.ContextHash == "" || conv.ContextHash != out.ContextHash {
		t.Errorf("context hash mismatch: conv=%q outcome=%q", conv.ContextHash, out.ContextHash)
	}
}

func TestBudgetExhaustionKeepsCompletedCheckpoints(t *testing.T) {
	env := newTestEnv(t)
	env.reg.Register(&fakeTechnique{name: "expensive", run: func(ctx context.Context, sc *StepContext, inputs, params map[string]string) (string, error) {
		res, err := sc.Call(ctx, "huge request", CallParams{MaxTokens: 1000000})
		if err != nil {
			return "", err
		}
		return sc.StoreBlob([]byte(res.Text), blob.KindContext)
	}})

	p := Pipeline{
		Name: "analyze",
		Steps: []Step{
			{Phase: "gather", Technique: "llm_step", Params: map[string]string{"prompt": "gather facts"}},
			{Phase: "burn", Technique: "expensive"},
		},
	}
	opts := defaultOpts()
	opts.TokenBudget = 5000

	out := env.exec.Run(context.Background(), p, opts)
	if out.Status != store.ConversationFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}
	if fault.KindOf(out.Err) != fault.KindBudgetExhausted {
		t.Fatalf("error kind = %s, want budget_exhausted", fault.KindOf(out.Err))
	}

	// The completed step's checkpoint survives for later resume.
	cp, err := env.store.GetCheckpoint(out.ConversationID, "gather")
	if err != nil || cp == nil {
		t.Fatalf("gather checkpoint missing: %v", err)
	}
	if cp.Status != store.CheckpointCompleted {
		t.Errorf("gather checkpoint = %s, want completed", cp.Status)
	}
	burn, err := env.store.GetCheckpoint(out.ConversationID, "burn")
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if burn != nil && burn.Status == store.CheckpointCompleted {
		t.Error("failed step must not have a completed checkpoint")
	}
}

func TestCancellationYieldsCancelled(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	env.reg.Register(&fakeTechnique{name: "canceller", run: func(ctx context.Context, sc *StepContext, inputs, params map[string]string) (string, error) {
		cancel() // external cancellation lands mid-step
		return sc.StoreBlob([]byte("done"), blob.KindContext)
	}})

	p := Pipeline{
		Name: "analyze",
		Steps: []Step{
			{Phase: "first", Technique: "canceller"},
			{Phase: "second", Technique: "llm_step", Params: map[string]string{"prompt": "never runs"}},
		},
	}

	out := env.exec.Run(ctx, p, defaultOpts())
	if out.Status != store.ConversationCancelled {
		t.Fatalf("status = %s, want cancelled", out.Status)
	}
	if fault.KindOf(out.Err) != fault.KindCancelled {
		t.Errorf("error kind = %s, want cancelled", fault.KindOf(out.Err))
	}
	if _, ran := out.StepOutputs["second"]; ran {
		t.Error("step after cancellation must not run")
	}
	env.llm.mu.Lock()
	defer env.llm.mu.Unlock()
	if env.llm.calls != 0 {
		t.Errorf("provider called %d times after cancellation", env.llm.calls)
	}
}

func TestTerminalProviderErrorFailsRun(t *testing.T) {
	env := newTestEnv(t)
	env.llm.fail = true

	out := env.exec.Run(context.Background(), twoStepPipeline(), defaultOpts())
	if out.Status != store.ConversationFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}
	if fault.KindOf(out.Err) != fault.KindProviderTerminal {
		t.Errorf("error kind = %s, want provider_terminal", fault.KindOf(out.Err))
	}
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	env := newTestEnv(t)

	// A prior run completed the first step and then the process died with
	// the conversation still running.
	conv, _, err := env.store.CreateConversation(store.NewConversationParams{
		WorkflowType:  "analyze",
		TokenBudget:   100000,
		ConfigVersion: "v1",
		ConfigJSON:    "{}",
		ModelName:     "m1",
		AgentType:     "worker",
	})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	priorRef, err := env.blobs.Put([]byte("prior gather output"), blob.KindContext)
	if err != nil {
		t.Fatalf("blob.Put failed: %v", err)
	}
	if err := env.store.BeginCheckpoint(conv.ID, "gather"); err != nil {
		t.Fatalf("BeginCheckpoint failed: %v", err)
	}
	if err := env.store.CompleteCheckpoint(conv.ID, "gather", "hash-1", priorRef); err != nil {
		t.Fatalf("CompleteCheckpoint failed: %v", err)
	}

	opts := defaultOpts()
	opts.ResumeConversationID = conv.ID
	out := env.exec.Run(context.Background(), twoStepPipeline(), opts)
	if out.Err != nil {
		t.Fatalf("resume failed: %v", out.Err)
	}
	if out.Status != store.ConversationCompleted {
		t.Fatalf("status = %s, want completed", out.Status)
	}

	// Only the second step ran, consuming the prior step's stored output.
	env.llm.mu.Lock()
	calls := env.llm.calls
	env.llm.mu.Unlock()
	if calls != 1 {
		t.Errorf("provider calls on resume = %d, want 1", calls)
	}
	payload, _ := env.blobs.Get(out.StepOutputs["report"])
	if string(payload) != "echo: write report\n[gather] prior gather output" {
		t.Errorf("report = %q", payload)
	}
	if out.StepOutputs["gather"] != priorRef {
		t.Error("resumed run must reuse the prior step output")
	}
}

func TestResumeTerminalConversationRejected(t *testing.T) {
	env := newTestEnv(t)
	conv, _, _ := env.store.CreateConversation(store.NewConversationParams{
		WorkflowType: "analyze", TokenBudget: 1000, ConfigVersion: "v1", ConfigJSON: "{}",
	})
	env.store.FinishConversation(conv.ID, store.ConversationCompleted)

	opts := defaultOpts()
	opts.ResumeConversationID = conv.ID
	out := env.exec.Run(context.Background(), twoStepPipeline(), opts)
	if fault.KindOf(out.Err) != fault.KindConfiguration {
		t.Errorf("error kind = %s, want configuration_error", fault.KindOf(out.Err))
	}
}

func TestValidateRejectsBadPipelines(t *testing.T) {
	reg := NewRegistry()
	reg.Register(llmStep())

	cases := []struct {
		name string
		p    Pipeline
	}{
		{"no steps", Pipeline{Name: "empty"}},
		{"unknown technique", Pipeline{Name: "x", Steps: []Step{{Phase: "a", Technique: "ghost"}}}},
		{"duplicate phase", Pipeline{Name: "x", Steps: []Step{
			{Phase: "a", Technique: "llm_step"}, {Phase: "a", Technique: "llm_step"}}}},
		{"forward input", Pipeline{Name: "x", Steps: []Step{
			{Phase: "a", Technique: "llm_step", Inputs: []string{"b"}},
			{Phase: "b", Technique: "llm_step"}}}},
	}
	for _, tc := range cases {
		if err := reg.Validate(tc.p); fault.KindOf(err) != fault.KindConfiguration {
			t.Errorf("%s: kind = %s, want configuration_error", tc.name, fault.KindOf(err))
		}
	}
}
