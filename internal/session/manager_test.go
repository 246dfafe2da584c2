package session

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sibyl/internal/blob"
	"sibyl/internal/fault"
	"sibyl/internal/gateway"
	"sibyl/internal/store"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type summaryLLM struct {
	failures int32 // number of calls to fail before succeeding
	calls    int32
}

func (f *summaryLLM) Complete(ctx context.Context, req gateway.CompletionRequest) (gateway.CompletionResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return gateway.CompletionResult{}, errors.New("temporarily unavailable")
	}
	return gateway.CompletionResult{Text: "condensed summary", TokensIn: 200, TokensOut: 40, FinishReason: "stop"}, nil
}

func (f *summaryLLM) Fingerprint() gateway.ProviderFingerprint {
	return gateway.ProviderFingerprint{Provider: "acme", Model: "summarizer", Version: "v1"}
}

type testEnv struct {
	store *store.Store
	blobs *blob.Store
	llm   *summaryLLM
	mgr   *Manager
	conv  *store.Conversation
	sess  *store.Session
}

func newTestEnv(t *testing.T, sessionBudget int64) *testEnv {
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

	conv, sess, err := st.CreateConversation(store.NewConversationParams{
		WorkflowType:        "qa",
		TokenBudget:         sessionBudget * 10,
		SessionTokensBudget: sessionBudget,
		ConfigVersion:       "v1",
		ConfigJSON:          "{}",
		ModelName:           "m1",
		AgentType:           "worker",
	})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	llm := &summaryLLM{}
	gw := gateway.New()
	gw.RegisterLLM("summarizer", llm)

	mgr := NewManager(st, blobs, gw, Options{
		RotationTimeout:     5 * time.Second,
		MaxRotationAttempts: 3,
		SummaryProvider:     "summarizer",
	})
	env := &testEnv{store: st, blobs: blobs, llm: llm, mgr: mgr, conv: conv, sess: sess}
	t.Cleanup(mgr.WaitBackground)
	return env
}

func TestBeginCallCapturesGeneration(t *testing.T) {
	env := newTestEnv(t, 100000)

	token, err := env.mgr.BeginCall(context.Background(), env.conv.ID)
	if err != nil {
		t.Fatalf("BeginCall failed: %v", err)
	}
	if token.SessionID != env.sess.ID {
		t.Errorf("session = %s, want %s", token.SessionID, env.sess.ID)
	}
	if token.Generation != 1 {
		t.Errorf("generation = %d, want 1", token.Generation)
	}
}

func TestUsageBelowThresholdsNoTrigger(t *testing.T) {
	env := newTestEnv(t, 100000)

	token, _ := env.mgr.BeginCall(context.Background(), env.conv.ID)
	rec, err := env.mgr.RecordUsage(token, "call-1", 20000, 5000)
	if err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	if rec.UtilizationPct != 25 {
		t.Errorf("utilization = %.1f, want 25", rec.UtilizationPct)
	}
	env.mgr.WaitBackground()

	sess, _ := env.store.GetSession(env.sess.ID)
	if sess.Status != store.SessionActive {
		t.Errorf("status = %s, want active", sess.Status)
	}
}

func TestSummarizeTriggerAtSixtyPercent(t *testing.T) {
	env := newTestEnv(t, 100000)
	env.mgr.AppendTurn(env.sess.ID, "user", "analyze the corpus")
	env.mgr.AppendTurn(env.sess.ID, "assistant", "analysis in progress")

	token, _ := env.mgr.BeginCall(context.Background(), env.conv.ID)
	if _, err := env.mgr.RecordUsage(token, "call-1", 50000, 12000); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	env.mgr.WaitBackground()

	sess, _ := env.store.GetSession(env.sess.ID)
	if sess.Status != store.SessionSummarizing {
		t.Fatalf("status = %s, want summarizing", sess.Status)
	}
	if sess.ContextSummaryRef == "" {
		t.Fatal("summary ref not recorded")
	}
	payload, err := env.blobs.Get(sess.ContextSummaryRef)
	if err != nil {
		t.Fatalf("summary blob missing: %v", err)
	}
	if string(payload) != "condensed summary" {
		t.Errorf("summary payload = %q", payload)
	}
}

func TestSummarizeTriggerIsEdgeTriggered(t *testing.T) {
	env := newTestEnv(t, 100000)
	env.mgr.AppendTurn(env.sess.ID, "user", "work")

	token, _ := env.mgr.BeginCall(context.Background(), env.conv.ID)
	env.mgr.RecordUsage(token, "call-1", 60000, 2000)
	env.mgr.WaitBackground()
	env.mgr.RecordUsage(token, "call-2", 1000, 500)
	env.mgr.WaitBackground()

	if calls := atomic.LoadInt32(&env.llm.calls); calls != 1 {
		t.Errorf("summarizer invoked %d times, want 1", calls)
	}
}

func TestRotationAtSeventyPercent(t *testing.T) {
	env := newTestEnv(t, 100000)
	env.mgr.AppendTurn(env.sess.ID, "user", "long running task")
	env.mgr.AppendTurn(env.sess.ID, "assistant", "partial results accumulated")

	token, _ := env.mgr.BeginCall(context.Background(), env.conv.ID)
	if _, err := env.mgr.RecordUsage(token, "call-1", 60000, 12000); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	env.mgr.WaitBackground()

	// Old session completed with its generation bumped.
	old, _ := env.store.GetSession(env.sess.ID)
	if old.Status != store.SessionCompleted {
		t.Errorf("old session status = %s, want completed", old.Status)
	}
	if old.ActiveGeneration != 2 {
		t.Errorf("old generation = %d, want 2", old.ActiveGeneration)
	}

	// Successor active and repointed.
	active, err := env.store.ActiveSession(env.conv.ID)
	if err != nil {
		t.Fatalf("no active session after rotation: %v", err)
	}
	if active.SessionNumber != 2 {
		t.Errorf("successor number = %d, want 2", active.SessionNumber)
	}
	if active.ParentSessionID != env.sess.ID {
		t.Error("successor parent mismatch")
	}
	if active.ContextSummaryRef == "" {
		t.Error("successor missing summary ref")
	}

	conv, _ := env.store.GetConversation(env.conv.ID)
	if conv.ActiveSessionID != active.ID {
		t.Error("conversation not repointed to successor")
	}

	// Rotation event recorded.
	rots, _ := env.store.ListRotations(env.conv.ID)
	if len(rots) != 1 {
		t.Fatalf("rotation events = %d, want 1", len(rots))
	}
	rot := rots[0]
	if rot.Trigger != store.TriggerTokenThreshold {
		t.Errorf("trigger = %s", rot.Trigger)
	}
	if rot.Strategy != store.StrategyLLMCompress {
		t.Errorf("strategy = %s", rot.Strategy)
	}
	if rot.FallbackUsed {
		t.Error("fallback flagged on a successful llm_compress")
	}
	if rot.TokensBeforeRotation != 72000 {
		t.Errorf("tokens before = %d, want 72000", rot.TokensBeforeRotation)
	}

	// New calls land on the successor.
	next, err := env.mgr.BeginCall(context.Background(), env.conv.ID)
	if err != nil {
		t.Fatalf("BeginCall after rotation failed: %v", err)
	}
	if next.SessionID != active.ID || next.Generation != 1 {
		t.Errorf("next token = %+v", next)
	}
}

func TestRotationRecordsCompressionRatio(t *testing.T) {
	env := newTestEnv(t, 100000)
	long := strings.Repeat("accumulated findings from the long-running analysis. ", 20)
	env.mgr.AppendTurn(env.sess.ID, "user", long)
	env.mgr.AppendTurn(env.sess.ID, "assistant", long)

	if _, err := env.mgr.ForceRotate(env.conv.ID, store.TriggerManual); err != nil {
		t.Fatalf("ForceRotate failed: %v", err)
	}

	rots, _ := env.store.ListRotations(env.conv.ID)
	if len(rots) != 1 {
		t.Fatalf("rotation events = %d, want 1", len(rots))
	}
	// A transcript many times larger than its summary compresses well, so
	// the recorded ratio is original over summary and lands well above 1.
	got := rots[0].CompressionRatio
	want := float64(2*len(long)) / float64(len("condensed summary"))
	if got < 5 {
		t.Errorf("compression ratio = %.3f, want >= 5", got)
	}
	if math.Abs(got-want) > 0.01 {
		t.Errorf("compression ratio = %.3f, want %.3f", got, want)
	}
}

func TestStaleGenerationDetectedAtCompletion(t *testing.T) {
	env := newTestEnv(t, 100000)
	env.mgr.AppendTurn(env.sess.ID, "user", "work")

	token, _ := env.mgr.BeginCall(context.Background(), env.conv.ID)

	if _, err := env.mgr.ForceRotate(env.conv.ID, store.TriggerManual); err != nil {
		t.Fatalf("ForceRotate failed: %v", err)
	}

	// The in-flight call completes against the rotated session.
	rec, err := env.mgr.RecordUsage(token, "late-call", 1000, 200)
	if fault.KindOf(err) != fault.KindSessionRotated {
		t.Fatalf("kind = %s, want session_rotated_during_call", fault.KindOf(err))
	}
	if rec == nil {
		t.Fatal("usage must still be recorded for a stale call")
	}
	if rec.ActiveGeneration != 1 || rec.GenerationAtCompletion != 2 {
		t.Errorf("generations = %d/%d, want 1/2", rec.ActiveGeneration, rec.GenerationAtCompletion)
	}
}

func TestRotationFallsBackToDeltaCompress(t *testing.T) {
	env := newTestEnv(t, 100000)
	atomic.StoreInt32(&env.llm.failures, 10) // fail every summarizer call
	env.mgr.AppendTurn(env.sess.ID, "user", "the task at hand")
	env.mgr.AppendTurn(env.sess.ID, "tool", "noisy tool output to drop")
	env.mgr.AppendTurn(env.sess.ID, "assistant", "the answer so far")

	if _, err := env.mgr.ForceRotate(env.conv.ID, store.TriggerManual); err != nil {
		t.Fatalf("ForceRotate failed: %v", err)
	}

	rots, _ := env.store.ListRotations(env.conv.ID)
	if len(rots) != 1 {
		t.Fatalf("rotation events = %d, want 1", len(rots))
	}
	if rots[0].Strategy != store.StrategyDeltaCompress {
		t.Errorf("strategy = %s, want delta_compress", rots[0].Strategy)
	}
	if !rots[0].FallbackUsed {
		t.Error("fallback_used not set")
	}
	if calls := atomic.LoadInt32(&env.llm.calls); calls != 3 {
		t.Errorf("summarizer attempts = %d, want 3", calls)
	}

	active, _ := env.store.ActiveSession(env.conv.ID)
	payload, err := env.blobs.Get(active.ContextSummaryRef)
	if err != nil {
		t.Fatalf("summary blob missing: %v", err)
	}
	want := "user: the task at hand\nassistant: the answer so far"
	if string(payload) != want {
		t.Errorf("delta summary = %q, want %q", payload, want)
	}
}

func TestPreservedStateCarriesAcrossRotation(t *testing.T) {
	env := newTestEnv(t, 100000)
	state := map[string]string{"cursor": "item-42", "mode": "strict"}
	if err := env.store.UpdatePreservedState(env.sess.ID, state); err != nil {
		t.Fatalf("UpdatePreservedState failed: %v", err)
	}
	env.mgr.AppendTurn(env.sess.ID, "user", "carry my state")

	if _, err := env.mgr.ForceRotate(env.conv.ID, store.TriggerManual); err != nil {
		t.Fatalf("ForceRotate failed: %v", err)
	}

	active, _ := env.store.ActiveSession(env.conv.ID)
	if active.PreservedState["cursor"] != "item-42" || active.PreservedState["mode"] != "strict" {
		t.Errorf("preserved state = %v", active.PreservedState)
	}
}

func TestDeltaCompressFiltersRoles(t *testing.T) {
	turns := []Turn{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "question"},
		{Role: "tool", Content: "raw dump"},
		{Role: "assistant", Content: "answer"},
		{Role: "summary", Content: "old summary"},
	}
	got := deltaCompress(turns)
	want := "user: question\nassistant: answer"
	if got != want {
		t.Errorf("deltaCompress = %q, want %q", got, want)
	}
}

func TestBeginCallCancellable(t *testing.T) {
	env := newTestEnv(t, 100000)

	// Claim a rotation so no session is active, then expect BeginCall to
	// give up with the context.
	claimed, err := env.store.BeginRotation(env.sess.ID, 1)
	if err != nil || !claimed {
		t.Fatalf("BeginRotation failed: claimed=%v err=%v", claimed, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = env.mgr.BeginCall(ctx, env.conv.ID)
	if fault.KindOf(err) != fault.KindCancelled {
		t.Errorf("kind = %s, want cancelled", fault.KindOf(err))
	}
}
