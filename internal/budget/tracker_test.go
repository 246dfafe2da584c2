package budget

import (
	"errors"
	"testing"

	"sibyl/internal/fault"
	"sibyl/internal/store"
)

func newTestTracker(t *testing.T, tokenBudget int64) (*Tracker, *store.Conversation, *store.Session) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	conv, sess, err := st.CreateConversation(store.NewConversationParams{
		WorkflowType:  "qa",
		TokenBudget:   tokenBudget,
		ConfigVersion: "v1",
		ConfigJSON:    "{}",
	})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	return NewTracker(st), conv, sess
}

func TestReserveCommitInvariant(t *testing.T) {
	tr, conv, sess := newTestTracker(t, 10000)

	r, err := tr.Reserve(conv.ID, sess.ID, "call-1", 800)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	snap, err := tr.SnapshotFor(conv.ID)
	if err != nil {
		t.Fatalf("SnapshotFor failed: %v", err)
	}
	// tokens_spent == sum(actuals of committed) + sum(reserved of pending)
	if snap.Spent != 800 || snap.Reserved != 800 {
		t.Errorf("after reserve: spent=%d reserved=%d, want 800/800", snap.Spent, snap.Reserved)
	}

	if err := tr.Commit(r, 650, DollarsToMicro(0.0032)); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	snap, _ = tr.SnapshotFor(conv.ID)
	if snap.Spent != 650 {
		t.Errorf("after commit: spent=%d, want 650 (actuals only)", snap.Spent)
	}
	if snap.Reserved != 0 {
		t.Errorf("after commit: reserved=%d, want 0", snap.Reserved)
	}
	if snap.CostUSDMicro != 3200 {
		t.Errorf("cost = %d micro-USD, want 3200", snap.CostUSDMicro)
	}
	if snap.Remaining != 10000-650 {
		t.Errorf("remaining = %d, want %d", snap.Remaining, 10000-650)
	}
}

func TestReserveFailsOnExhaustion(t *testing.T) {
	tr, conv, sess := newTestTracker(t, 500)

	_, err := tr.Reserve(conv.ID, sess.ID, "call-1", 800)
	if err == nil {
		t.Fatal("expected BudgetExhausted")
	}
	if fault.KindOf(err) != fault.KindBudgetExhausted {
		t.Errorf("error kind = %s, want budget_exhausted", fault.KindOf(err))
	}

	// No counter may move on a failed reservation.
	snap, _ := tr.SnapshotFor(conv.ID)
	if snap.Spent != 0 || snap.Reserved != 0 {
		t.Errorf("failed reservation moved counters: spent=%d reserved=%d", snap.Spent, snap.Reserved)
	}
}

func TestCommitIdempotentByCallKey(t *testing.T) {
	tr, conv, sess := newTestTracker(t, 10000)

	r, err := tr.Reserve(conv.ID, sess.ID, "call-1", 500)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := tr.Commit(r, 400, 100); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	// Same reservation committed again: no-op.
	if err := tr.Commit(r, 400, 100); err != nil {
		t.Fatalf("duplicate Commit errored: %v", err)
	}

	snap, _ := tr.SnapshotFor(conv.ID)
	if snap.Spent != 400 || snap.CostUSDMicro != 100 {
		t.Errorf("duplicate commit double-applied: spent=%d cost=%d", snap.Spent, snap.CostUSDMicro)
	}
}

func TestReleaseRefunds(t *testing.T) {
	tr, conv, sess := newTestTracker(t, 1000)

	r, err := tr.Reserve(conv.ID, sess.ID, "call-1", 900)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := tr.Release(r); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	snap, _ := tr.SnapshotFor(conv.ID)
	if snap.Spent != 0 || snap.Reserved != 0 {
		t.Errorf("release did not refund: spent=%d reserved=%d", snap.Spent, snap.Reserved)
	}

	// Released tokens are available again.
	if _, err := tr.Reserve(conv.ID, sess.ID, "call-2", 900); err != nil {
		t.Errorf("reserve after release failed: %v", err)
	}
}

func TestReleaseAfterCommitIsNoop(t *testing.T) {
	tr, conv, sess := newTestTracker(t, 1000)

	r, _ := tr.Reserve(conv.ID, sess.ID, "call-1", 300)
	if err := tr.Commit(r, 300, 0); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := tr.Release(r); err != nil {
		t.Fatalf("Release after commit errored: %v", err)
	}

	snap, _ := tr.SnapshotFor(conv.ID)
	if snap.Spent != 300 {
		t.Errorf("release after commit refunded committed tokens: spent=%d", snap.Spent)
	}
}

func TestCostCapRejectsReservation(t *testing.T) {
	tr, conv, sess := newTestTracker(t, 100000)
	tr.SetLimits(Limits{MaxCostUSDMicro: DollarsToMicro(0.01)})

	// First call commits at the cap; the next reservation must be refused.
	r, err := tr.Reserve(conv.ID, sess.ID, "call-1", 500)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := tr.Commit(r, 500, DollarsToMicro(0.01)); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	_, err = tr.Reserve(conv.ID, sess.ID, "call-2", 500)
	if fault.KindOf(err) != fault.KindBudgetExhausted {
		t.Fatalf("kind = %s, want budget_exhausted", fault.KindOf(err))
	}

	// The rejected reservation moved no counters.
	snap, _ := tr.SnapshotFor(conv.ID)
	if snap.Spent != 500 || snap.Reserved != 0 {
		t.Errorf("rejected reservation moved counters: spent=%d reserved=%d", snap.Spent, snap.Reserved)
	}
}

func TestCostCapDisabledWhenZero(t *testing.T) {
	tr, conv, sess := newTestTracker(t, 100000)

	r, err := tr.Reserve(conv.ID, sess.ID, "call-1", 500)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := tr.Commit(r, 500, DollarsToMicro(12.50)); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, err := tr.Reserve(conv.ID, sess.ID, "call-2", 500); err != nil {
		t.Errorf("reserve with no cost cap failed: %v", err)
	}
}

func TestUtilizationObserverFires(t *testing.T) {
	tr, conv, sess := newTestTracker(t, 1000)

	var last float64
	tr.SetObserver(func(conversationID string, pct float64) {
		if conversationID == conv.ID {
			last = pct
		}
	})

	r, err := tr.Reserve(conv.ID, sess.ID, "call-1", 800)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if last != 80 {
		t.Errorf("utilization after reserve = %.1f, want 80", last)
	}
	if err := tr.Commit(r, 500, 0); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if last != 50 {
		t.Errorf("utilization after commit = %.1f, want 50", last)
	}
}

func TestSnapshotForUnknownConversation(t *testing.T) {
	tr, _, _ := newTestTracker(t, 1000)
	if _, err := tr.SnapshotFor("missing"); err == nil {
		t.Error("expected error for unknown conversation")
	}
	var fe *fault.Error
	_, err := tr.SnapshotFor("missing")
	if !errors.As(err, &fe) {
		t.Error("expected a fault.Error")
	}
}

func TestDollarsMicroRoundTrip(t *testing.T) {
	cases := []float64{0, 0.000001, 0.0032, 1.25, 99.999999}
	for _, usd := range cases {
		micro := DollarsToMicro(usd)
		if got := MicroToDollars(micro); got != usd {
			t.Errorf("round trip %f -> %d -> %f", usd, micro, got)
		}
	}
}

func TestEstimatorFloor(t *testing.T) {
	e := NewEstimator()
	if got := e.Estimate(""); got != 0 {
		t.Errorf("empty estimate = %d, want 0", got)
	}
	if got := e.Estimate("a"); got < 1 {
		t.Errorf("tiny input estimate = %d, want >= 1", got)
	}
	long := e.Estimate("the quick brown fox jumps over the lazy dog, repeatedly and at length")
	short := e.Estimate("fox")
	if long <= short {
		t.Errorf("longer text should estimate more tokens: %d <= %d", long, short)
	}
}
