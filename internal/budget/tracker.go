// Package budget implements per-conversation token and cost accounting with
// reserve/commit semantics. A reservation charges the estimate up front; the
// commit reconciles it against actuals, and an unused reservation is refunded
// on release. All counter updates serialize on the conversation row in the
// state store.
package budget

import (
	"math"
	"sync"

	"sibyl/internal/fault"
	"sibyl/internal/logging"
	"sibyl/internal/store"
)

// Reservation is a pending token charge tied to a call key. It becomes an
// actual charge on Commit or is refunded on Release.
type Reservation struct {
	CallKey        string
	ConversationID string
	SessionID      string
	Tokens         int64

	mu       sync.Mutex
	settled  bool
	released bool
}

// Snapshot is a point-in-time view of a conversation's budget.
type Snapshot struct {
	Spent        int64
	Remaining    int64
	Reserved     int64
	CostUSDMicro int64
}

// Limits caps conversation spend beyond the token budget. Zero disables a
// cap; AlertThresholdPct warns once per conversation on crossing.
type Limits struct {
	MaxCostUSDMicro   int64
	MaxRequests       int64
	AlertThresholdPct float64
}

// Tracker coordinates reservations against the durable conversation counters.
type Tracker struct {
	store  *store.Store
	limits Limits

	mu       sync.Mutex
	pending  map[string]*Reservation // by call key
	alerted  map[string]bool         // conversations past the alert threshold
	observer func(conversationID string, utilizationPct float64)
}

// NewTracker creates a tracker backed by the given state store.
func NewTracker(st *store.Store) *Tracker {
	return &Tracker{
		store:   st,
		pending: make(map[string]*Reservation),
		alerted: make(map[string]bool),
	}
}

// SetLimits installs the spend caps. Call before reservations begin.
func (t *Tracker) SetLimits(l Limits) { t.limits = l }

// SetObserver installs a utilization callback fired after every counter
// movement. Must be set before calls begin; the callback must not block.
func (t *Tracker) SetObserver(fn func(conversationID string, utilizationPct float64)) {
	t.observer = fn
}

// Reserve atomically charges estimate tokens against the conversation budget.
// Fails with BudgetExhausted when the charge would exceed token_budget, in
// which case no counter moves and no provider call may be made.
func (t *Tracker) Reserve(conversationID, sessionID, callKey string, estimate int64) (*Reservation, error) {
	if estimate < 0 {
		return nil, fault.New(fault.KindInternal, "budget.reserve", "negative estimate %d", estimate)
	}
	if err := t.checkLimits(conversationID); err != nil {
		return nil, err
	}

	ok, err := t.store.ReserveTokens(conversationID, estimate)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "budget.reserve", err)
	}
	if !ok {
		spent, budget, _, terr := t.store.BudgetTotals(conversationID)
		if terr != nil {
			return nil, fault.New(fault.KindBudgetExhausted, "budget.reserve",
				"reservation of %d tokens rejected", estimate)
		}
		return nil, fault.New(fault.KindBudgetExhausted, "budget.reserve",
			"reservation of %d tokens would exceed budget (spent=%d, budget=%d)",
			estimate, spent, budget)
	}

	r := &Reservation{
		CallKey:        callKey,
		ConversationID: conversationID,
		SessionID:      sessionID,
		Tokens:         estimate,
	}
	t.mu.Lock()
	t.pending[callKey] = r
	t.mu.Unlock()

	logging.BudgetDebug("Reserved %d tokens: conversation=%s call=%s", estimate, conversationID, callKey)
	t.reportUtilization(conversationID)
	return r, nil
}

// checkLimits enforces the cost and request caps against the recorded spend.
// Actual cost lands at commit time, so the cap rejects the call after it.
func (t *Tracker) checkLimits(conversationID string) error {
	if t.limits.MaxCostUSDMicro > 0 {
		_, _, cost, err := t.store.BudgetTotals(conversationID)
		if err != nil {
			return fault.Wrap(fault.KindInternal, "budget.reserve", err)
		}
		if cost >= t.limits.MaxCostUSDMicro {
			return fault.New(fault.KindBudgetExhausted, "budget.reserve",
				"cost budget exhausted: spent $%.6f of $%.6f cap",
				MicroToDollars(cost), MicroToDollars(t.limits.MaxCostUSDMicro))
		}
	}
	if t.limits.MaxRequests > 0 {
		n, err := t.store.CountCalls(conversationID)
		if err != nil {
			return fault.Wrap(fault.KindInternal, "budget.reserve", err)
		}
		if n >= t.limits.MaxRequests {
			return fault.New(fault.KindBudgetExhausted, "budget.reserve",
				"request budget exhausted: %d of %d calls made", n, t.limits.MaxRequests)
		}
	}
	return nil
}

// reportUtilization feeds the observer and fires the one-shot threshold alert.
func (t *Tracker) reportUtilization(conversationID string) {
	if t.observer == nil && t.limits.AlertThresholdPct <= 0 {
		return
	}
	spent, budget, _, err := t.store.BudgetTotals(conversationID)
	if err != nil || budget <= 0 {
		return
	}
	pct := float64(spent) / float64(budget) * 100
	if t.observer != nil {
		t.observer(conversationID, pct)
	}
	if t.limits.AlertThresholdPct > 0 && pct >= t.limits.AlertThresholdPct {
		t.mu.Lock()
		seen := t.alerted[conversationID]
		t.alerted[conversationID] = true
		t.mu.Unlock()
		if !seen {
			logging.BudgetWarn("Budget utilization %.1f%% crossed the %.1f%% alert threshold: conversation=%s",
				pct, t.limits.AlertThresholdPct, conversationID)
		}
	}
}

// Commit reconciles the reservation against actual usage: it writes the
// reconciliation row and adjusts tokens_spent by (actual - reserved).
// Idempotent by call key; a duplicate commit is a logged no-op.
func (t *Tracker) Commit(r *Reservation, actualTokens, costUSDMicro int64) error {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return nil
	}
	r.settled = true
	r.mu.Unlock()

	applied, err := t.store.ApplyReconciliation(store.BudgetReconciliation{
		CallKey:        r.CallKey,
		ConversationID: r.ConversationID,
		TokensReserved: r.Tokens,
		TokensActual:   actualTokens,
		CostUSDMicro:   costUSDMicro,
	})
	if err != nil {
		return fault.Wrap(fault.KindInternal, "budget.commit", err)
	}
	if !applied {
		logging.BudgetDebug("Duplicate commit ignored: call=%s", r.CallKey)
	}

	t.mu.Lock()
	delete(t.pending, r.CallKey)
	t.mu.Unlock()

	logging.BudgetDebug("Committed call=%s reserved=%d actual=%d delta=%d",
		r.CallKey, r.Tokens, actualTokens, actualTokens-r.Tokens)
	t.reportUtilization(r.ConversationID)
	return nil
}

// Release refunds an unused reservation (call cancelled or never started).
// Safe to call after Commit; the refund only applies once and never after a
// commit.
func (t *Tracker) Release(r *Reservation) error {
	r.mu.Lock()
	if r.settled || r.released {
		r.mu.Unlock()
		return nil
	}
	r.settled = true
	r.released = true
	r.mu.Unlock()

	if err := t.store.ReleaseTokens(r.ConversationID, r.Tokens); err != nil {
		return fault.Wrap(fault.KindInternal, "budget.release", err)
	}

	t.mu.Lock()
	delete(t.pending, r.CallKey)
	t.mu.Unlock()

	logging.BudgetDebug("Released %d tokens: conversation=%s call=%s", r.Tokens, r.ConversationID, r.CallKey)
	t.reportUtilization(r.ConversationID)
	return nil
}

// SnapshotFor returns the conversation's current spent/remaining/reserved
// counters. Reserved is the sum of this process's pending reservations.
func (t *Tracker) SnapshotFor(conversationID string) (Snapshot, error) {
	spent, budget, cost, err := t.store.BudgetTotals(conversationID)
	if err != nil {
		return Snapshot{}, fault.Wrap(fault.KindInternal, "budget.snapshot", err)
	}

	var reserved int64
	t.mu.Lock()
	for _, r := range t.pending {
		if r.ConversationID == conversationID {
			reserved += r.Tokens
		}
	}
	t.mu.Unlock()

	return Snapshot{
		Spent:        spent,
		Remaining:    budget - spent,
		Reserved:     reserved,
		CostUSDMicro: cost,
	}, nil
}

// DollarsToMicro converts a float USD amount to fixed-point micro-USD.
func DollarsToMicro(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}

// MicroToDollars converts fixed-point micro-USD back to float USD.
func MicroToDollars(micro int64) float64 {
	return float64(micro) / 1e6
}
