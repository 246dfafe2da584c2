package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sibyl/internal/fault"
	"sibyl/internal/scheduler"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCallCountsSuccess(t *testing.T) {
	m := NewMetrics()
	spec := scheduler.CallSpec{Provider: "acme", ModelName: "m1"}
	m.ObserveCall(spec, scheduler.Result{TokensIn: 100, TokensOut: 40, CostUSDMicro: 3200, Attempts: 1, LatencyMillis: 120}, nil)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("acme", "m1", "succeeded")); got != 1 {
		t.Errorf("requests_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("m1", "in")); got != 100 {
		t.Errorf("tokens in = %v", got)
	}
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("m1", "out")); got != 40 {
		t.Errorf("tokens out = %v", got)
	}
	if got := testutil.ToFloat64(m.CostUSDTotal); got != 0.0032 {
		t.Errorf("cost = %v, want 0.0032", got)
	}
	if got := testutil.ToFloat64(m.RetriesTotal); got != 0 {
		t.Errorf("retries = %v, want 0", got)
	}
}

func TestObserveCallCountsErrorsAndRetries(t *testing.T) {
	m := NewMetrics()
	spec := scheduler.CallSpec{Provider: "acme", ModelName: "m1"}

	m.ObserveCall(spec, scheduler.Result{}, fault.New(fault.KindBudgetExhausted, "test", "over"))
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("budget_exhausted")); got != 1 {
		t.Errorf("errors_total = %v, want 1", got)
	}

	m.ObserveCall(spec, scheduler.Result{Attempts: 3, TokensIn: 10, TokensOut: 5}, nil)
	if got := testutil.ToFloat64(m.RetriesTotal); got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}
}

func TestObserveCallCacheHit(t *testing.T) {
	m := NewMetrics()
	spec := scheduler.CallSpec{Provider: "acme", ModelName: "m1"}

	m.ObserveCall(spec, scheduler.Result{Cached: true}, nil)
	m.ObserveCall(spec, scheduler.Result{TokensIn: 1, TokensOut: 1, Attempts: 1}, nil)

	if got := testutil.ToFloat64(m.CacheHitsTotal); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CacheMissTotal); got != 1 {
		t.Errorf("cache misses = %v, want 1", got)
	}
	// Cached results carry no token counts.
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("m1", "in")); got != 1 {
		t.Errorf("tokens in = %v, want 1", got)
	}
}

func TestObserveRotation(t *testing.T) {
	m := NewMetrics()
	m.ObserveRotation("token_threshold", "llm_compress", 230, 12.5)
	if got := testutil.ToFloat64(m.RotationsTotal.WithLabelValues("token_threshold", "llm_compress")); got != 1 {
		t.Errorf("rotations = %v, want 1", got)
	}
}

func TestInflightGaugeTracksProviderCalls(t *testing.T) {
	m := NewMetrics()
	m.ObserveInflight(1)
	m.ObserveInflight(1)
	if got := testutil.ToFloat64(m.ActiveRequests); got != 2 {
		t.Errorf("active requests = %v, want 2", got)
	}
	m.ObserveInflight(-1)
	m.ObserveInflight(-1)
	if got := testutil.ToFloat64(m.ActiveRequests); got != 0 {
		t.Errorf("active requests after drain = %v, want 0", got)
	}
}

func TestActiveSessionsGaugeSamplesLiveCount(t *testing.T) {
	m := NewMetrics()
	live := 3.0
	m.RegisterActiveSessions(func() float64 { return live })

	if got := testutil.ToFloat64(m.ActiveSessions); got != 3 {
		t.Errorf("active sessions = %v, want 3", got)
	}
	live = 1
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
}

func TestUtilizationGaugeSetPerConversation(t *testing.T) {
	m := NewMetrics()
	m.ObserveUtilization("conv-1", 42.5)
	m.ObserveUtilization("conv-1", 61.0)
	if got := testutil.ToFloat64(m.BudgetUtilized.WithLabelValues("conv-1")); got != 61 {
		t.Errorf("utilization = %v, want 61", got)
	}
}

func TestServerEndpoints(t *testing.T) {
	m := NewMetrics()
	m.ErrorsTotal.WithLabelValues("timeout").Inc()

	ready := false
	srv := NewServer("127.0.0.1:0", m, func() bool { return ready })

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	if rec := get("/live"); rec.Code != http.StatusOK {
		t.Errorf("/live = %d", rec.Code)
	}
	if rec := get("/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/ready while not ready = %d", rec.Code)
	}
	ready = true
	if rec := get("/ready"); rec.Code != http.StatusOK {
		t.Errorf("/ready = %d", rec.Code)
	}

	rec := get("/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `sibyl_errors_total{kind="timeout"} 1`) {
		t.Error("metrics output missing recorded counter")
	}
}

func TestErrorKindLabelStability(t *testing.T) {
	m := NewMetrics()
	m.ObserveCall(scheduler.CallSpec{Provider: "p", ModelName: "m"}, scheduler.Result{},
		fault.Wrap(fault.KindProviderRetryable, "test", errors.New("x")))
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("p", "m", "provider_retryable")); got != 1 {
		t.Errorf("status label = %v, want 1", got)
	}
}
