// Package scheduler is the worker pool for external model calls. It bounds
// global and per-provider concurrency, starts calls FIFO within one
// (conversation, phase) lane, deduplicates submissions by call key, retries
// retryable provider failures as fresh attempts chained by retry_of, and
// settles each submission's budget reservation exactly once.
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"sibyl/internal/blob"
	"sibyl/internal/budget"
	"sibyl/internal/fault"
	"sibyl/internal/gateway"
	"sibyl/internal/logging"
	"sibyl/internal/memo"
	"sibyl/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Options bounds scheduler behavior.
type Options struct {
	MaxConcurrent  int            // global in-flight call cap
	ProviderLimits map[string]int // per-provider caps; absent means unbounded
	MaxRetries     int            // retry attempts after the original call
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// DefaultOptions mirror typical provider rate limits.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:  8,
		MaxRetries:     3,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  30 * time.Second,
	}
}

// ResultObserver is notified after each submission settles. Observers must not
// block; the session manager and metrics layer hang off this.
type ResultObserver interface {
	ObserveCall(spec CallSpec, res Result, err error)
}

// InflightObserver is an optional ResultObserver extension notified when a
// provider call starts (+1) and finishes (-1).
type InflightObserver interface {
	ObserveInflight(delta int)
}

type laneKey struct {
	conversationID string
	phase          string
}

// Scheduler executes CallSpecs against the provider gateway.
type Scheduler struct {
	store   *store.Store
	blobs   *blob.Store
	gateway *gateway.Gateway
	tracker *budget.Tracker
	est     *budget.Estimator
	cache   *memo.Cache // nil disables memoization
	opts    Options

	global      *semaphore.Weighted
	perProvider map[string]*semaphore.Weighted

	laneMu sync.Mutex
	lanes  map[laneKey]chan struct{}

	pendMu  sync.Mutex
	pending map[string]*Future // by original call key

	obsMu     sync.Mutex
	observers []ResultObserver

	wg sync.WaitGroup
}

// New creates a scheduler. cache may be nil.
func New(st *store.Store, blobs *blob.Store, gw *gateway.Gateway, tr *budget.Tracker, cache *memo.Cache, opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultOptions().MaxConcurrent
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultOptions().RetryBaseDelay
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = DefaultOptions().RetryMaxDelay
	}
	s := &Scheduler{
		store:       st,
		blobs:       blobs,
		gateway:     gw,
		tracker:     tr,
		est:         budget.NewEstimator(),
		cache:       cache,
		opts:        opts,
		global:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		perProvider: make(map[string]*semaphore.Weighted),
		lanes:       make(map[laneKey]chan struct{}),
		pending:     make(map[string]*Future),
	}
	for name, limit := range opts.ProviderLimits {
		if limit > 0 {
			s.perProvider[name] = semaphore.NewWeighted(int64(limit))
		}
	}
	return s
}

// AddObserver registers a settle callback.
func (s *Scheduler) AddObserver(o ResultObserver) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

// Submit schedules one call and returns its future. Submissions with the same
// identity coalesce: an in-flight duplicate returns the same future, and a
// previously succeeded call returns its recorded result without a provider
// call or a budget charge.
func (s *Scheduler) Submit(ctx context.Context, spec CallSpec) *Future {
	key := ComputeCallKey(spec, 0)

	// In-process duplicate: share the future.
	s.pendMu.Lock()
	if f, ok := s.pending[key]; ok {
		s.pendMu.Unlock()
		logging.SchedulerDebug("Coalesced duplicate submission: key=%s", key)
		return f
	}
	s.pendMu.Unlock()

	// Memo cache: identical request identity against the same provider build.
	// Only consulted when the spec asks for it.
	if s.cache != nil && spec.UseCache {
		if f, ok := s.cacheLookup(spec, key); ok {
			return f
		}
	}

	// Durable idempotency: reuse a completed attempt, or resume the retry
	// chain past attempts already recorded by a previous run.
	startAttempt, retryOf, prior, err := s.resumePoint(spec)
	if err != nil {
		return resolvedFuture(key, Result{}, err)
	}
	if prior != nil {
		return resolvedFuture(key, *prior, nil)
	}

	callCtx, cancel := context.WithCancel(ctx)
	f := newFuture(key, cancel)
	s.pendMu.Lock()
	s.pending[key] = f
	s.pendMu.Unlock()

	gate := s.enterLane(spec)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		res, err := s.run(callCtx, spec, key, startAttempt, retryOf, gate)
		s.pendMu.Lock()
		delete(s.pending, key)
		s.pendMu.Unlock()
		f.resolve(res, err)
		s.notify(spec, res, err)
	}()
	return f
}

// SubmitBatch schedules the specs in order and returns their futures in the
// same order. Await them with AwaitAll for ordered delivery.
func (s *Scheduler) SubmitBatch(ctx context.Context, specs []CallSpec) []*Future {
	futures := make([]*Future, len(specs))
	for i, spec := range specs {
		futures[i] = s.Submit(ctx, spec)
	}
	return futures
}

// Wait blocks until every in-flight submission settles.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) cacheLookup(spec CallSpec, key string) (*Future, bool) {
	llm, err := s.gateway.LLMByName(spec.Provider)
	if err != nil {
		return resolvedFuture(key, Result{}, err), true
	}
	entry, ok := s.cache.Get(memo.Key{
		PromptRef:           spec.PromptRef,
		ModelName:           spec.ModelName,
		Temperature:         spec.Temperature,
		TopP:                spec.TopP,
		SystemPrompt:        spec.SystemPrompt,
		Seed:                spec.Seed,
		ProviderFingerprint: llm.Fingerprint().String(),
	})
	if !ok {
		return nil, false
	}
	logging.Scheduler("Cache hit: key=%s response=%s", key, entry.ResponseRef)
	return resolvedFuture(key, Result{
		CallKey:      key,
		ResponseRef:  entry.ResponseRef,
		Fingerprint:  llm.Fingerprint().String(),
		FinishReason: entry.FinishReason,
		Cached:       true,
	}, nil), true
}

// resumePoint walks the attempt chain already recorded for this spec. It
// returns the next attempt number and the call ID to chain retry_of from, or
// a prior Result when an attempt already succeeded.
func (s *Scheduler) resumePoint(spec CallSpec) (int, string, *Result, error) {
	retryOf := ""
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		call, err := s.store.GetCallByKey(ComputeCallKey(spec, attempt))
		if err != nil {
			return 0, "", nil, fault.Wrap(fault.KindInternal, "scheduler.submit", err)
		}
		if call == nil {
			return attempt, retryOf, nil, nil
		}
		switch call.Status {
		case store.CallSucceeded:
			return 0, "", &Result{
				CallKey:       call.CallKey,
				CallID:        call.ID,
				ResponseRef:   call.ResponseRef,
				TokensIn:      call.TokensInActual,
				TokensOut:     call.TokensOutActual,
				CostUSDMicro:  call.CostUSDMicro,
				Fingerprint:   call.ProviderFingerprint,
				FinishReason:  call.FinishReason,
				LatencyMillis: call.LatencyMillis,
				Attempts:      call.RetryCount + 1,
			}, nil
		case store.CallFailedTerminal:
			return 0, "", nil, fault.New(fault.KindProviderTerminal, "scheduler.submit",
				"call %s already failed terminally: %s", call.CallKey, call.ErrorMessage)
		}
		retryOf = call.ID
	}
	return 0, "", nil, fault.New(fault.KindProviderRetryable, "scheduler.submit",
		"call retry budget already exhausted (%d attempts)", s.opts.MaxRetries+1)
}

// enterLane appends this submission to its (conversation, phase) lane and
// returns the predecessor's start gate. Closing the returned channel's
// successor happens once this call begins executing, which keeps start order
// FIFO within the lane.
func (s *Scheduler) enterLane(spec CallSpec) *laneTicket {
	lk := laneKey{spec.ConversationID, spec.Phase}
	gate := make(chan struct{})
	s.laneMu.Lock()
	prev := s.lanes[lk]
	s.lanes[lk] = gate
	s.laneMu.Unlock()
	return &laneTicket{prev: prev, own: gate}
}

type laneTicket struct {
	prev <-chan struct{} // nil for the lane head
	own  chan struct{}
	once sync.Once
}

func (t *laneTicket) waitTurn(ctx context.Context) error {
	if t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *laneTicket) release() { t.once.Do(func() { close(t.own) }) }

func (s *Scheduler) run(ctx context.Context, spec CallSpec, origKey string, startAttempt int, retryOf string, gate *laneTicket) (Result, error) {
	defer gate.release()

	if err := gate.waitTurn(ctx); err != nil {
		return Result{}, fault.Wrap(ctxKind(err), "scheduler.run", err)
	}

	estimate := spec.EstimateTokens
	if estimate <= 0 {
		estimate = s.estimateFor(spec)
	}
	reservation, err := s.tracker.Reserve(spec.ConversationID, spec.SessionID, origKey, estimate)
	if err != nil {
		return Result{}, err
	}

	var lastErr error
	for attempt := startAttempt; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > startAttempt {
			if err := s.backoff(ctx, attempt); err != nil {
				s.tracker.Release(reservation)
				return Result{}, fault.Wrap(ctxKind(err), "scheduler.run", err)
			}
		}

		res, callErr := s.attempt(ctx, spec, attempt, retryOf, estimate, gate)
		if callErr == nil {
			res.Attempts = attempt + 1
			if err := s.tracker.Commit(reservation, res.TokensIn+res.TokensOut, res.CostUSDMicro); err != nil {
				return res, err
			}
			return res, nil
		}

		lastErr = callErr
		// A dead submission context makes further attempts pointless even
		// when the failure kind is nominally retryable.
		if !fault.IsRetryable(callErr) || ctx.Err() != nil {
			s.tracker.Release(reservation)
			return Result{}, callErr
		}
		retryOf = res.CallID
		logging.SchedulerWarn("Attempt %d/%d failed retryably: key=%s err=%v",
			attempt+1, s.opts.MaxRetries+1, origKey, callErr)
	}

	s.tracker.Release(reservation)
	return Result{}, fault.New(fault.KindProviderRetryable, "scheduler.run",
		"call failed after %d attempts: %v", s.opts.MaxRetries+1, lastErr)
}

// attempt executes one durable attempt. The returned Result carries CallID
// even on failure so the next attempt can chain retry_of.
func (s *Scheduler) attempt(ctx context.Context, spec CallSpec, attempt int, retryOf string, estimate int64, gate *laneTicket) (Result, error) {
	key := ComputeCallKey(spec, attempt)
	callID := uuid.NewString()
	call := &store.SubagentCall{
		CallKey:          key,
		ID:               callID,
		ConversationID:   spec.ConversationID,
		SessionID:        spec.SessionID,
		Phase:            spec.Phase,
		AgentType:        spec.AgentType,
		ModelName:        spec.ModelName,
		PromptRef:        spec.PromptRef,
		TokensInReserved: estimate,
		RetryOf:          retryOf,
		RetryCount:       attempt,
		CorrelationID:    spec.ConversationID,
		SpanID:           callID,
	}
	if err := s.store.InsertCall(call); err != nil {
		return Result{CallID: callID}, fault.Wrap(fault.KindInternal, "scheduler.attempt", err)
	}

	if err := s.acquire(ctx, spec.Provider); err != nil {
		kind := ctxKind(err)
		s.finishUnstarted(key, kind, err)
		return Result{CallID: callID}, fault.Wrap(kind, "scheduler.attempt", err)
	}
	defer s.releaseSlots(spec.Provider)
	gate.release()

	if err := s.store.MarkCallRunning(key); err != nil {
		return Result{CallID: callID}, fault.Wrap(fault.KindInternal, "scheduler.attempt", err)
	}

	prompt, err := s.blobs.Get(spec.PromptRef)
	if err != nil {
		s.finishFailed(key, fault.KindInternal, err.Error())
		return Result{CallID: callID}, fault.Wrap(fault.KindInternal, "scheduler.attempt", err)
	}

	s.notifyInflight(1)
	completion, err := s.gateway.Complete(ctx, spec.Provider, gateway.CompletionRequest{
		Prompt:       string(prompt),
		SystemPrompt: spec.SystemPrompt,
		Temperature:  spec.Temperature,
		TopP:         spec.TopP,
		Seed:         spec.Seed,
		MaxTokens:    spec.MaxTokens,
	})
	s.notifyInflight(-1)
	if err != nil {
		kind := fault.KindOf(err)
		status := store.CallFailedTerminal
		switch {
		case ctx.Err() != nil:
			// An expired deadline is a terminal timeout: the submission's
			// clock is spent, so no retry can run. Plain cancellation stays
			// cancelled.
			kind = ctxKind(ctx.Err())
			err = fault.Wrap(kind, "scheduler.attempt", ctx.Err())
			if kind == fault.KindCancelled {
				status = store.CallCancelled
			}
		case kind == fault.KindCancelled:
			status = store.CallCancelled
		case kind.Retryable():
			status = store.CallFailedRetryable
		}
		s.store.FinishCall(key, store.CallOutcome{
			Status:       status,
			ErrorKind:    string(kind),
			ErrorMessage: err.Error(),
		})
		return Result{CallID: callID}, err
	}

	responseRef, err := s.blobs.Put([]byte(completion.Text), blob.KindResponse)
	if err != nil {
		s.finishFailed(key, fault.KindInternal, err.Error())
		return Result{CallID: callID}, fault.Wrap(fault.KindInternal, "scheduler.attempt", err)
	}

	fp := completion.Fingerprint.String()
	out := store.CallOutcome{
		Status:              store.CallSucceeded,
		ResponseRef:         responseRef,
		ProviderFingerprint: fp,
		TokensInActual:      completion.TokensIn,
		TokensOutActual:     completion.TokensOut,
		CostUSDMicro:        completion.CostUSDMicro,
		FinishReason:        completion.FinishReason,
		LatencyMillis:       completion.LatencyMillis,
	}
	if err := s.store.FinishCall(key, out); err != nil {
		return Result{CallID: callID}, fault.Wrap(fault.KindInternal, "scheduler.attempt", err)
	}

	if s.cache != nil && spec.UseCache {
		s.cache.Put(memo.Key{
			PromptRef:           spec.PromptRef,
			ModelName:           spec.ModelName,
			Temperature:         spec.Temperature,
			TopP:                spec.TopP,
			SystemPrompt:        spec.SystemPrompt,
			Seed:                spec.Seed,
			ProviderFingerprint: fp,
		}, memo.Entry{ResponseRef: responseRef, FinishReason: completion.FinishReason})
	}

	logging.SchedulerDebug("Call succeeded: key=%s attempt=%d tokens=%d/%d",
		key, attempt, completion.TokensIn, completion.TokensOut)
	return Result{
		CallKey:       key,
		CallID:        callID,
		ResponseRef:   responseRef,
		Text:          completion.Text,
		TokensIn:      completion.TokensIn,
		TokensOut:     completion.TokensOut,
		CostUSDMicro:  completion.CostUSDMicro,
		Fingerprint:   fp,
		FinishReason:  completion.FinishReason,
		LatencyMillis: completion.LatencyMillis,
	}, nil
}

func (s *Scheduler) acquire(ctx context.Context, provider string) error {
	if err := s.global.Acquire(ctx, 1); err != nil {
		return err
	}
	if sem, ok := s.perProvider[provider]; ok {
		if err := sem.Acquire(ctx, 1); err != nil {
			s.global.Release(1)
			return err
		}
	}
	return nil
}

func (s *Scheduler) releaseSlots(provider string) {
	if sem, ok := s.perProvider[provider]; ok {
		sem.Release(1)
	}
	s.global.Release(1)
}

func (s *Scheduler) estimateFor(spec CallSpec) int64 {
	var prompt []byte
	if payload, err := s.blobs.Get(spec.PromptRef); err == nil {
		prompt = payload
	}
	est := s.est.Estimate(string(prompt)) + s.est.Estimate(spec.SystemPrompt)
	if spec.MaxTokens > 0 {
		est += spec.MaxTokens
	} else {
		est += est / 2 // headroom for the response when no cap is set
	}
	if est < 1 {
		est = 1
	}
	return est
}

// backoff sleeps exponentially with +/-50% jitter, capped at RetryMaxDelay.
func (s *Scheduler) backoff(ctx context.Context, attempt int) error {
	d := s.opts.RetryBaseDelay << uint(attempt-1)
	if d > s.opts.RetryMaxDelay || d <= 0 {
		d = s.opts.RetryMaxDelay
	}
	jittered := d/2 + time.Duration(rand.Int63n(int64(d)))
	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) finishFailed(key string, kind fault.Kind, msg string) {
	s.store.FinishCall(key, store.CallOutcome{
		Status:       store.CallFailedTerminal,
		ErrorKind:    string(kind),
		ErrorMessage: msg,
	})
}

// finishUnstarted settles a call row that never reached the provider. A
// timeout lands terminal; a cancellation lands cancelled.
func (s *Scheduler) finishUnstarted(key string, kind fault.Kind, err error) {
	status := store.CallCancelled
	if kind == fault.KindTimeout {
		status = store.CallFailedTerminal
	}
	s.store.FinishCall(key, store.CallOutcome{
		Status:       status,
		ErrorKind:    string(kind),
		ErrorMessage: err.Error(),
	})
}

// ctxKind maps a context error to the taxonomy: an expired deadline is a
// timeout, everything else is a cancellation.
func ctxKind(err error) fault.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.KindTimeout
	}
	return fault.KindCancelled
}

func (s *Scheduler) notify(spec CallSpec, res Result, err error) {
	for _, o := range s.snapshotObservers() {
		o.ObserveCall(spec, res, err)
	}
}

func (s *Scheduler) notifyInflight(delta int) {
	for _, o := range s.snapshotObservers() {
		if io, ok := o.(InflightObserver); ok {
			io.ObserveInflight(delta)
		}
	}
}

func (s *Scheduler) snapshotObservers() []ResultObserver {
	s.obsMu.Lock()
	observers := make([]ResultObserver, len(s.observers))
	copy(observers, s.observers)
	s.obsMu.Unlock()
	return observers
}
