package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"sibyl/internal/fault"
)

// Result is the terminal outcome of a submitted call.
type Result struct {
	CallKey       string
	CallID        string
	ResponseRef   string
	Text          string
	TokensIn      int64
	TokensOut     int64
	CostUSDMicro  int64
	Fingerprint   string
	FinishReason  string
	LatencyMillis int64
	Attempts      int
	Cached        bool // served from the memo cache, no provider call made
}

// Future is a handle to an in-flight call. It resolves exactly once.
type Future struct {
	CallKey string

	once   sync.Once
	done   chan struct{}
	res    Result
	err    error
	cancel context.CancelFunc
}

func newFuture(callKey string, cancel context.CancelFunc) *Future {
	return &Future{CallKey: callKey, done: make(chan struct{}), cancel: cancel}
}

// resolvedFuture builds an already-settled future (cache hits, prior results).
func resolvedFuture(callKey string, res Result, err error) *Future {
	f := &Future{CallKey: callKey, done: make(chan struct{})}
	f.resolve(res, err)
	return f
}

func (f *Future) resolve(res Result, err error) {
	f.once.Do(func() {
		f.res = res
		f.err = err
		close(f.done)
	})
}

// Await blocks until the call settles or ctx expires. An expired ctx does not
// cancel the call itself; use Cancel for that.
func (f *Future) Await(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, fault.Wrap(fault.KindCancelled, "scheduler.await", ctx.Err())
	}
}

// Cancel requests cancellation of the underlying call. Settled futures are
// unaffected.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

// Done exposes the settle channel for select-based callers.
func (f *Future) Done() <-chan struct{} { return f.done }

// AwaitAll waits for every future and returns the results in submission
// order. The first error cancels the remaining calls and is returned.
func AwaitAll(ctx context.Context, futures []*Future) ([]Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]Result, len(futures))
	for i, f := range futures {
		g.Go(func() error {
			res, err := f.Await(gctx)
			if err != nil {
				f.Cancel()
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, f := range futures {
			f.Cancel()
		}
		return nil, err
	}
	return results, nil
}
