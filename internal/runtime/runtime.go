// Package runtime assembles the Sibyl components from a workspace config:
// state store, blob store, gateway, budget tracker, scheduler, session
// manager, pipeline executor, and the observability surface. One Runtime
// serves one workspace.
package runtime

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"sibyl/internal/blob"
	"sibyl/internal/budget"
	"sibyl/internal/config"
	"sibyl/internal/fault"
	"sibyl/internal/gateway"
	"sibyl/internal/logging"
	"sibyl/internal/memo"
	"sibyl/internal/observability"
	"sibyl/internal/pipeline"
	"sibyl/internal/scheduler"
	"sibyl/internal/session"
	"sibyl/internal/store"
)

// Runtime is the assembled workspace runtime.
type Runtime struct {
	Config   *config.Config
	Snapshot config.Snapshot

	Store    *store.Store
	Blobs    *blob.Store
	Gateway  *gateway.Gateway
	Tracker  *budget.Tracker
	Cache    *memo.Cache
	Sched    *scheduler.Scheduler
	Sessions *session.Manager
	Registry *pipeline.Registry
	Executor *pipeline.Executor
	Metrics  *observability.Metrics
	Server   *observability.Server
}

// New assembles a runtime from the loaded config. Providers must be
// registered on the Gateway afterwards; nothing dials out at assembly time.
func New(cfg *config.Config) (*Runtime, error) {
	categories := make(map[string]bool, len(cfg.Logging.Categories))
	for _, c := range cfg.Logging.Categories {
		categories[c] = true
	}
	if err := logging.Initialize(logging.Options{
		Level:      cfg.Logging.Level,
		Dir:        cfg.Logging.Dir,
		Categories: categories,
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, "runtime.new", err)
	}

	snapshot, err := cfg.Snapshot()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, "runtime.new", err)
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, "sibyl.db"))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "runtime.new", err)
	}

	blobs, err := blob.NewStore(cfg.BlobDir,
		blob.WithRedactor(blob.NewRedactor([]byte(snapshot.Version), blob.DefaultRules()...)))
	if err != nil {
		st.Close()
		return nil, fault.Wrap(fault.KindConfiguration, "runtime.new", err)
	}

	gw := gateway.New()
	if cfg.PrimaryProvider != "" {
		gw.SetPrimary(cfg.PrimaryProvider)
	}

	tracker := budget.NewTracker(st)
	tracker.SetLimits(budget.Limits{
		MaxCostUSDMicro:   budget.DollarsToMicro(cfg.Budget.MaxCostUSD),
		MaxRequests:       cfg.Budget.MaxRequests,
		AlertThresholdPct: cfg.Budget.AlertThresholdPct,
	})

	var cache *memo.Cache
	if cfg.Cache.Enabled {
		cache = memo.New(cfg.Cache.MaxEntries, time.Duration(cfg.Cache.TTLSecs)*time.Second)
	}

	limits := make(map[string]int, len(cfg.Providers))
	for name, p := range cfg.Providers {
		if p.MaxConcurrent > 0 {
			limits[name] = p.MaxConcurrent
		}
	}
	sched := scheduler.New(st, blobs, gw, tracker, cache, scheduler.Options{
		MaxConcurrent:  cfg.Scheduler.MaxConcurrent,
		ProviderLimits: limits,
		MaxRetries:     cfg.Scheduler.MaxRetries,
		RetryBaseDelay: time.Duration(cfg.Scheduler.RetryBaseMillis) * time.Millisecond,
		RetryMaxDelay:  time.Duration(cfg.Scheduler.RetryMaxMillis) * time.Millisecond,
	})

	sessions := session.NewManager(st, blobs, gw, session.Options{
		RotationTimeout:     time.Duration(cfg.Session.RotationTimeoutSecs) * time.Second,
		MaxRotationAttempts: cfg.Session.MaxRotationAttempts,
		SummaryProvider:     cfg.PrimaryProvider,
		Strategy:            cfg.Session.Strategy,
	})

	metrics := observability.NewMetrics()
	sched.AddObserver(metrics)
	sessions.SetRotationObserver(func(rot *store.SessionRotation) {
		metrics.ObserveRotation(rot.Trigger, rot.Strategy, rot.HandoffMillis, rot.CompressionRatio)
	})
	tracker.SetObserver(metrics.ObserveUtilization)
	metrics.RegisterActiveSessions(func() float64 {
		n, err := st.CountActiveSessions()
		if err != nil {
			return 0
		}
		return float64(n)
	})

	registry := pipeline.NewRegistry()
	executor := pipeline.NewExecutor(st, blobs, sched, sessions, tracker, registry)

	var server *observability.Server
	if cfg.Server.ListenAddr != "" {
		var m *observability.Metrics
		if cfg.Server.Metrics {
			m = metrics
		}
		server = observability.NewServer(cfg.Server.ListenAddr, m, gw.Ready)
	}

	logging.Boot("Runtime assembled: workspace=%s config=%s", cfg.Name, snapshot.Version)
	return &Runtime{
		Config:   cfg,
		Snapshot: snapshot,
		Store:    st,
		Blobs:    blobs,
		Gateway:  gw,
		Tracker:  tracker,
		Cache:    cache,
		Sched:    sched,
		Sessions: sessions,
		Registry: registry,
		Executor: executor,
		Metrics:  metrics,
		Server:   server,
	}, nil
}

// PipelineByName materializes a configured pipeline definition.
func (r *Runtime) PipelineByName(name string) (pipeline.Pipeline, error) {
	pc, ok := r.Config.Pipelines[name]
	if !ok {
		return pipeline.Pipeline{}, fault.New(fault.KindConfiguration, "runtime.pipeline",
			"no pipeline named %q", name)
	}
	p := pipeline.Pipeline{Name: name, Steps: make([]pipeline.Step, 0, len(pc.Steps))}
	for _, sc := range pc.Steps {
		p.Steps = append(p.Steps, pipeline.Step{
			Phase:     sc.Phase,
			Technique: sc.Technique,
			Params:    sc.Params,
			Inputs:    sc.Inputs,
		})
	}
	return p, nil
}

// RunOptionsFromConfig derives executor options from the workspace config.
func (r *Runtime) RunOptionsFromConfig() pipeline.RunOptions {
	return pipeline.RunOptions{
		TokenBudget:           r.Config.Budget.TokenBudget,
		Provider:              r.Config.PrimaryProvider,
		ModelName:             r.providerModel(r.Config.PrimaryProvider),
		AgentType:             "worker",
		ConfigVersion:         r.Snapshot.Version,
		ConfigJSON:            r.Snapshot.JSON,
		SessionTokensBudget:   r.Config.Budget.SessionTokenBudget,
		SummarizeThresholdPct: r.Config.Session.SummarizeThresholdPct,
		RotateThresholdPct:    r.Config.Session.RotateThresholdPct,
	}
}

func (r *Runtime) providerModel(name string) string {
	if p, ok := r.Config.Providers[name]; ok {
		return p.Model
	}
	return ""
}

// Close drains background work and releases resources.
func (r *Runtime) Close() error {
	r.Sched.Wait()
	r.Sessions.WaitBackground()
	if r.Server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Server.Shutdown(ctx)
	}
	return r.Store.Close()
}
