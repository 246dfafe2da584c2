// Package gateway is the capability-typed boundary to model providers. The
// core never talks to a concrete client; it holds named handles implementing
// one of the capability interfaces. The gateway normalizes responses, stamps
// provider fingerprints, converts panics at the provider boundary into the
// error taxonomy, and classifies provider errors as retryable or terminal.
// It enforces neither budget nor concurrency; those belong to the budget
// tracker and the worker scheduler.
package gateway

import (
	"context"
	"fmt"
	"time"

	"sibyl/internal/fault"
	"sibyl/internal/logging"
)

// ProviderFingerprint disambiguates otherwise-identical requests and anchors
// deterministic-replay auditing.
type ProviderFingerprint struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Version  string `json:"version"`
}

func (f ProviderFingerprint) String() string {
	return fmt.Sprintf("%s/%s@%s", f.Provider, f.Model, f.Version)
}

// CompletionRequest is a normalized LLM completion request.
type CompletionRequest struct {
	Prompt       string
	SystemPrompt string
	Temperature  float64
	TopP         float64
	Seed         int64
	MaxTokens    int64
}

// CompletionResult is a normalized LLM completion response.
type CompletionResult struct {
	Text          string
	TokensIn      int64
	TokensOut     int64
	CostUSDMicro  int64
	Fingerprint   ProviderFingerprint
	LatencyMillis int64
	FinishReason  string
}

// SearchResult is one vector-store hit.
type SearchResult struct {
	ID    string
	Score float32
}

// LLM is the completion capability.
type LLM interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
	Fingerprint() ProviderFingerprint
}

// Embedder is the embedding capability.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Fingerprint() ProviderFingerprint
}

// VectorStore is the similarity-search capability.
type VectorStore interface {
	Search(ctx context.Context, vector []float32, k int) ([]SearchResult, error)
	Fingerprint() ProviderFingerprint
}

// Gateway holds the named provider handles for one runtime.
type Gateway struct {
	llms      map[string]LLM
	embedders map[string]Embedder
	vectors   map[string]VectorStore
	primary   string // name of the primary LLM, used by readiness checks
}

// New creates an empty gateway.
func New() *Gateway {
	return &Gateway{
		llms:      make(map[string]LLM),
		embedders: make(map[string]Embedder),
		vectors:   make(map[string]VectorStore),
	}
}

// RegisterLLM adds a completion provider. The first registration becomes the
// primary unless SetPrimary overrides it.
func (g *Gateway) RegisterLLM(name string, p LLM) {
	g.llms[name] = p
	if g.primary == "" {
		g.primary = name
	}
}

// RegisterEmbedder adds an embedding provider.
func (g *Gateway) RegisterEmbedder(name string, p Embedder) { g.embedders[name] = p }

// RegisterVectorStore adds a vector-store provider.
func (g *Gateway) RegisterVectorStore(name string, p VectorStore) { g.vectors[name] = p }

// SetPrimary names the LLM used for readiness checks and default routing.
func (g *Gateway) SetPrimary(name string) { g.primary = name }

// PrimaryLLM returns the primary completion provider.
func (g *Gateway) PrimaryLLM() (LLM, error) {
	return g.LLMByName(g.primary)
}

// LLMByName resolves a completion provider handle.
func (g *Gateway) LLMByName(name string) (LLM, error) {
	p, ok := g.llms[name]
	if !ok {
		return nil, fault.New(fault.KindConfiguration, "gateway", "no llm provider named %q", name)
	}
	return p, nil
}

// EmbedderByName resolves an embedding provider handle.
func (g *Gateway) EmbedderByName(name string) (Embedder, error) {
	p, ok := g.embedders[name]
	if !ok {
		return nil, fault.New(fault.KindConfiguration, "gateway", "no embedding provider named %q", name)
	}
	return p, nil
}

// VectorStoreByName resolves a vector-store handle.
func (g *Gateway) VectorStoreByName(name string) (VectorStore, error) {
	p, ok := g.vectors[name]
	if !ok {
		return nil, fault.New(fault.KindConfiguration, "gateway", "no vector store named %q", name)
	}
	return p, nil
}

// Complete invokes a named LLM with normalization: latency is measured here,
// the fingerprint is stamped from the provider handle, panics become
// taxonomy errors, and provider errors are classified retryable/terminal.
func (g *Gateway) Complete(ctx context.Context, providerName string, req CompletionRequest) (res CompletionResult, err error) {
	p, err := g.LLMByName(providerName)
	if err != nil {
		return CompletionResult{}, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fault.New(fault.KindInternal, "gateway.complete", "provider panic: %v", r)
			logging.Get(logging.CategoryGateway).Error("Recovered provider panic: %v", r)
		}
	}()

	start := time.Now()
	res, callErr := p.Complete(ctx, req)
	elapsed := time.Since(start)

	if callErr != nil {
		classified := fault.ClassifyProvider("gateway.complete", callErr)
		logging.Get(logging.CategoryGateway).Warn("Provider %s failed after %v: %s",
			providerName, elapsed, classified.Kind)
		return CompletionResult{}, classified
	}

	res.LatencyMillis = elapsed.Milliseconds()
	if res.Fingerprint == (ProviderFingerprint{}) {
		res.Fingerprint = p.Fingerprint()
	}
	logging.Get(logging.CategoryGateway).Debug("Complete via %s: in=%d out=%d latency=%dms finish=%s",
		providerName, res.TokensIn, res.TokensOut, res.LatencyMillis, res.FinishReason)
	return res, nil
}

// Embed invokes a named embedder under the same panic/classification rules.
func (g *Gateway) Embed(ctx context.Context, providerName string, texts []string) (vecs [][]float32, err error) {
	p, err := g.EmbedderByName(providerName)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fault.New(fault.KindInternal, "gateway.embed", "provider panic: %v", r)
		}
	}()
	vecs, callErr := p.Embed(ctx, texts)
	if callErr != nil {
		return nil, fault.ClassifyProvider("gateway.embed", callErr)
	}
	return vecs, nil
}

// Search invokes a named vector store under the same rules.
func (g *Gateway) Search(ctx context.Context, providerName string, vector []float32, k int) (results []SearchResult, err error) {
	p, err := g.VectorStoreByName(providerName)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fault.New(fault.KindInternal, "gateway.search", "provider panic: %v", r)
		}
	}()
	results, callErr := p.Search(ctx, vector, k)
	if callErr != nil {
		return nil, fault.ClassifyProvider("gateway.search", callErr)
	}
	return results, nil
}

// Ready reports whether the primary LLM handle is registered. Concrete
// reachability probes belong to the provider implementation.
func (g *Gateway) Ready() bool {
	_, err := g.PrimaryLLM()
	return err == nil
}
