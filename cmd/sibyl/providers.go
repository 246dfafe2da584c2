package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"sibyl/internal/config"
	"sibyl/internal/gateway"
	"sibyl/internal/runtime"
)

// llmDrivers maps a provider driver from the workspace config to a client
// constructor. Concrete API clients register here from their own files; the
// core ships only the offline echo driver used for smoke runs.
var llmDrivers = map[string]func(name string, pc config.ProviderConfig) (gateway.LLM, error){
	"echo": newEchoProvider,
}

func knownDrivers() string {
	names := make([]string, 0, len(llmDrivers))
	for name := range llmDrivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// registerProviders binds every configured LLM provider to a gateway handle.
// Embedder and vector-store handles are registered by their client files.
func registerProviders(rt *runtime.Runtime) error {
	for name, pc := range rt.Config.Providers {
		if pc.Kind != "llm" {
			continue
		}
		factory, ok := llmDrivers[pc.Driver]
		if !ok {
			return fmt.Errorf("provider %q: no driver %q in this binary (have: %s)",
				name, pc.Driver, knownDrivers())
		}
		if pc.APIKeyEnv != "" && os.Getenv(pc.APIKeyEnv) == "" {
			return fmt.Errorf("provider %q: environment variable %s is not set", name, pc.APIKeyEnv)
		}
		client, err := factory(name, pc)
		if err != nil {
			return fmt.Errorf("provider %q: %w", name, err)
		}
		rt.Gateway.RegisterLLM(name, client)
	}
	return nil
}

// echoProvider completes every prompt with itself. It exists so a workspace
// can be exercised end to end (checkpoints, budget, rotation) without network
// access or API keys.
type echoProvider struct {
	fp gateway.ProviderFingerprint
}

func newEchoProvider(name string, pc config.ProviderConfig) (gateway.LLM, error) {
	return &echoProvider{fp: gateway.ProviderFingerprint{
		Provider: name,
		Model:    pc.Model,
		Version:  pc.Version,
	}}, nil
}

func (p *echoProvider) Complete(ctx context.Context, req gateway.CompletionRequest) (gateway.CompletionResult, error) {
	if err := ctx.Err(); err != nil {
		return gateway.CompletionResult{}, err
	}
	tokens := int64(len(req.Prompt)+3) / 4
	if tokens < 1 {
		tokens = 1
	}
	return gateway.CompletionResult{
		Text:         req.Prompt,
		TokensIn:     tokens,
		TokensOut:    tokens,
		FinishReason: "stop",
	}, nil
}

func (p *echoProvider) Fingerprint() gateway.ProviderFingerprint { return p.fp }
