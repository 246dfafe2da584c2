package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"sibyl/internal/blob"
	"sibyl/internal/pipeline"
)

// registerTechniques installs the built-in techniques. Domain-specific
// technique libraries register on the same Registry from their own files.
func registerTechniques(reg *pipeline.Registry) {
	reg.Register(promptTechnique{})
	reg.Register(concatTechnique{})
}

// promptTechnique runs one model call. The prompt comes from the step's
// "prompt" param; outputs of earlier phases named in the step's inputs are
// appended as labeled sections. Optional params: system, temperature, top_p,
// max_tokens, seed.
type promptTechnique struct{}

func (promptTechnique) Name() string { return "prompt" }

func (promptTechnique) Execute(ctx context.Context, sc *pipeline.StepContext, inputs, params map[string]string) (string, error) {
	base, ok := params["prompt"]
	if !ok {
		return "", fmt.Errorf("phase %s: prompt technique requires a prompt param", sc.Phase)
	}

	var b strings.Builder
	b.WriteString(base)
	for _, phase := range sortedKeys(inputs) {
		payload, err := sc.ReadBlob(inputs[phase])
		if err != nil {
			return "", fmt.Errorf("phase %s: read input %s: %w", sc.Phase, phase, err)
		}
		fmt.Fprintf(&b, "\n\n## %s\n%s", phase, payload)
	}

	cp := pipeline.CallParams{SystemPrompt: params["system"]}
	if v, ok := params["temperature"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return "", fmt.Errorf("phase %s: bad temperature %q", sc.Phase, v)
		}
		cp.Temperature = f
	}
	if v, ok := params["top_p"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return "", fmt.Errorf("phase %s: bad top_p %q", sc.Phase, v)
		}
		cp.TopP = f
	}
	if v, ok := params["max_tokens"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return "", fmt.Errorf("phase %s: bad max_tokens %q", sc.Phase, v)
		}
		cp.MaxTokens = n
	}
	if v, ok := params["seed"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return "", fmt.Errorf("phase %s: bad seed %q", sc.Phase, v)
		}
		cp.Seed = n
	}

	res, err := sc.Call(ctx, b.String(), cp)
	if err != nil {
		return "", err
	}
	return sc.StoreBlob([]byte(res.Text), blob.KindContext)
}

// concatTechnique joins the outputs of earlier phases into one blob without a
// model call. The optional "separator" param defaults to a blank line.
type concatTechnique struct{}

func (concatTechnique) Name() string { return "concat" }

func (concatTechnique) Execute(ctx context.Context, sc *pipeline.StepContext, inputs, params map[string]string) (string, error) {
	sep, ok := params["separator"]
	if !ok {
		sep = "\n\n"
	}

	parts := make([]string, 0, len(inputs))
	for _, phase := range sortedKeys(inputs) {
		payload, err := sc.ReadBlob(inputs[phase])
		if err != nil {
			return "", fmt.Errorf("phase %s: read input %s: %w", sc.Phase, phase, err)
		}
		parts = append(parts, string(payload))
	}
	return sc.StoreBlob([]byte(strings.Join(parts, sep)), blob.KindContext)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
