package session

import (
	"context"
	"strings"

	"sibyl/internal/gateway"
	"sibyl/internal/logging"
	"sibyl/internal/store"
)

const summarySystemPrompt = `You compress agent conversation context. Produce a dense summary that preserves: stated goals, decisions made, artifacts produced, open items, and any constraints. Omit pleasantries and repetition. Plain text only.`

// produceSummary builds the handoff summary for a session under the given
// strategy. llm_compress retries the model up to MaxRotationAttempts times and
// then falls back to delta_compress; the returned strategy and fallback flag
// reflect what actually ran. Only restart yields empty text.
func (m *Manager) produceSummary(ctx context.Context, sessionID, strategy string) (string, string, bool) {
	turns := m.transcript(sessionID)

	switch strategy {
	case store.StrategyRestart:
		return "", store.StrategyRestart, false
	case store.StrategyFullCopy:
		return fullCopy(turns), store.StrategyFullCopy, false
	case store.StrategyDeltaCompress:
		return deltaCompress(turns), store.StrategyDeltaCompress, false
	}

	// llm_compress
	if m.gw != nil && len(turns) > 0 {
		for attempt := 1; attempt <= m.opts.MaxRotationAttempts; attempt++ {
			text, err := m.llmCompress(ctx, turns)
			if err == nil && text != "" {
				return text, store.StrategyLLMCompress, false
			}
			logging.SessionWarn("llm_compress attempt %d/%d failed: session=%s err=%v",
				attempt, m.opts.MaxRotationAttempts, sessionID, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return deltaCompress(turns), store.StrategyDeltaCompress, true
}

func (m *Manager) llmCompress(ctx context.Context, turns []Turn) (string, error) {
	res, err := m.gw.Complete(ctx, m.opts.SummaryProvider, gateway.CompletionRequest{
		Prompt:       fullCopy(turns),
		SystemPrompt: summarySystemPrompt,
		Temperature:  0,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// deltaCompress keeps only the user and assistant turns, dropping tool
// output, system text, and prior summaries.
func deltaCompress(turns []Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		if t.Role != "user" && t.Role != "assistant" {
			continue
		}
		sb.WriteString(t.Role)
		sb.WriteString(": ")
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// fullCopy serializes the entire transcript verbatim.
func fullCopy(turns []Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString(t.Role)
		sb.WriteString(": ")
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
