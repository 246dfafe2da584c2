package pipeline

import (
	"context"

	"sibyl/internal/blob"
	"sibyl/internal/budget"
	"sibyl/internal/fault"
	"sibyl/internal/logging"
	"sibyl/internal/scheduler"
	"sibyl/internal/session"
)

// StepContext is the capability surface handed to a technique: blob access,
// call submission through the scheduler, and a read-only budget view. It
// never exposes the state store directly.
type StepContext struct {
	ConversationID string
	Phase          string
	AgentType      string
	Provider       string
	ModelName      string

	blobs    *blob.Store
	sched    *scheduler.Scheduler
	sessions *session.Manager
	tracker  *budget.Tracker
}

// StoreBlob writes a payload and returns its content ref.
func (sc *StepContext) StoreBlob(payload []byte, kind blob.Kind) (string, error) {
	return sc.blobs.Put(payload, kind)
}

// ReadBlob fetches a payload by ref.
func (sc *StepContext) ReadBlob(ref string) ([]byte, error) {
	return sc.blobs.Get(ref)
}

// Budget returns the conversation's current budget snapshot. Read-only;
// reservations happen inside Call.
func (sc *StepContext) Budget() (budget.Snapshot, error) {
	return sc.tracker.SnapshotFor(sc.ConversationID)
}

// CallParams customizes one model call beyond the step defaults.
type CallParams struct {
	Temperature  float64
	TopP         float64
	SystemPrompt string
	Seed         int64
	MaxTokens    int64
	NoCache      bool // skip the memo cache for this call
}

// Call runs one model call end to end: it stores the prompt, captures the
// active session, submits through the scheduler, waits for the result, and
// accounts the usage. A rotation that lands mid-call is logged and absorbed;
// the result remains valid and the next call binds to the successor session.
func (sc *StepContext) Call(ctx context.Context, prompt string, p CallParams) (scheduler.Result, error) {
	promptRef, err := sc.blobs.Put([]byte(prompt), blob.KindPrompt)
	if err != nil {
		return scheduler.Result{}, fault.Wrap(fault.KindInternal, "pipeline.call", err)
	}

	token, err := sc.sessions.BeginCall(ctx, sc.ConversationID)
	if err != nil {
		return scheduler.Result{}, err
	}

	spec := scheduler.CallSpec{
		ConversationID: sc.ConversationID,
		SessionID:      token.SessionID,
		Phase:          sc.Phase,
		AgentType:      sc.AgentType,
		Provider:       sc.Provider,
		ModelName:      sc.ModelName,
		Temperature:    p.Temperature,
		TopP:           p.TopP,
		SystemPrompt:   p.SystemPrompt,
		Seed:           p.Seed,
		PromptRef:      promptRef,
		MaxTokens:      p.MaxTokens,
		UseCache:       !p.NoCache,
	}
	res, err := sc.sched.Submit(ctx, spec).Await(ctx)
	if err != nil {
		return scheduler.Result{}, err
	}

	sc.sessions.AppendTurn(token.SessionID, "user", prompt)
	sc.sessions.AppendTurn(token.SessionID, "assistant", res.Text)

	if !res.Cached {
		if _, uerr := sc.sessions.RecordUsage(token, res.CallKey, res.TokensIn, res.TokensOut); uerr != nil {
			if fault.KindOf(uerr) == fault.KindSessionRotated {
				logging.PipelineWarn("Call completed on rotated session: conversation=%s phase=%s",
					sc.ConversationID, sc.Phase)
			} else {
				return res, uerr
			}
		}
	}
	return res, nil
}
