package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"sibyl/internal/blob"
	"sibyl/internal/budget"
	"sibyl/internal/fault"
	"sibyl/internal/logging"
	"sibyl/internal/scheduler"
	"sibyl/internal/session"
	"sibyl/internal/store"
)

// RunOptions parameterize one pipeline execution.
type RunOptions struct {
	TokenBudget           int64
	Provider              string
	ModelName             string
	AgentType             string
	ConfigVersion         string
	ConfigJSON            string
	Tags                  map[string]string
	SessionTokensBudget   int64
	SummarizeThresholdPct float64
	RotateThresholdPct    float64

	// ResumeConversationID continues an existing conversation, skipping
	// steps whose checkpoints already completed.
	ResumeConversationID string
}

// Outcome is the structured result of a run.
type Outcome struct {
	ConversationID string
	Status         string // terminal conversation status
	StepOutputs    map[string]string
	ContextHash    string
	TokensSpent    int64
	CostUSDMicro   int64
	Err            error
}

// Executor drives pipelines to a terminal conversation status.
type Executor struct {
	store    *store.Store
	blobs    *blob.Store
	sched    *scheduler.Scheduler
	sessions *session.Manager
	tracker  *budget.Tracker
	registry *Registry
}

// NewExecutor wires an executor over the shared runtime components.
func NewExecutor(st *store.Store, blobs *blob.Store, sched *scheduler.Scheduler, sessions *session.Manager, tracker *budget.Tracker, registry *Registry) *Executor {
	return &Executor{store: st, blobs: blobs, sched: sched, sessions: sessions, tracker: tracker, registry: registry}
}

// Run executes the pipeline inside one conversation and always leaves the
// conversation in a terminal status. Cancellation yields cancelled; budget
// exhaustion yields failed with completed checkpoints intact; anything else
// fatal yields failed.
func (e *Executor) Run(ctx context.Context, p Pipeline, opts RunOptions) Outcome {
	if err := e.registry.Validate(p); err != nil {
		return Outcome{Status: store.ConversationFailed, Err: err}
	}

	conv, err := e.openConversation(p, opts)
	if err != nil {
		return Outcome{Status: store.ConversationFailed, Err: err}
	}

	outputs, contextHash, err := e.priorOutputs(conv.ID)
	if err != nil {
		return e.finish(conv.ID, store.ConversationFailed, outputs, contextHash, err)
	}

	for _, step := range p.Steps {
		if ref, done := outputs[step.Phase]; done {
			logging.Pipeline("Skipping completed step: conversation=%s phase=%s output=%s",
				conv.ID, step.Phase, ref)
			continue
		}
		if err := ctx.Err(); err != nil {
			return e.finish(conv.ID, store.ConversationCancelled, outputs, contextHash,
				fault.Wrap(fault.KindCancelled, "pipeline.run", err))
		}

		ref, err := e.runStep(ctx, conv.ID, step, outputs, opts)
		if err != nil {
			status := store.ConversationFailed
			if fault.KindOf(err) == fault.KindCancelled {
				status = store.ConversationCancelled
			}
			return e.finish(conv.ID, status, outputs, contextHash, err)
		}

		outputs[step.Phase] = ref
		contextHash = chainHash(contextHash, step.Phase, ref)
		if err := e.store.CompleteCheckpoint(conv.ID, step.Phase, contextHash, ref); err != nil {
			return e.finish(conv.ID, store.ConversationFailed, outputs, contextHash,
				fault.Wrap(fault.KindInternal, "pipeline.run", err))
		}
		if err := e.store.SetContextHash(conv.ID, contextHash); err != nil {
			return e.finish(conv.ID, store.ConversationFailed, outputs, contextHash,
				fault.Wrap(fault.KindInternal, "pipeline.run", err))
		}
		logging.Pipeline("Step complete: conversation=%s phase=%s output=%s", conv.ID, step.Phase, ref)
	}

	return e.finish(conv.ID, store.ConversationCompleted, outputs, contextHash, nil)
}

func (e *Executor) openConversation(p Pipeline, opts RunOptions) (*store.Conversation, error) {
	if opts.ResumeConversationID != "" {
		conv, err := e.store.GetConversation(opts.ResumeConversationID)
		if err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, "pipeline.resume", err)
		}
		if conv.Terminal() {
			return nil, fault.New(fault.KindConfiguration, "pipeline.resume",
				"conversation %s already terminal (%s)", conv.ID, conv.Status)
		}
		logging.Pipeline("Resuming conversation %s (workflow=%s)", conv.ID, conv.WorkflowType)
		return conv, nil
	}

	conv, _, err := e.store.CreateConversation(store.NewConversationParams{
		WorkflowType:          p.Name,
		TokenBudget:           opts.TokenBudget,
		ConfigVersion:         opts.ConfigVersion,
		ConfigJSON:            opts.ConfigJSON,
		Tags:                  opts.Tags,
		ModelName:             opts.ModelName,
		AgentType:             opts.AgentType,
		SessionTokensBudget:   opts.SessionTokensBudget,
		SummarizeThresholdPct: opts.SummarizeThresholdPct,
		RotateThresholdPct:    opts.RotateThresholdPct,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, "pipeline.run", err)
	}
	return conv, nil
}

// priorOutputs loads completed checkpoints for resume.
func (e *Executor) priorOutputs(conversationID string) (map[string]string, string, error) {
	outputs := make(map[string]string)
	cps, err := e.store.ListCheckpoints(conversationID)
	if err != nil {
		return outputs, "", fault.Wrap(fault.KindInternal, "pipeline.resume", err)
	}
	hash := ""
	for _, cp := range cps {
		if cp.Status == store.CheckpointCompleted {
			outputs[cp.Phase] = cp.OutputRef
			hash = cp.ContextHash
		}
	}
	return outputs, hash, nil
}

func (e *Executor) runStep(ctx context.Context, conversationID string, step Step, outputs map[string]string, opts RunOptions) (string, error) {
	technique, err := e.registry.Resolve(step.Technique)
	if err != nil {
		return "", err
	}
	if err := e.store.BeginCheckpoint(conversationID, step.Phase); err != nil {
		return "", fault.Wrap(fault.KindInternal, "pipeline.step", err)
	}

	inputs := make(map[string]string, len(step.Inputs))
	for _, in := range step.Inputs {
		inputs[in] = outputs[in]
	}

	sc := &StepContext{
		ConversationID: conversationID,
		Phase:          step.Phase,
		AgentType:      opts.AgentType,
		Provider:       opts.Provider,
		ModelName:      opts.ModelName,
		blobs:          e.blobs,
		sched:          e.sched,
		sessions:       e.sessions,
		tracker:        e.tracker,
	}
	return technique.Execute(ctx, sc, inputs, step.Params)
}

// finish drives the conversation to its terminal status and assembles the
// outcome. The terminal transition is exactly-once in the store; a lost race
// reports the recorded status.
func (e *Executor) finish(conversationID, status string, outputs map[string]string, contextHash string, runErr error) Outcome {
	e.sessions.WaitBackground()
	if _, err := e.store.FinishConversation(conversationID, status); err != nil {
		logging.PipelineWarn("Terminal transition failed: conversation=%s err=%v", conversationID, err)
	}
	conv, err := e.store.GetConversation(conversationID)
	if err != nil {
		return Outcome{ConversationID: conversationID, Status: status, StepOutputs: outputs, ContextHash: contextHash, Err: runErr}
	}
	return Outcome{
		ConversationID: conversationID,
		Status:         conv.Status,
		StepOutputs:    outputs,
		ContextHash:    contextHash,
		TokensSpent:    conv.TokensSpent,
		CostUSDMicro:   conv.CostUSDMicro,
		Err:            runErr,
	}
}

// chainHash extends the conversation's replay anchor with one step output.
func chainHash(prev, phase, outputRef string) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte{0})
	h.Write([]byte(phase))
	h.Write([]byte{0})
	h.Write([]byte(outputRef))
	return hex.EncodeToString(h.Sum(nil))
}
