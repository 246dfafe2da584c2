// Package session manages the rotating context windows of a conversation.
// Calls enter through a token capturing (session, generation); recorded usage
// drives the edge-triggered summarize and rotate thresholds; rotation runs the
// claimed swap protocol against the state store and always leaves the
// conversation with a usable active session.
package session

import (
	"context"
	"sync"
	"time"

	"sibyl/internal/blob"
	"sibyl/internal/fault"
	"sibyl/internal/gateway"
	"sibyl/internal/logging"
	"sibyl/internal/store"
)

// Options bounds rotation behavior.
type Options struct {
	RotationTimeout     time.Duration // hard cap on one rotation, default 300s
	MaxRotationAttempts int           // summary attempts before restart escalation
	SummaryProvider     string        // gateway handle for llm_compress
	SummaryModel        string
	Strategy            string // default strategy, llm_compress unless overridden
}

// DefaultOptions returns the standard rotation bounds.
func DefaultOptions() Options {
	return Options{
		RotationTimeout:     300 * time.Second,
		MaxRotationAttempts: 3,
		Strategy:            store.StrategyLLMCompress,
	}
}

// CallToken captures the session view at call entry. The generation is
// immutable; completion compares it against the session's current generation
// to detect rotation during the call.
type CallToken struct {
	ConversationID string
	SessionID      string
	Generation     int64
}

// Turn is one transcript entry held for summarization.
type Turn struct {
	Role    string
	Content string
}

// Manager owns session lifecycle for all conversations in the process.
type Manager struct {
	store *store.Store
	blobs *blob.Store
	gw    *gateway.Gateway
	opts  Options

	mu          sync.Mutex
	transcripts map[string][]Turn // by session id, runtime-only
	rotObserver func(*store.SessionRotation)

	wg sync.WaitGroup
}

// SetRotationObserver installs a callback invoked after each completed swap.
// Must be set before calls begin; the callback must not block.
func (m *Manager) SetRotationObserver(fn func(*store.SessionRotation)) {
	m.rotObserver = fn
}

// NewManager creates a session manager. gw may be nil when the llm_compress
// strategy is never used.
func NewManager(st *store.Store, blobs *blob.Store, gw *gateway.Gateway, opts Options) *Manager {
	if opts.RotationTimeout <= 0 {
		opts.RotationTimeout = DefaultOptions().RotationTimeout
	}
	if opts.MaxRotationAttempts <= 0 {
		opts.MaxRotationAttempts = DefaultOptions().MaxRotationAttempts
	}
	if opts.Strategy == "" {
		opts.Strategy = store.StrategyLLMCompress
	}
	return &Manager{
		store:       st,
		blobs:       blobs,
		gw:          gw,
		opts:        opts,
		transcripts: make(map[string][]Turn),
	}
}

// BeginCall resolves the conversation's active session and captures its
// generation. While a rotation swap is in flight no session is active; the
// call waits for the successor rather than racing the swap.
func (m *Manager) BeginCall(ctx context.Context, conversationID string) (CallToken, error) {
	for {
		sess, err := m.store.ActiveSession(conversationID)
		if err == nil && !sess.RotationInProgress {
			return CallToken{
				ConversationID: conversationID,
				SessionID:      sess.ID,
				Generation:     sess.ActiveGeneration,
			}, nil
		}
		select {
		case <-ctx.Done():
			return CallToken{}, fault.Wrap(fault.KindCancelled, "session.begin_call", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// AppendTurn records a transcript entry for later summarization.
func (m *Manager) AppendTurn(sessionID, role, content string) {
	m.mu.Lock()
	m.transcripts[sessionID] = append(m.transcripts[sessionID], Turn{Role: role, Content: content})
	m.mu.Unlock()
}

func (m *Manager) transcript(sessionID string) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := m.transcripts[sessionID]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// RecordUsage accounts one completed call against the token's session,
// stamps the completion generation, reports staleness when the session
// rotated mid-call, and fires the summarize/rotate triggers on the threshold
// crossing. Trigger work runs in the background; the recorded usage is
// returned either way.
func (m *Manager) RecordUsage(token CallToken, callKey string, tokensIn, tokensOut int64) (*store.SessionTokenUsage, error) {
	rec, err := m.store.RecordUsage(token.SessionID, callKey, tokensIn, tokensOut, token.Generation)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "session.record_usage", err)
	}

	cur, err := m.store.GetSession(token.SessionID)
	if err != nil {
		return rec, fault.Wrap(fault.KindInternal, "session.record_usage", err)
	}
	if err := m.store.SetUsageCompletionGeneration(token.SessionID, rec.TurnID, cur.ActiveGeneration); err != nil {
		return rec, fault.Wrap(fault.KindInternal, "session.record_usage", err)
	}
	rec.GenerationAtCompletion = cur.ActiveGeneration

	if cur.ActiveGeneration != token.Generation {
		return rec, fault.New(fault.KindSessionRotated, "session.record_usage",
			"session %s rotated during call (generation %d -> %d)",
			token.SessionID, token.Generation, cur.ActiveGeneration)
	}

	m.maybeTrigger(cur, rec.UtilizationPct)
	return rec, nil
}

// maybeTrigger evaluates the thresholds against a live session view. Both
// triggers are edge-triggered: the summarizing status and the rotation claim
// make repeat crossings no-ops.
func (m *Manager) maybeTrigger(sess *store.Session, utilizationPct float64) {
	switch {
	case utilizationPct >= sess.RotateThresholdPct:
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.rotate(sess, store.TriggerTokenThreshold)
		}()
	case utilizationPct >= sess.SummarizeThresholdPct:
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.summarize(sess)
		}()
	}
}

// ForceRotate rotates the conversation's active session immediately.
func (m *Manager) ForceRotate(conversationID, trigger string) (*store.Session, error) {
	sess, err := m.store.ActiveSession(conversationID)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "session.force_rotate", err)
	}
	if err := m.rotate(sess, trigger); err != nil {
		return nil, err
	}
	return m.store.ActiveSession(conversationID)
}

// WaitBackground blocks until in-flight summarize/rotate work settles.
func (m *Manager) WaitBackground() { m.wg.Wait() }

// summarize runs the proactive background summarization. Losing the status
// CAS means another trigger (or a rotation) got there first.
func (m *Manager) summarize(sess *store.Session) {
	claimed, err := m.store.MarkSummarizing(sess.ID, sess.ActiveGeneration)
	if err != nil {
		logging.SessionWarn("Summarize claim failed: session=%s err=%v", sess.ID, err)
		return
	}
	if !claimed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RotationTimeout)
	defer cancel()

	text, strategy, fallback := m.produceSummary(ctx, sess.ID, m.opts.Strategy)
	ref, err := m.blobs.Put([]byte(text), blob.KindSessionSummary)
	if err != nil {
		logging.SessionWarn("Summary blob write failed: session=%s err=%v", sess.ID, err)
		return
	}
	if err := m.store.SetSessionSummaryRef(sess.ID, ref); err != nil {
		logging.SessionWarn("Summary ref update failed: session=%s err=%v", sess.ID, err)
		return
	}
	logging.Session("Proactive summary ready: session=%s strategy=%s fallback=%v ref=%s",
		sess.ID, strategy, fallback, ref)
}

// rotate runs the full swap protocol for one session. Only the claim winner
// proceeds; the swap completes with a restart summary when every summary
// attempt fails, so the conversation never loses its active session.
func (m *Manager) rotate(sess *store.Session, trigger string) error {
	claimed, err := m.store.BeginRotation(sess.ID, sess.ActiveGeneration)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "session.rotate", err)
	}
	if !claimed {
		return nil
	}
	start := time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RotationTimeout)
	defer cancel()

	text, strategy, fallback := m.produceSummary(ctx, sess.ID, m.opts.Strategy)

	summaryRef := ""
	if text != "" {
		summaryRef, err = m.blobs.Put([]byte(text), blob.KindSessionSummary)
		if err != nil {
			logging.RotationWarn("Summary blob write failed, restarting context: session=%s err=%v", sess.ID, err)
			summaryRef, strategy, fallback = "", store.StrategyRestart, true
		}
	}

	// Ratio is original size over summary size; a restart carries no summary
	// and records zero.
	original := transcriptSize(m.transcript(sess.ID))
	ratio := 0.0
	if len(text) > 0 {
		ratio = float64(original) / float64(len(text))
	}

	to, rot, err := m.store.CompleteRotationSwap(store.SwapParams{
		ConversationID:   sess.ConversationID,
		FromSessionID:    sess.ID,
		Trigger:          trigger,
		Strategy:         strategy,
		SummaryRef:       summaryRef,
		CompressionRatio: ratio,
		FallbackUsed:     fallback,
		TokensBefore:     sess.TokensSpent,
		TokensThreshold:  int64(sess.RotateThresholdPct / 100 * float64(sess.TokensBudget)),
		PreservedState:   sess.PreservedState,
		StartedAt:        start,
	})
	if err != nil {
		// The claim stays visible in the store; boot repair force-completes
		// stuck rotations, but in-process we fail the session outright.
		m.store.FailSession(sess.ID)
		return fault.Wrap(fault.KindRotationFailed, "session.rotate", err)
	}

	m.mu.Lock()
	delete(m.transcripts, sess.ID)
	if text != "" {
		m.transcripts[to.ID] = []Turn{{Role: "summary", Content: text}}
	}
	m.mu.Unlock()

	if m.rotObserver != nil {
		m.rotObserver(rot)
	}
	logging.Rotation("Session rotated: conversation=%s %d -> %d strategy=%s handoff=%dms",
		sess.ConversationID, sess.SessionNumber, to.SessionNumber, rot.Strategy, rot.HandoffMillis)
	return nil
}

func transcriptSize(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += len(t.Content)
	}
	return total
}
