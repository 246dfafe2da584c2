package store

import "time"

// Conversation statuses. A conversation reaches exactly one terminal status.
const (
	ConversationRunning   = "running"
	ConversationCompleted = "completed"
	ConversationFailed    = "failed"
	ConversationCancelled = "cancelled"
	ConversationCrashed   = "crashed"
)

// Session statuses.
const (
	SessionActive      = "active"
	SessionSummarizing = "summarizing"
	SessionRotating    = "rotating"
	SessionCompleted   = "completed"
	SessionFailed      = "failed"
	SessionAbandoned   = "abandoned"
)

// SubagentCall statuses.
const (
	CallQueued          = "queued"
	CallRunning         = "running"
	CallSucceeded       = "succeeded"
	CallFailedRetryable = "failed_retryable"
	CallFailedTerminal  = "failed_terminal"
	CallCancelled       = "cancelled"
)

// Rotation triggers.
const (
	TriggerTokenThreshold = "token_threshold"
	TriggerManual         = "manual"
	TriggerError          = "error"
	TriggerTimeout        = "timeout"
	TriggerForced         = "forced"
)

// Summarization strategies.
const (
	StrategyLLMCompress   = "llm_compress"
	StrategyDeltaCompress = "delta_compress"
	StrategyFullCopy      = "full_copy"
	StrategyRestart       = "restart"
)

// Conversation is the unit of work: one pipeline execution under a budget.
type Conversation struct {
	ID              string
	WorkflowType    string
	Status          string
	TokenBudget     int64
	TokensSpent     int64
	CostUSDMicro    int64
	ContextHash     string
	ConfigVersion   string
	ActiveSessionID string
	Tags            map[string]string
	StartedAt       time.Time
	FinishedAt      time.Time // zero until terminal
}

// Terminal reports whether the conversation has reached a terminal status.
func (c *Conversation) Terminal() bool {
	switch c.Status {
	case ConversationCompleted, ConversationFailed, ConversationCancelled, ConversationCrashed:
		return true
	}
	return false
}

// Session is one rotating context window inside a conversation.
type Session struct {
	ID                    string
	ConversationID        string
	ParentSessionID       string // empty for the first session
	SessionNumber         int
	ActiveGeneration      int64
	RotationInProgress    bool
	TokensBudget          int64
	TokensSpent           int64
	SummarizeThresholdPct float64
	RotateThresholdPct    float64
	ContextSummaryRef     string
	PreservedState        map[string]string
	Status                string
	ModelName             string
	AgentType             string
	CreatedAt             time.Time
	CompletedAt           time.Time
}

// SessionRotation is an immutable rotation event.
type SessionRotation struct {
	ID                   string
	ConversationID       string
	FromSessionID        string
	ToSessionID          string
	Trigger              string
	TokensBeforeRotation int64
	TokensThreshold      int64
	Strategy             string
	ContextSummaryRef    string
	CompressionRatio     float64
	AgentBefore          string
	AgentAfter           string
	ModelBefore          string
	ModelAfter           string
	PreservedContextKeys []string
	FallbackUsed         bool
	StartedAt            time.Time
	CompletedAt          time.Time
	HandoffMillis        int64
}

// SubagentCall is one external model call.
type SubagentCall struct {
	CallKey             string
	ID                  string
	ConversationID      string
	SessionID           string
	Phase               string
	AgentType           string
	ModelName           string
	ProviderFingerprint string
	PromptRef           string
	ResponseRef         string
	TokensInReserved    int64
	TokensInActual      int64
	TokensOutActual     int64
	CostUSDMicro        int64
	Status              string
	FinishReason        string
	ErrorKind           string
	ErrorMessage        string
	RetryOf             string // previous call's ID, empty for originals
	RetryCount          int
	CorrelationID       string
	SpanID              string
	StartedAt           time.Time
	FinishedAt          time.Time
	LatencyMillis       int64
}

// SessionTokenUsage is one accounting record per external call on a session.
type SessionTokenUsage struct {
	SessionID              string
	TurnID                 int64
	CallKey                string
	TokensIn               int64
	TokensOut              int64
	TokensTotal            int64
	CumulativeTokens       int64
	UtilizationPct         float64
	ActiveGeneration       int64 // captured at call entry, immutable
	GenerationAtCompletion int64
	CreatedAt              time.Time
}

// BudgetReconciliation ties a call's reserved tokens to its actuals.
type BudgetReconciliation struct {
	CallKey        string
	ConversationID string
	TokensReserved int64
	TokensActual   int64
	Delta          int64
	CostUSDMicro   int64
	ReconciledAt   time.Time
}

// PhaseCheckpoint marks a named resumable boundary between pipeline steps.
type PhaseCheckpoint struct {
	ConversationID string
	Phase          string
	Status         string // running or completed
	ContextHash    string
	OutputRef      string
	CreatedAt      time.Time
	CompletedAt    time.Time
}

// Checkpoint statuses.
const (
	CheckpointRunning   = "running"
	CheckpointCompleted = "completed"
)
