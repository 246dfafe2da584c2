package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CallSpec describes one external model call. The identity fields feed the
// call key; the rest route and bound execution.
type CallSpec struct {
	ConversationID string
	SessionID      string
	Phase          string
	AgentType      string
	Provider       string // gateway handle name
	ModelName      string
	Temperature    float64
	TopP           float64
	SystemPrompt   string
	Seed           int64
	PromptRef      string
	MaxTokens      int64
	EstimateTokens int64 // optional override for the reservation estimate
	UseCache       bool  // consult and fill the memo cache for this call
}

// callIdentity is the canonical serialization behind the call key. Field
// order matches sorted JSON key order so the encoding is canonical.
type callIdentity struct {
	AgentType      string  `json:"agent_type"`
	ConversationID string  `json:"conversation_id"`
	ModelName      string  `json:"model_name"`
	Phase          string  `json:"phase"`
	PromptRef      string  `json:"prompt_ref"`
	RetryCount     int     `json:"retry_count"`
	Seed           int64   `json:"seed"`
	SystemPrompt   string  `json:"system_prompt"`
	Temperature    float64 `json:"temperature"`
	TopP           float64 `json:"top_p"`
}

// ComputeCallKey derives the idempotency key for one attempt of a call:
// lowercase hex SHA-256 over the canonical JSON of the identity fields.
// Retries are distinct attempts, so retry count participates.
func ComputeCallKey(spec CallSpec, retryCount int) string {
	id := callIdentity{
		AgentType:      spec.AgentType,
		ConversationID: spec.ConversationID,
		ModelName:      spec.ModelName,
		Phase:          spec.Phase,
		PromptRef:      spec.PromptRef,
		RetryCount:     retryCount,
		Seed:           spec.Seed,
		SystemPrompt:   spec.SystemPrompt,
		Temperature:    spec.Temperature,
		TopP:           spec.TopP,
	}
	payload, _ := json.Marshal(id)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
