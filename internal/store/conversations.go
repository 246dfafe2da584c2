package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sibyl/internal/logging"

	"github.com/google/uuid"
)

// NewConversationParams describes the atomic creation of a conversation, its
// pinned config snapshot, and its initial session.
type NewConversationParams struct {
	WorkflowType          string
	TokenBudget           int64
	ConfigVersion         string
	ConfigJSON            string
	Tags                  map[string]string
	ModelName             string
	AgentType             string
	SessionTokensBudget   int64
	SummarizeThresholdPct float64
	RotateThresholdPct    float64
}

// CreateConversation atomically creates the conversation row, pins the config
// snapshot, and opens the initial active session (session_number=1).
func (s *Store) CreateConversation(p NewConversationParams) (*Conversation, *Session, error) {
	if p.TokenBudget <= 0 {
		return nil, nil, fmt.Errorf("token budget must be positive, got %d", p.TokenBudget)
	}
	if p.SessionTokensBudget <= 0 {
		p.SessionTokensBudget = p.TokenBudget
	}
	if p.SummarizeThresholdPct <= 0 {
		p.SummarizeThresholdPct = 60
	}
	if p.RotateThresholdPct <= 0 {
		p.RotateThresholdPct = 70
	}

	convID := uuid.NewString()
	sessID := uuid.NewString()
	tagsJSON, err := json.Marshal(orEmptyMap(p.Tags))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal tags: %w", err)
	}

	err = s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO config_snapshots (config_version, payload_json) VALUES (?, ?)`,
			p.ConfigVersion, p.ConfigJSON,
		); err != nil {
			return fmt.Errorf("insert config snapshot: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO conversations (id, workflow_type, status, token_budget, config_version, active_session_id, tags_json)
			 VALUES (?, ?, 'running', ?, ?, ?, ?)`,
			convID, p.WorkflowType, p.TokenBudget, p.ConfigVersion, sessID, string(tagsJSON),
		); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO sessions (id, conversation_id, session_number, tokens_budget,
			        summarize_threshold_pct, rotate_threshold_pct, status, model_name, agent_type)
			 VALUES (?, ?, 1, ?, ?, ?, 'active', ?, ?)`,
			sessID, convID, p.SessionTokensBudget, p.SummarizeThresholdPct, p.RotateThresholdPct,
			p.ModelName, p.AgentType,
		); err != nil {
			return fmt.Errorf("insert initial session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	logging.Store("Conversation created: %s (workflow=%s, budget=%d tokens)", convID, p.WorkflowType, p.TokenBudget)

	conv, err := s.GetConversation(convID)
	if err != nil {
		return nil, nil, err
	}
	sess, err := s.GetSession(sessID)
	if err != nil {
		return nil, nil, err
	}
	return conv, sess, nil
}

// GetConversation fetches one conversation by id.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	row := s.db.QueryRow(
		`SELECT id, workflow_type, status, token_budget, tokens_spent, cost_usd_micro,
		        context_hash, config_version, active_session_id, tags_json, started_at, finished_at
		 FROM conversations WHERE id = ?`, id)

	var c Conversation
	var tagsJSON string
	var finishedAt sql.NullTime
	err := row.Scan(&c.ID, &c.WorkflowType, &c.Status, &c.TokenBudget, &c.TokensSpent,
		&c.CostUSDMicro, &c.ContextHash, &c.ConfigVersion, &c.ActiveSessionID, &tagsJSON,
		&c.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation %s: %w", id, err)
	}
	if finishedAt.Valid {
		c.FinishedAt = finishedAt.Time
	}
	if err := json.Unmarshal([]byte(tagsJSON), &c.Tags); err != nil {
		c.Tags = nil
	}
	return &c, nil
}

// FinishConversation moves a running conversation to a terminal status.
// The guard on status='running' makes the terminal transition exactly-once;
// a second caller gets false.
func (s *Store) FinishConversation(id, status string) (bool, error) {
	switch status {
	case ConversationCompleted, ConversationFailed, ConversationCancelled, ConversationCrashed:
	default:
		return false, fmt.Errorf("not a terminal status: %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE conversations SET status = ?, finished_at = ? WHERE id = ? AND status = 'running'`,
		status, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("finish conversation %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("Conversation %s finished: %s", id, status)
	}
	return n > 0, nil
}

// SetContextHash records the replay anchor for the conversation.
func (s *Store) SetContextHash(id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE conversations SET context_hash = ? WHERE id = ?`, hash, id)
	return err
}

// GetConfigSnapshot returns the immutable config JSON for a version.
func (s *Store) GetConfigSnapshot(version string) (string, error) {
	var payload string
	err := s.db.QueryRow(
		`SELECT payload_json FROM config_snapshots WHERE config_version = ?`, version).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("config snapshot %s not found", version)
	}
	return payload, err
}

// ReserveTokens atomically charges an estimate against the conversation
// budget. Returns false when the reservation would exceed token_budget.
func (s *Store) ReserveTokens(conversationID string, estimate int64) (bool, error) {
	if estimate < 0 {
		return false, fmt.Errorf("negative reservation: %d", estimate)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE conversations SET tokens_spent = tokens_spent + ?
		 WHERE id = ? AND status = 'running' AND tokens_spent + ? <= token_budget`,
		estimate, conversationID, estimate)
	if err != nil {
		return false, fmt.Errorf("reserve tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseTokens refunds an unused reservation.
func (s *Store) ReleaseTokens(conversationID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE conversations SET tokens_spent = MAX(0, tokens_spent - ?) WHERE id = ?`,
		amount, conversationID)
	if err != nil {
		return fmt.Errorf("release tokens: %w", err)
	}
	return nil
}

// ApplyReconciliation converts a reservation into actuals: it writes the
// reconciliation row and adjusts the conversation's counters by the delta.
// Idempotent by call_key; returns false when the call was already reconciled.
func (s *Store) ApplyReconciliation(rec BudgetReconciliation) (bool, error) {
	applied := false
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT OR IGNORE INTO budget_reconciliation
			 (call_key, conversation_id, tokens_reserved, tokens_actual, delta, cost_usd_micro)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.CallKey, rec.ConversationID, rec.TokensReserved, rec.TokensActual,
			rec.TokensActual-rec.TokensReserved, rec.CostUSDMicro)
		if err != nil {
			return fmt.Errorf("insert reconciliation: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil // already reconciled
		}
		applied = true
		if _, err := tx.Exec(
			`UPDATE conversations
			 SET tokens_spent = MAX(0, tokens_spent + ?), cost_usd_micro = cost_usd_micro + ?
			 WHERE id = ?`,
			rec.TokensActual-rec.TokensReserved, rec.CostUSDMicro, rec.ConversationID); err != nil {
			return fmt.Errorf("apply reconciliation delta: %w", err)
		}
		return nil
	})
	return applied, err
}

// BudgetTotals returns the spent/budget/cost counters for a conversation.
func (s *Store) BudgetTotals(conversationID string) (spent, budget, costMicro int64, err error) {
	err = s.db.QueryRow(
		`SELECT tokens_spent, token_budget, cost_usd_micro FROM conversations WHERE id = ?`,
		conversationID).Scan(&spent, &budget, &costMicro)
	if err == sql.ErrNoRows {
		err = fmt.Errorf("conversation %s not found", conversationID)
	}
	return
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
