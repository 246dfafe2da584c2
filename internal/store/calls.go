package store

import (
	"database/sql"
	"fmt"
	"time"

	"sibyl/internal/logging"
)

// InsertCall records a new subagent call in the queued state. call_key is the
// primary key; inserting a duplicate key is an error (callers consult
// GetCallByKey first for idempotent submission).
func (s *Store) InsertCall(c *SubagentCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO subagent_calls (call_key, id, conversation_id, session_id, phase, agent_type,
		        model_name, provider_fingerprint, prompt_ref, tokens_in_reserved, status,
		        retry_of, retry_count, correlation_id, span_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'queued', ?, ?, ?, ?)`,
		c.CallKey, c.ID, c.ConversationID, c.SessionID, c.Phase, c.AgentType,
		c.ModelName, c.ProviderFingerprint, c.PromptRef, c.TokensInReserved,
		c.RetryOf, c.RetryCount, c.CorrelationID, c.SpanID)
	if err != nil {
		return fmt.Errorf("insert call %s: %w", c.CallKey, err)
	}
	logging.StoreDebug("Call inserted: key=%s phase=%s retry=%d", c.CallKey, c.Phase, c.RetryCount)
	return nil
}

// MarkCallRunning transitions a queued call to running.
func (s *Store) MarkCallRunning(callKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE subagent_calls SET status = 'running', started_at = ? WHERE call_key = ? AND status = 'queued'`,
		time.Now().UTC(), callKey)
	return err
}

// CallOutcome carries the terminal result of a call.
type CallOutcome struct {
	Status              string
	ResponseRef         string
	ProviderFingerprint string
	TokensInActual      int64
	TokensOutActual     int64
	CostUSDMicro        int64
	FinishReason        string
	ErrorKind           string
	ErrorMessage        string
	LatencyMillis       int64
}

// FinishCall records a call's terminal state.
func (s *Store) FinishCall(callKey string, out CallOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE subagent_calls
		 SET status = ?, response_ref = ?, provider_fingerprint = ?, tokens_in_actual = ?,
		     tokens_out_actual = ?, cost_usd_micro = ?, finish_reason = ?, error_kind = ?,
		     error_message = ?, latency_ms = ?, finished_at = ?
		 WHERE call_key = ?`,
		out.Status, out.ResponseRef, out.ProviderFingerprint, out.TokensInActual,
		out.TokensOutActual, out.CostUSDMicro, out.FinishReason, out.ErrorKind,
		out.ErrorMessage, out.LatencyMillis, time.Now().UTC(), callKey)
	if err != nil {
		return fmt.Errorf("finish call %s: %w", callKey, err)
	}
	return nil
}

// GetCallByKey fetches a call by its idempotency key. Returns (nil, nil) when
// no row exists, so the scheduler can distinguish miss from failure.
func (s *Store) GetCallByKey(callKey string) (*SubagentCall, error) {
	call, err := scanCall(s.db.QueryRow(callSelect+` WHERE call_key = ?`, callKey))
	if err == errCallNotFound {
		return nil, nil
	}
	return call, err
}

// ListCalls returns a conversation's calls ordered by insertion.
func (s *Store) ListCalls(conversationID string) ([]*SubagentCall, error) {
	rows, err := s.db.Query(callSelect+` WHERE conversation_id = ? ORDER BY rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var calls []*SubagentCall
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// CountCalls returns how many call attempts the conversation has recorded,
// regardless of status. Backs the max_requests budget cap.
func (s *Store) CountCalls(conversationID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM subagent_calls WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count calls: %w", err)
	}
	return n, nil
}

const callSelect = `SELECT call_key, id, conversation_id, session_id, phase, agent_type, model_name,
	provider_fingerprint, prompt_ref, response_ref, tokens_in_reserved, tokens_in_actual,
	tokens_out_actual, cost_usd_micro, status, finish_reason, error_kind, error_message,
	retry_of, retry_count, correlation_id, span_id, started_at, finished_at, latency_ms
	FROM subagent_calls`

var errCallNotFound = fmt.Errorf("call not found")

func scanCall(row rowScanner) (*SubagentCall, error) {
	var c SubagentCall
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&c.CallKey, &c.ID, &c.ConversationID, &c.SessionID, &c.Phase, &c.AgentType,
		&c.ModelName, &c.ProviderFingerprint, &c.PromptRef, &c.ResponseRef, &c.TokensInReserved,
		&c.TokensInActual, &c.TokensOutActual, &c.CostUSDMicro, &c.Status, &c.FinishReason,
		&c.ErrorKind, &c.ErrorMessage, &c.RetryOf, &c.RetryCount, &c.CorrelationID, &c.SpanID,
		&startedAt, &finishedAt, &c.LatencyMillis)
	if err == sql.ErrNoRows {
		return nil, errCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan call: %w", err)
	}
	if startedAt.Valid {
		c.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		c.FinishedAt = finishedAt.Time
	}
	return &c, nil
}
