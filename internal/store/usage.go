package store

import (
	"database/sql"
	"fmt"

	"sibyl/internal/logging"
)

// RecordUsage appends one token-usage record to a session, assigning the next
// turn_id, accumulating the session's cumulative token count, and updating the
// session's tokens_spent. Returns the full record including the computed
// utilization so the session manager can evaluate its thresholds.
func (s *Store) RecordUsage(sessionID, callKey string, tokensIn, tokensOut, activeGeneration int64) (*SessionTokenUsage, error) {
	var rec SessionTokenUsage
	err := s.withTx(func(tx *sql.Tx) error {
		var budget int64
		if err := tx.QueryRow(`SELECT tokens_budget FROM sessions WHERE id = ?`, sessionID).Scan(&budget); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("session %s not found", sessionID)
			}
			return fmt.Errorf("load session budget: %w", err)
		}

		var lastTurn, cumulative int64
		err := tx.QueryRow(
			`SELECT turn_id, cumulative_tokens FROM session_token_usage
			 WHERE session_id = ? ORDER BY turn_id DESC LIMIT 1`, sessionID).
			Scan(&lastTurn, &cumulative)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("load last usage turn: %w", err)
		}

		total := tokensIn + tokensOut
		rec = SessionTokenUsage{
			SessionID:        sessionID,
			TurnID:           lastTurn + 1,
			CallKey:          callKey,
			TokensIn:         tokensIn,
			TokensOut:        tokensOut,
			TokensTotal:      total,
			CumulativeTokens: cumulative + total,
			ActiveGeneration: activeGeneration,
		}
		if budget > 0 {
			rec.UtilizationPct = float64(rec.CumulativeTokens) / float64(budget) * 100
		}

		if _, err := tx.Exec(
			`INSERT INTO session_token_usage (session_id, turn_id, call_key, tokens_in, tokens_out,
			        tokens_total, cumulative_tokens, utilization_pct, active_generation)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.SessionID, rec.TurnID, rec.CallKey, rec.TokensIn, rec.TokensOut,
			rec.TokensTotal, rec.CumulativeTokens, rec.UtilizationPct, rec.ActiveGeneration,
		); err != nil {
			return fmt.Errorf("insert usage: %w", err)
		}

		if _, err := tx.Exec(
			`UPDATE sessions SET tokens_spent = ? WHERE id = ?`,
			rec.CumulativeTokens, sessionID,
		); err != nil {
			return fmt.Errorf("update session spend: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.StoreDebug("Usage recorded: session=%s turn=%d total=%d cumulative=%d util=%.1f%%",
		sessionID, rec.TurnID, rec.TokensTotal, rec.CumulativeTokens, rec.UtilizationPct)
	return &rec, nil
}

// SetUsageCompletionGeneration stamps the generation observed when the call
// finished. The entry-time active_generation column is never modified.
func (s *Store) SetUsageCompletionGeneration(sessionID string, turnID, generation int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE session_token_usage SET generation_at_completion = ? WHERE session_id = ? AND turn_id = ?`,
		generation, sessionID, turnID)
	return err
}

// ListUsage returns a session's usage records in turn order.
func (s *Store) ListUsage(sessionID string) ([]*SessionTokenUsage, error) {
	rows, err := s.db.Query(
		`SELECT session_id, turn_id, call_key, tokens_in, tokens_out, tokens_total,
		        cumulative_tokens, utilization_pct, active_generation, generation_at_completion, created_at
		 FROM session_token_usage WHERE session_id = ? ORDER BY turn_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var usage []*SessionTokenUsage
	for rows.Next() {
		var u SessionTokenUsage
		if err := rows.Scan(&u.SessionID, &u.TurnID, &u.CallKey, &u.TokensIn, &u.TokensOut,
			&u.TokensTotal, &u.CumulativeTokens, &u.UtilizationPct, &u.ActiveGeneration,
			&u.GenerationAtCompletion, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		usage = append(usage, &u)
	}
	return usage, rows.Err()
}

// UsageAggregate sums token usage by model for a conversation (status view).
type UsageAggregate struct {
	ModelName    string
	Calls        int64
	TokensIn     int64
	TokensOut    int64
	CostUSDMicro int64
}

// AggregateUsageByModel sums succeeded-call token usage per model.
func (s *Store) AggregateUsageByModel(conversationID string) ([]UsageAggregate, error) {
	rows, err := s.db.Query(
		`SELECT model_name, COUNT(*), COALESCE(SUM(tokens_in_actual), 0),
		        COALESCE(SUM(tokens_out_actual), 0), COALESCE(SUM(cost_usd_micro), 0)
		 FROM subagent_calls
		 WHERE conversation_id = ? AND status = 'succeeded'
		 GROUP BY model_name ORDER BY model_name`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	defer rows.Close()

	var aggs []UsageAggregate
	for rows.Next() {
		var a UsageAggregate
		if err := rows.Scan(&a.ModelName, &a.Calls, &a.TokensIn, &a.TokensOut, &a.CostUSDMicro); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}
