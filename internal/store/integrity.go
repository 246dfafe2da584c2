package store

import (
	"fmt"
	"time"
)

// Boot-time integrity queries. The SQL views bake in the default thresholds;
// parameterized variants exist where the runtime needs a configurable cutoff.

// StuckRotation is a session left in summarizing/rotating past the timeout.
type StuckRotation struct {
	SessionID      string
	ConversationID string
	Status         string
}

// StuckRotations returns sessions stuck mid-rotation longer than maxAge.
func (s *Store) StuckRotations(maxAge time.Duration) ([]StuckRotation, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, status FROM sessions
		 WHERE status IN ('summarizing', 'rotating')
		   AND (julianday('now') - julianday(created_at)) * 86400 > ?
		   AND completed_at IS NULL`,
		maxAge.Seconds())
	if err != nil {
		return nil, fmt.Errorf("query stuck rotations: %w", err)
	}
	defer rows.Close()

	var stuck []StuckRotation
	for rows.Next() {
		var r StuckRotation
		if err := rows.Scan(&r.SessionID, &r.ConversationID, &r.Status); err != nil {
			return nil, fmt.Errorf("scan stuck rotation: %w", err)
		}
		stuck = append(stuck, r)
	}
	return stuck, rows.Err()
}

// OrphanedRotations returns rotation event ids whose successor session row
// does not exist (a crash between steps of a non-atomic legacy writer).
func (s *Store) OrphanedRotations() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM v_orphaned_rotations`)
	if err != nil {
		return nil, fmt.Errorf("query orphaned rotations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteRotation removes an orphaned rotation event.
func (s *Store) DeleteRotation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM session_rotations WHERE id = ?`, id)
	return err
}

// AbandonedActiveSession is an active session on a terminal conversation.
type AbandonedActiveSession struct {
	SessionID      string
	ConversationID string
}

// AbandonedActiveSessions lists active sessions whose conversation already
// reached a terminal status.
func (s *Store) AbandonedActiveSessions() ([]AbandonedActiveSession, error) {
	rows, err := s.db.Query(`SELECT session_id, conversation_id FROM v_abandoned_active_sessions`)
	if err != nil {
		return nil, fmt.Errorf("query abandoned sessions: %w", err)
	}
	defer rows.Close()

	var out []AbandonedActiveSession
	for rows.Next() {
		var a AbandonedActiveSession
		if err := rows.Scan(&a.SessionID, &a.ConversationID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TokenMismatch reports a conversation whose recorded spend drifted from the
// sum of reconciled actuals beyond the documented tolerance.
type TokenMismatch struct {
	ConversationID string
	Recorded       int64
	Reconciled     int64
	Drift          int64
}

// TokenMismatches returns terminal conversations with accounting drift > 100
// tokens (the tolerance in the budget invariant).
func (s *Store) TokenMismatches() ([]TokenMismatch, error) {
	rows, err := s.db.Query(`SELECT conversation_id, recorded, reconciled, drift FROM v_token_mismatch`)
	if err != nil {
		return nil, fmt.Errorf("query token mismatches: %w", err)
	}
	defer rows.Close()

	var out []TokenMismatch
	for rows.Next() {
		var m TokenMismatch
		if err := rows.Scan(&m.ConversationID, &m.Recorded, &m.Reconciled, &m.Drift); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReconcileSpentFromUsage rewrites a conversation's tokens_spent from the sum
// of its reconciled call actuals. Used by boot repair when drift exceeds
// tolerance.
func (s *Store) ReconcileSpentFromUsage(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE conversations
		 SET tokens_spent = (SELECT COALESCE(SUM(tokens_actual), 0)
		                     FROM budget_reconciliation WHERE conversation_id = ?)
		 WHERE id = ?`,
		conversationID, conversationID)
	if err != nil {
		return fmt.Errorf("reconcile spend for %s: %w", conversationID, err)
	}
	return nil
}

// RunningConversations lists conversations still marked running (boot scan).
func (s *Store) RunningConversations() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM conversations WHERE status = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("query running conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
