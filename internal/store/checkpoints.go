package store

import (
	"database/sql"
	"fmt"
	"time"

	"sibyl/internal/logging"
)

// BeginCheckpoint opens (or re-opens) a phase checkpoint in the running state.
// Re-running a failed phase reuses the row.
func (s *Store) BeginCheckpoint(conversationID, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO phase_checkpoints (conversation_id, phase, status)
		 VALUES (?, ?, 'running')
		 ON CONFLICT(conversation_id, phase) DO UPDATE SET status = 'running', completed_at = NULL`,
		conversationID, phase)
	if err != nil {
		return fmt.Errorf("begin checkpoint %s/%s: %w", conversationID, phase, err)
	}
	return nil
}

// CompleteCheckpoint marks a phase completed with its replay anchor.
func (s *Store) CompleteCheckpoint(conversationID, phase, contextHash, outputRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE phase_checkpoints SET status = 'completed', context_hash = ?, output_ref = ?, completed_at = ?
		 WHERE conversation_id = ? AND phase = ?`,
		contextHash, outputRef, time.Now().UTC(), conversationID, phase)
	if err != nil {
		return fmt.Errorf("complete checkpoint %s/%s: %w", conversationID, phase, err)
	}
	logging.StoreDebug("Checkpoint completed: %s/%s hash=%s", conversationID, phase, contextHash)
	return nil
}

// GetCheckpoint returns a phase checkpoint, or (nil, nil) when absent.
func (s *Store) GetCheckpoint(conversationID, phase string) (*PhaseCheckpoint, error) {
	row := s.db.QueryRow(
		`SELECT conversation_id, phase, status, context_hash, output_ref, created_at, completed_at
		 FROM phase_checkpoints WHERE conversation_id = ? AND phase = ?`,
		conversationID, phase)

	var cp PhaseCheckpoint
	var completedAt sql.NullTime
	err := row.Scan(&cp.ConversationID, &cp.Phase, &cp.Status, &cp.ContextHash, &cp.OutputRef,
		&cp.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	if completedAt.Valid {
		cp.CompletedAt = completedAt.Time
	}
	return &cp, nil
}

// ListCheckpoints returns all checkpoints for a conversation in creation order.
func (s *Store) ListCheckpoints(conversationID string) ([]*PhaseCheckpoint, error) {
	rows, err := s.db.Query(
		`SELECT conversation_id, phase, status, context_hash, output_ref, created_at, completed_at
		 FROM phase_checkpoints WHERE conversation_id = ? ORDER BY created_at, phase`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*PhaseCheckpoint
	for rows.Next() {
		var cp PhaseCheckpoint
		var completedAt sql.NullTime
		if err := rows.Scan(&cp.ConversationID, &cp.Phase, &cp.Status, &cp.ContextHash,
			&cp.OutputRef, &cp.CreatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if completedAt.Valid {
			cp.CompletedAt = completedAt.Time
		}
		cps = append(cps, &cp)
	}
	return cps, rows.Err()
}

// LastCompletedCheckpoint returns the most recently completed phase, or nil.
func (s *Store) LastCompletedCheckpoint(conversationID string) (*PhaseCheckpoint, error) {
	cps, err := s.ListCheckpoints(conversationID)
	if err != nil {
		return nil, err
	}
	var last *PhaseCheckpoint
	for _, cp := range cps {
		if cp.Status == CheckpointCompleted {
			last = cp
		}
	}
	return last, nil
}
