package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sibyl/internal/logging"

	"github.com/google/uuid"
)

// GetSession fetches one session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	return scanSession(s.db.QueryRow(sessionSelect+` WHERE id = ?`, id))
}

// ActiveSession returns the conversation's current active session.
func (s *Store) ActiveSession(conversationID string) (*Session, error) {
	return scanSession(s.db.QueryRow(
		sessionSelect+` WHERE conversation_id = ? AND status IN ('active', 'summarizing') ORDER BY session_number DESC LIMIT 1`,
		conversationID))
}

// CountActiveSessions counts live sessions across all conversations. Sampled
// by the active-session gauge at scrape time.
func (s *Store) CountActiveSessions() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE status IN ('active', 'summarizing')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// ListSessions returns all sessions of a conversation in creation order.
func (s *Store) ListSessions(conversationID string) ([]*Session, error) {
	rows, err := s.db.Query(sessionSelect+` WHERE conversation_id = ? ORDER BY session_number`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// MarkSummarizing flips an active session into the summarizing state. The CAS
// on active_generation ensures the trigger fires for a live view of the
// session only; returns false when the session already moved on.
func (s *Store) MarkSummarizing(sessionID string, expectedGen int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE sessions SET status = 'summarizing'
		 WHERE id = ? AND active_generation = ? AND status = 'active' AND rotation_in_progress = 0`,
		sessionID, expectedGen)
	if err != nil {
		return false, fmt.Errorf("mark summarizing: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetSessionSummaryRef records the background summary blob for a session.
func (s *Store) SetSessionSummaryRef(sessionID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE sessions SET context_summary_ref = ? WHERE id = ?`, ref, sessionID)
	return err
}

// UpdatePreservedState replaces the session's preserved-state map. Values are
// primitive strings only; rotation copies this map verbatim to the successor.
func (s *Store) UpdatePreservedState(sessionID string, state map[string]string) error {
	data, err := json.Marshal(orEmptyMap(state))
	if err != nil {
		return fmt.Errorf("marshal preserved state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`UPDATE sessions SET preserved_state_json = ? WHERE id = ?`, string(data), sessionID)
	return err
}

// BeginRotation is step 1 of the rotation swap: the compare-and-set that
// claims the rotation. Exactly one caller can win for a given generation.
func (s *Store) BeginRotation(sessionID string, expectedGen int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE sessions SET rotation_in_progress = 1, status = 'rotating'
		 WHERE id = ? AND active_generation = ? AND rotation_in_progress = 0
		   AND status IN ('active', 'summarizing')`,
		sessionID, expectedGen)
	if err != nil {
		return false, fmt.Errorf("begin rotation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.RotationDebug("Rotation claimed: session=%s gen=%d", sessionID, expectedGen)
	}
	return n > 0, nil
}

// AbortRotation releases a claimed rotation, restoring the given status
// (active to resume, failed when the rotation is being given up on).
func (s *Store) AbortRotation(sessionID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE sessions SET rotation_in_progress = 0, status = ? WHERE id = ?`,
		status, sessionID)
	return err
}

// SwapParams describes the atomic generation swap (steps 2-4 of the rotation
// protocol). BeginRotation must have succeeded for FromSessionID first.
type SwapParams struct {
	ConversationID   string
	FromSessionID    string
	Trigger          string
	Strategy         string
	SummaryRef       string
	CompressionRatio float64
	FallbackUsed     bool
	TokensBefore     int64
	TokensThreshold  int64
	NewTokensBudget  int64
	ModelName        string
	AgentType        string
	PreservedState   map[string]string
	StartedAt        time.Time
}

// CompleteRotationSwap creates the successor session, completes the old one,
// bumps its generation so in-flight calls detect staleness, repoints the
// conversation, and records the rotation event. One transaction; a crash
// either leaves the old session claimed (repairable at boot) or the swap
// fully applied.
func (s *Store) CompleteRotationSwap(p SwapParams) (*Session, *SessionRotation, error) {
	timer := logging.StartTimer(logging.CategoryRotation, "rotation swap")
	defer timer.StopWithThreshold(time.Second)

	from, err := s.GetSession(p.FromSessionID)
	if err != nil {
		return nil, nil, err
	}
	if !from.RotationInProgress {
		return nil, nil, fmt.Errorf("session %s has no claimed rotation", p.FromSessionID)
	}

	toID := uuid.NewString()
	rotID := uuid.NewString()
	now := time.Now().UTC()
	if p.StartedAt.IsZero() {
		p.StartedAt = now
	}
	handoffMs := now.Sub(p.StartedAt).Milliseconds()

	preserved, err := json.Marshal(orEmptyMap(p.PreservedState))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal preserved state: %w", err)
	}
	keys := make([]string, 0, len(p.PreservedState))
	for k := range p.PreservedState {
		keys = append(keys, k)
	}
	keysJSON, _ := json.Marshal(keys)

	budget := p.NewTokensBudget
	if budget <= 0 {
		budget = from.TokensBudget
	}
	model := p.ModelName
	if model == "" {
		model = from.ModelName
	}
	agent := p.AgentType
	if agent == "" {
		agent = from.AgentType
	}

	err = s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO sessions (id, conversation_id, parent_session_id, session_number,
			        active_generation, tokens_budget, summarize_threshold_pct, rotate_threshold_pct,
			        context_summary_ref, preserved_state_json, status, model_name, agent_type)
			 VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, 'active', ?, ?)`,
			toID, from.ConversationID, from.ID, from.SessionNumber+1,
			budget, from.SummarizeThresholdPct, from.RotateThresholdPct,
			p.SummaryRef, string(preserved), model, agent,
		); err != nil {
			return fmt.Errorf("insert successor session: %w", err)
		}

		// Generation bump: any in-flight call that captured the old
		// generation observes the mismatch when it completes.
		if _, err := tx.Exec(
			`UPDATE sessions SET status = 'completed', completed_at = ?, rotation_in_progress = 0,
			        active_generation = active_generation + 1
			 WHERE id = ?`,
			now, from.ID,
		); err != nil {
			return fmt.Errorf("complete rotated session: %w", err)
		}

		if _, err := tx.Exec(
			`UPDATE conversations SET active_session_id = ? WHERE id = ?`,
			toID, from.ConversationID,
		); err != nil {
			return fmt.Errorf("repoint conversation: %w", err)
		}

		if _, err := tx.Exec(
			`INSERT INTO session_rotations (id, conversation_id, from_session_id, to_session_id,
			        "trigger", tokens_before_rotation, tokens_threshold, strategy, context_summary_ref,
			        compression_ratio, agent_before, agent_after, model_before, model_after,
			        preserved_keys_json, fallback_used, started_at, completed_at, handoff_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rotID, from.ConversationID, from.ID, toID,
			p.Trigger, p.TokensBefore, p.TokensThreshold, p.Strategy, p.SummaryRef,
			p.CompressionRatio, from.AgentType, agent, from.ModelName, model,
			string(keysJSON), boolToInt(p.FallbackUsed), p.StartedAt, now, handoffMs,
		); err != nil {
			return fmt.Errorf("insert rotation event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	logging.Rotation("Rotation swap complete: %s -> %s (session %d -> %d, handoff=%dms)",
		from.ID, toID, from.SessionNumber, from.SessionNumber+1, handoffMs)

	to, err := s.GetSession(toID)
	if err != nil {
		return nil, nil, err
	}
	rot, err := s.GetRotation(rotID)
	if err != nil {
		return nil, nil, err
	}
	return to, rot, nil
}

// FailSession marks a session failed and clears any claimed rotation.
func (s *Store) FailSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE sessions SET status = 'failed', rotation_in_progress = 0, completed_at = ? WHERE id = ?`,
		time.Now().UTC(), sessionID)
	return err
}

// AbandonSession marks a leftover active session abandoned (boot repair).
func (s *Store) AbandonSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE sessions SET status = 'abandoned', rotation_in_progress = 0, completed_at = ? WHERE id = ?`,
		time.Now().UTC(), sessionID)
	return err
}

// GetRotation fetches one rotation event.
func (s *Store) GetRotation(id string) (*SessionRotation, error) {
	return scanRotation(s.db.QueryRow(rotationSelect+` WHERE id = ?`, id))
}

// ListRotations returns a conversation's rotation events in order.
func (s *Store) ListRotations(conversationID string) ([]*SessionRotation, error) {
	rows, err := s.db.Query(rotationSelect+` WHERE conversation_id = ? ORDER BY started_at`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list rotations: %w", err)
	}
	defer rows.Close()

	var rotations []*SessionRotation
	for rows.Next() {
		rot, err := scanRotationRows(rows)
		if err != nil {
			return nil, err
		}
		rotations = append(rotations, rot)
	}
	return rotations, rows.Err()
}

const sessionSelect = `SELECT id, conversation_id, parent_session_id, session_number, active_generation,
	rotation_in_progress, tokens_budget, tokens_spent, summarize_threshold_pct, rotate_threshold_pct,
	context_summary_ref, preserved_state_json, status, model_name, agent_type, created_at, completed_at
	FROM sessions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var rotating int
	var preservedJSON string
	var completedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.ConversationID, &sess.ParentSessionID, &sess.SessionNumber,
		&sess.ActiveGeneration, &rotating, &sess.TokensBudget, &sess.TokensSpent,
		&sess.SummarizeThresholdPct, &sess.RotateThresholdPct, &sess.ContextSummaryRef,
		&preservedJSON, &sess.Status, &sess.ModelName, &sess.AgentType, &sess.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.RotationInProgress = rotating != 0
	if completedAt.Valid {
		sess.CompletedAt = completedAt.Time
	}
	if err := json.Unmarshal([]byte(preservedJSON), &sess.PreservedState); err != nil {
		sess.PreservedState = nil
	}
	return &sess, nil
}

func scanSessionRows(rows *sql.Rows) (*Session, error) { return scanSession(rows) }

const rotationSelect = `SELECT id, conversation_id, from_session_id, to_session_id, "trigger",
	tokens_before_rotation, tokens_threshold, strategy, context_summary_ref, compression_ratio,
	agent_before, agent_after, model_before, model_after, preserved_keys_json, fallback_used,
	started_at, completed_at, handoff_ms
	FROM session_rotations`

func scanRotation(row rowScanner) (*SessionRotation, error) {
	var r SessionRotation
	var keysJSON string
	var fallback int
	var completedAt sql.NullTime
	err := row.Scan(&r.ID, &r.ConversationID, &r.FromSessionID, &r.ToSessionID, &r.Trigger,
		&r.TokensBeforeRotation, &r.TokensThreshold, &r.Strategy, &r.ContextSummaryRef,
		&r.CompressionRatio, &r.AgentBefore, &r.AgentAfter, &r.ModelBefore, &r.ModelAfter,
		&keysJSON, &fallback, &r.StartedAt, &completedAt, &r.HandoffMillis)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rotation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan rotation: %w", err)
	}
	r.FallbackUsed = fallback != 0
	if completedAt.Valid {
		r.CompletedAt = completedAt.Time
	}
	if err := json.Unmarshal([]byte(keysJSON), &r.PreservedContextKeys); err != nil {
		r.PreservedContextKeys = nil
	}
	return &r, nil
}

func scanRotationRows(rows *sql.Rows) (*SessionRotation, error) { return scanRotation(rows) }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
