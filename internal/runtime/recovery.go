package runtime

import (
	"time"

	"sibyl/internal/fault"
	"sibyl/internal/logging"
	"sibyl/internal/store"
)

// RecoveryReport summarizes one boot-time integrity pass.
type RecoveryReport struct {
	StuckRotationsRepaired int
	OrphanRotationsDeleted int
	AbandonedSessions      int
	SpendReconciled        int
	RunningConversations   []string
	CrashedConversations   []string
}

// Clean reports whether the pass found nothing to repair.
func (r RecoveryReport) Clean() bool {
	return r.StuckRotationsRepaired == 0 && r.OrphanRotationsDeleted == 0 &&
		r.AbandonedSessions == 0 && r.SpendReconciled == 0 && len(r.CrashedConversations) == 0
}

// Recover runs the boot integrity pass: it force-completes rotations stuck
// past the timeout with a restart successor, deletes orphaned rotation
// events, abandons active sessions of terminal conversations, and rewrites
// drifted spend counters from reconciled actuals.
//
// Conversations still marked running are reported; with markCrashed they are
// also moved to the crashed terminal status (doctor mode). A run that intends
// to resume must leave them running.
func (rt *Runtime) Recover(markCrashed bool) (RecoveryReport, error) {
	var report RecoveryReport
	log := logging.Get(logging.CategoryIntegrity)
	timeout := time.Duration(rt.Config.Session.RotationTimeoutSecs) * time.Second

	stuck, err := rt.Store.StuckRotations(timeout)
	if err != nil {
		return report, fault.Wrap(fault.KindIntegrityViolation, "runtime.recover", err)
	}
	for _, s := range stuck {
		if err := rt.repairStuckRotation(s); err != nil {
			log.Error("Stuck rotation repair failed: session=%s err=%v", s.SessionID, err)
			continue
		}
		report.StuckRotationsRepaired++
		rt.Metrics.IntegrityTotal.WithLabelValues("stuck_rotation").Inc()
	}

	orphans, err := rt.Store.OrphanedRotations()
	if err != nil {
		return report, fault.Wrap(fault.KindIntegrityViolation, "runtime.recover", err)
	}
	for _, id := range orphans {
		if err := rt.Store.DeleteRotation(id); err != nil {
			log.Error("Orphan rotation delete failed: id=%s err=%v", id, err)
			continue
		}
		report.OrphanRotationsDeleted++
		rt.Metrics.IntegrityTotal.WithLabelValues("orphaned_rotation").Inc()
	}

	abandoned, err := rt.Store.AbandonedActiveSessions()
	if err != nil {
		return report, fault.Wrap(fault.KindIntegrityViolation, "runtime.recover", err)
	}
	for _, a := range abandoned {
		if err := rt.Store.AbandonSession(a.SessionID); err != nil {
			log.Error("Abandon session failed: session=%s err=%v", a.SessionID, err)
			continue
		}
		report.AbandonedSessions++
		rt.Metrics.IntegrityTotal.WithLabelValues("abandoned_session").Inc()
	}

	mismatches, err := rt.Store.TokenMismatches()
	if err != nil {
		return report, fault.Wrap(fault.KindIntegrityViolation, "runtime.recover", err)
	}
	for _, m := range mismatches {
		if err := rt.Store.ReconcileSpentFromUsage(m.ConversationID); err != nil {
			log.Error("Spend reconcile failed: conversation=%s err=%v", m.ConversationID, err)
			continue
		}
		log.Warn("Spend drift repaired: conversation=%s recorded=%d reconciled=%d",
			m.ConversationID, m.Recorded, m.Reconciled)
		report.SpendReconciled++
		rt.Metrics.IntegrityTotal.WithLabelValues("token_mismatch").Inc()
	}

	running, err := rt.Store.RunningConversations()
	if err != nil {
		return report, fault.Wrap(fault.KindIntegrityViolation, "runtime.recover", err)
	}
	report.RunningConversations = running
	if markCrashed {
		for _, id := range running {
			moved, err := rt.Store.FinishConversation(id, store.ConversationCrashed)
			if err != nil {
				log.Error("Crash transition failed: conversation=%s err=%v", id, err)
				continue
			}
			if moved {
				report.CrashedConversations = append(report.CrashedConversations, id)
				rt.Metrics.IntegrityTotal.WithLabelValues("crashed_conversation").Inc()
			}
		}
	}

	if report.Clean() {
		logging.Get(logging.CategoryBoot).Info("Integrity pass clean")
	} else {
		logging.Get(logging.CategoryBoot).Info(
			"Integrity pass: stuck=%d orphans=%d abandoned=%d reconciled=%d crashed=%d",
			report.StuckRotationsRepaired, report.OrphanRotationsDeleted,
			report.AbandonedSessions, report.SpendReconciled, len(report.CrashedConversations))
	}
	return report, nil
}

// repairStuckRotation resolves a session stranded mid-rotation by a crash.
// A claimed swap is force-completed with a restart successor so the
// conversation regains an active session; a stale summarizing session is
// simply reactivated.
func (rt *Runtime) repairStuckRotation(s store.StuckRotation) error {
	sess, err := rt.Store.GetSession(s.SessionID)
	if err != nil {
		return err
	}

	if !sess.RotationInProgress {
		return rt.Store.AbortRotation(sess.ID, store.SessionActive)
	}

	_, _, err = rt.Store.CompleteRotationSwap(store.SwapParams{
		ConversationID: sess.ConversationID,
		FromSessionID:  sess.ID,
		Trigger:        store.TriggerForced,
		Strategy:       store.StrategyRestart,
		FallbackUsed:   true,
		TokensBefore:   sess.TokensSpent,
		PreservedState: sess.PreservedState,
	})
	if err != nil {
		// Give up on the session rather than leaving it claimed forever.
		rt.Store.FailSession(sess.ID)
		return err
	}
	logging.Get(logging.CategoryIntegrity).Warn(
		"Force-completed stuck rotation: session=%s conversation=%s", sess.ID, sess.ConversationID)
	return nil
}
