package transfer

import (
	"context"
	"fmt"

	"github.com/italolelis/cloudsdk/internal/cloud"
	"github.com/italolelis/cloudsdk/internal/logctx"
	"github.com/italolelis/cloudsdk/internal/session"
)

// ResumeBackgroundEvents reconciles the restored transfers of a background
// session with the tasks the session still knows:
//
//   - a completed task has its stored result replayed,
//   - a running task is reattached and the transfer stays transferring,
//   - a task the session does not know anymore fails its transfer as lost.
//
// Completed tasks that belong to no transfer are acknowledged. Calling it
// again for the same session does nothing new. completion runs once the
// session is reconciled.
func (m *Manager) ResumeBackgroundEvents(ctx context.Context, sessionID string, completion func()) error {
	t, ok := m.transports[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}

	logger := logctx.LoggerFromContext(ctx).With("session_id", sessionID)

	if !t.Background() {
		m.reconciled(sessionID)

		if completion != nil {
			completion()
		}

		return nil
	}

	tasks, err := t.Tasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tasks of session %s: %w", sessionID, err)
	}

	byID := make(map[uint64]session.TaskInfo, len(tasks))
	for _, info := range tasks {
		byID[info.ID] = info
	}

	var (
		replay           []session.Result
		orphans          []uint64
		lost, reattached int
	)

	m.mu.Lock()

	for key, id := range m.awaiting {
		if key.sessionID != sessionID {
			continue
		}

		info, found := byID[key.taskID]

		switch {
		case found && info.State == session.TaskCompleted && info.Result != nil:
			res := *info.Result
			res.SessionID, res.TaskID, res.Kind = sessionID, info.ID, info.Kind
			replay = append(replay, res)
		case found && info.State == session.TaskRunning:
			delete(m.awaiting, key)
			reattached++
		default:
			rec := m.records[id]
			cancelled := rec.op != nil && rec.op.State() == OperationCancelled

			m.dropOpLocked(rec)

			if cancelled || rec.cancelled {
				m.finalizeLocked(rec, StateCancelled, nil)
			} else {
				m.finalizeLocked(rec, StateFailed, cloud.NewError(cloud.KindLostTransfer, "resume_background_events",
					fmt.Sprintf("task %d is unknown to session %s", key.taskID, sessionID)))
			}

			lost++
		}
	}

	for _, info := range tasks {
		key := taskKey{sessionID: sessionID, taskID: info.ID}
		if _, owned := m.ops[key]; !owned && info.State == session.TaskCompleted {
			orphans = append(orphans, info.ID)
		}
	}

	starts := m.admitLocked()

	if lost > 0 {
		m.persistLocked()
	}

	m.mu.Unlock()

	m.launch(starts)

	for _, res := range replay {
		m.completed(res)
	}

	for _, taskID := range orphans {
		if err := t.Acknowledge(ctx, taskID); err != nil {
			logger.WarnContext(ctx, "failed to acknowledge orphaned task", "task_id", taskID, "err", err)
		}
	}

	m.reconciled(sessionID)

	logger.InfoContext(ctx, "background session reconciled",
		"replayed", len(replay), "reattached", reattached, "lost", lost, "orphaned", len(orphans))

	if completion != nil {
		completion()
	}

	return nil
}

// reconciled marks a session as reconciled and releases the listings once
// every restored session is.
func (m *Manager) reconciled(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.reconciling[sessionID] {
		return
	}

	delete(m.reconciling, sessionID)

	if len(m.reconciling) == 0 {
		close(m.ready)
	}
}
