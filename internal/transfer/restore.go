package transfer

import (
	"context"
	"fmt"

	"github.com/italolelis/cloudsdk/internal/cloud"
	"github.com/italolelis/cloudsdk/internal/logctx"
)

// restoreLocked loads the persisted snapshot.
//
// Pending transfers go back to their lane. A transferring transfer whose task
// runs on a background transport waits for ResumeBackgroundEvents. Tasks of
// foreground transports died with the previous process, so those transfers
// fail as lost. A transferring transfer without a task had not started its
// next task yet and is queued again.
func (m *Manager) restoreLocked(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	stored, err := m.repo.GetTransfers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load transfers: %w", err)
	}

	for _, tr := range stored {
		rec, err := recordFromStorage(tr)
		if err != nil {
			logger.Warn("dropping unreadable transfer", "transfer_id", tr.ID, "err", err)

			continue
		}

		if _, ok := m.records[rec.id]; ok {
			continue
		}

		m.records[rec.id] = rec
		m.order = append(m.order, rec.id)

		l := laneFor(rec.priority)

		switch rec.state {
		case StateFinished, StateFailed:
			rec.done <- Result{Snapshot: rec.snapshot(), Err: rec.err}
		case StateCancelled:
			close(rec.done)
		case StateSuspended:
		case StatePending:
			m.queue.push(l, rec.id)
		case StateTransferring:
			m.restoreTransferringLocked(rec, l)
		default:
			logger.Warn("transfer in unknown state, marking as failed", "transfer_id", rec.id, "state", rec.state)

			rec.state = StateTransferring
			m.finalizeLocked(rec, StateFailed, cloud.NewError(cloud.KindUnknown, "restore", "unknown state "+string(tr.State)))
		}
	}

	if len(m.reconciling) == 0 {
		close(m.ready)
	}

	logger.Info("transfers restored", "count", len(m.order), "queued", m.queue.waiting(), "awaiting_reconciliation", len(m.awaiting))

	return nil
}

func (m *Manager) restoreTransferringLocked(rec *record, l lane) {
	t, known := m.transports[rec.sessionID]

	switch {
	case rec.taskID != 0 && known && t.Background():
		op := newOperation(rec, rec.sessionID, l)
		op.execute(rec.taskID)

		if rec.typ == TypeUpload {
			op.Offset = rec.chunkOffset
			op.Length = chunkLength(rec.bytesTotal, rec.chunkOffset, m.chunkSize())
		}

		m.queue.acquire(l)
		m.setActiveLocked(rec, true)
		rec.op = op
		m.ops[op.key()] = op
		m.awaiting[op.key()] = rec.id
		m.reconciling[rec.sessionID] = true
	case rec.taskID != 0 || !known:
		rec.taskID = 0
		m.finalizeLocked(rec, StateFailed, cloud.NewError(cloud.KindLostTransfer, "restore",
			fmt.Sprintf("task of session %s did not survive the restart", rec.sessionID)))
	default:
		rec.state = StatePending
		m.queue.push(l, rec.id)
	}
}
