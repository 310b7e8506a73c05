package transfer

import (
	"fmt"
	"time"
)

// OperationState is the lifecycle position of an Operation.
type OperationState int

const (
	OperationPending OperationState = iota
	OperationExecuting
	OperationCancelled
	OperationFinished
)

func (s OperationState) String() string {
	switch s {
	case OperationExecuting:
		return "executing"
	case OperationCancelled:
		return "cancelled"
	case OperationFinished:
		return "finished"
	default:
		return "pending"
	}
}

// Operation wraps one network task of a transfer: the whole download, or one
// chunk of an upload. It refers to its transfer by identifier only.
//
// Operations are guarded by the manager lock.
type Operation struct {
	TransferID string
	SessionID  string
	TaskID     uint64

	// Offset and Length select the payload bytes of an upload chunk.
	Offset int64
	Length int64

	state   OperationState
	suspend bool
	lane    lane
	speed   speedometer
}

func newOperation(rec *record, sessionID string, l lane) *Operation {
	return &Operation{TransferID: rec.id, SessionID: sessionID, lane: l}
}

func (o *Operation) State() OperationState {
	return o.state
}

func (o *Operation) key() taskKey {
	return taskKey{sessionID: o.SessionID, taskID: o.TaskID}
}

// execute attaches the started task. It fails once the operation is cancelled.
func (o *Operation) execute(taskID uint64) bool {
	if o.state != OperationPending {
		return false
	}

	o.TaskID = taskID
	o.state = OperationExecuting

	return true
}

// cancel stops the operation for good. A finished operation cannot be cancelled.
func (o *Operation) cancel() bool {
	if o.state == OperationFinished {
		return false
	}

	o.state = OperationCancelled

	return true
}

// finish consumes the completion of the task. It reports false when the
// operation was cancelled first, in which case the completion must be dropped.
func (o *Operation) finish() bool {
	if o.state == OperationCancelled || o.state == OperationFinished {
		return false
	}

	o.state = OperationFinished

	return true
}

// progress turns a task progress callback into the byte count of the
// transfer and the current speed estimate. Progress of an operation that is
// not executing is discarded.
func (o *Operation) progress(now time.Time, transferred int64) (int64, float64, bool) {
	if o.state != OperationExecuting {
		return 0, 0, false
	}

	n := o.Offset + transferred

	return n, o.speed.observe(now, n), true
}

func (o *Operation) String() string {
	return fmt.Sprintf("%s/%d", o.SessionID, o.TaskID)
}

// taskKey identifies a task across sessions.
type taskKey struct {
	sessionID string
	taskID    uint64
}
