// Package transfer schedules, executes, persists and reports uploads and
// downloads against the cloud storage service.
package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/cloudsdk/internal/cloud"
	"github.com/italolelis/cloudsdk/internal/item"
	"github.com/italolelis/cloudsdk/internal/storage"
)

// UnknownTotal is the value of BytesTotal while the payload size is unknown.
const UnknownTotal int64 = -1

// Type tells downloads from uploads.
type Type string

const (
	TypeDownload Type = "download"
	TypeUpload   Type = "upload"
	// TypeAll is a listing filter matching both types.
	TypeAll Type = "all"
)

// Priority orders admission: high runs at once, low only when no normal work is left.
type Priority int

const (
	PriorityLow    Priority = -10
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 10
)

func (p Priority) String() string {
	switch {
	case p > PriorityNormal:
		return "high"
	case p < PriorityNormal:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps "low", "normal" and "high" to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}

	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// State is the lifecycle position of a transfer.
type State string

const (
	StatePending      State = "pending"
	StateTransferring State = "transferring"
	StateSuspended    State = "suspended"
	StateFailed       State = "failed"
	StateFinished     State = "finished"
	StateCancelled    State = "cancelled"
)

var transitions = map[State][]State{
	StatePending:      {StateTransferring, StateCancelled, StateFailed},
	StateTransferring: {StateSuspended, StateFailed, StateFinished, StateCancelled, StatePending},
	StateSuspended:    {StateTransferring, StateFailed, StateCancelled},
	StateFailed:       {StatePending},
}

// CanTransition reports whether a record in state s may move to next.
// Finished and Cancelled are absorbing.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// Terminal reports whether the state ends the transfer.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateFinished || s == StateCancelled
}

// Snapshot is an immutable copy of a transfer record.
type Snapshot struct {
	ID                   string
	SessionID            string
	Type                 Type
	Background           bool
	Priority             Priority
	Overwrite            bool
	AllowsCellularAccess bool
	State                State
	Item                 *item.Item

	BytesTransferred  int64
	BytesTotal        int64
	LastRecordedSpeed float64

	// DownloadedFile is the file URI of a finished download.
	DownloadedFile string
	// UploadedItem is the server confirmed metadata of a finished upload.
	UploadedItem *item.Item
	// Err is set only in StateFailed.
	Err error

	CreatedAt  time.Time
	FinishedAt time.Time
}

// Result is the outcome of a transfer delivered on its Done channel.
type Result struct {
	Snapshot Snapshot
	Err      error
}

// record is the mutable state of a transfer. It is guarded by the manager lock.
type record struct {
	id         string
	sessionID  string
	typ        Type
	background bool
	priority   Priority
	overwrite  bool
	cellular   bool
	state      State
	item       *item.Item

	bytesTransferred int64
	bytesTotal       int64
	speed            float64

	downloadedFile string
	uploadedItem   *item.Item
	err            error

	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time

	// execution state
	op          *Operation
	taskID      uint64
	uploadID    string
	chunkOffset int64
	resumeFile  string
	committing  bool
	cancelled   bool
	active      bool
	done        chan Result
}

func (r *record) snapshot() Snapshot {
	return Snapshot{
		ID:                   r.id,
		SessionID:            r.sessionID,
		Type:                 r.typ,
		Background:           r.background,
		Priority:             r.priority,
		Overwrite:            r.overwrite,
		AllowsCellularAccess: r.cellular,
		State:                r.state,
		Item:                 r.item.Clone(),
		BytesTransferred:     r.bytesTransferred,
		BytesTotal:           r.bytesTotal,
		LastRecordedSpeed:    r.speed,
		DownloadedFile:       r.downloadedFile,
		UploadedItem:         r.uploadedItem.Clone(),
		Err:                  r.err,
		CreatedAt:            r.createdAt,
		FinishedAt:           r.finishedAt,
	}
}

// setProgress applies a byte count, keeping the counter monotonic and within
// the known total. It returns the number of bytes added.
func (r *record) setProgress(n int64) int64 {
	if r.bytesTotal >= 0 && n > r.bytesTotal {
		n = r.bytesTotal
	}

	if n <= r.bytesTransferred {
		return 0
	}

	delta := n - r.bytesTransferred
	r.bytesTransferred = n

	return delta
}

// reset prepares a failed record for another attempt.
func (r *record) reset() {
	r.bytesTransferred = 0
	r.speed = 0
	r.err = nil
	r.finishedAt = time.Time{}
	r.op = nil
	r.taskID = 0
	r.uploadID = ""
	r.chunkOffset = 0
	r.resumeFile = ""
	r.committing = false
	r.cancelled = false
	r.done = make(chan Result, 1)

	if r.typ == TypeDownload && (r.item == nil || r.item.Size <= 0) {
		r.bytesTotal = UnknownTotal
	}
}

func (r *record) toStorage() (storage.TransferRecord, error) {
	it, err := json.Marshal(r.item)
	if err != nil {
		return storage.TransferRecord{}, fmt.Errorf("failed to encode item of transfer %s: %w", r.id, err)
	}

	tr := storage.TransferRecord{
		ID:               r.id,
		SessionID:        r.sessionID,
		Type:             string(r.typ),
		Priority:         int(r.priority),
		State:            string(r.state),
		Background:       r.background,
		Overwrite:        r.overwrite,
		Cellular:         r.cellular,
		Item:             it,
		BytesTransferred: r.bytesTransferred,
		BytesTotal:       r.bytesTotal,
		TaskID:           r.taskID,
		UploadID:         r.uploadID,
		ChunkOffset:      r.chunkOffset,
		ResumeFile:       r.resumeFile,
		DownloadedFile:   r.downloadedFile,
		CreatedAt:        r.createdAt,
		FinishedAt:       r.finishedAt,
	}

	if r.uploadedItem != nil {
		if tr.UploadedItem, err = json.Marshal(r.uploadedItem); err != nil {
			return storage.TransferRecord{}, fmt.Errorf("failed to encode uploaded item of transfer %s: %w", r.id, err)
		}
	}

	if r.err != nil {
		tr.ErrorKind = cloud.KindOf(r.err).String()
		tr.ErrorMessage = r.err.Error()

		var ce *cloud.Error
		if errors.As(r.err, &ce) {
			tr.ErrorMessage = ce.Message
		}
	}

	return tr, nil
}

func recordFromStorage(tr storage.TransferRecord) (*record, error) {
	r := &record{
		id:               tr.ID,
		sessionID:        tr.SessionID,
		typ:              Type(tr.Type),
		background:       tr.Background,
		priority:         Priority(tr.Priority),
		overwrite:        tr.Overwrite,
		cellular:         tr.Cellular,
		state:            State(tr.State),
		bytesTransferred: tr.BytesTransferred,
		bytesTotal:       tr.BytesTotal,
		taskID:           tr.TaskID,
		uploadID:         tr.UploadID,
		chunkOffset:      tr.ChunkOffset,
		resumeFile:       tr.ResumeFile,
		downloadedFile:   tr.DownloadedFile,
		createdAt:        tr.CreatedAt,
		finishedAt:       tr.FinishedAt,
		done:             make(chan Result, 1),
	}

	if r.typ != TypeDownload && r.typ != TypeUpload {
		return nil, fmt.Errorf("transfer %s has unknown type %q", tr.ID, tr.Type)
	}

	if err := json.Unmarshal(tr.Item, &r.item); err != nil {
		return nil, fmt.Errorf("failed to decode item of transfer %s: %w", tr.ID, err)
	}

	if len(tr.UploadedItem) > 0 {
		if err := json.Unmarshal(tr.UploadedItem, &r.uploadedItem); err != nil {
			return nil, fmt.Errorf("failed to decode uploaded item of transfer %s: %w", tr.ID, err)
		}
	}

	if tr.ErrorKind != "" {
		r.err = &cloud.Error{Kind: cloud.ParseKind(tr.ErrorKind), Message: tr.ErrorMessage}
	}

	return r, nil
}
