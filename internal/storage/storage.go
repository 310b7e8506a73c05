package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

// TransferRecord is the persisted form of one transfer in the snapshot.
type TransferRecord struct {
	ID         string
	SessionID  string
	Type       string
	Priority   int
	State      string
	Background bool
	Overwrite  bool
	Cellular   bool
	Item       []byte // JSON encoded item metadata

	BytesTransferred int64
	BytesTotal       int64

	// Identifier of the task currently executing for this transfer, 0 when none.
	TaskID      uint64
	UploadID    string
	ChunkOffset int64
	ResumeFile  string

	DownloadedFile string
	UploadedItem   []byte // JSON encoded item metadata
	ErrorKind      string
	ErrorMessage   string

	CreatedAt  time.Time
	FinishedAt time.Time
}

// TransferRepository persists the ordered snapshot of the transfer collection.
type TransferRepository interface {
	// SaveTransfers replaces the stored snapshot with records, keeping their order.
	SaveTransfers(ctx context.Context, records []TransferRecord) error
	// GetTransfers returns the snapshot in the order it was saved.
	GetTransfers(ctx context.Context) ([]TransferRecord, error)
}

// TaskRecord is one journaled network task of a background session.
type TaskRecord struct {
	SessionID string
	TaskID    uint64
	Kind      string
	State     string

	Method     string
	URL        string
	Header     []byte // JSON encoded http.Header
	BodyURI    string
	BodyOffset int64
	BodyLength int64
	ResumeFile string

	StatusCode     int
	ResponseHeader []byte
	ResponseBody   []byte
	FileURI        string
	Bytes          int64
	ErrorKind      string
	ErrorMessage   string

	UpdatedAt time.Time
}

// TaskJournal keeps the tasks of background sessions across process restarts.
type TaskJournal interface {
	// NextTaskID atomically allocates a task identifier that was never used by the session.
	NextTaskID(ctx context.Context, sessionID string) (uint64, error)
	PutTask(ctx context.Context, task TaskRecord) error
	GetTasks(ctx context.Context, sessionID string) ([]TaskRecord, error)
	DeleteTask(ctx context.Context, sessionID string, taskID uint64) error
}
