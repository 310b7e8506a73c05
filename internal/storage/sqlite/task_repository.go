package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/cloudsdk/internal/storage"
)

// TaskRepository implements storage.TaskJournal
// and stores background session tasks in SQLite.
type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// NextTaskID atomically bumps the per-session sequence and returns the allocated identifier.
func (r *TaskRepository) NextTaskID(ctx context.Context, sessionID string) (uint64, error) {
	var next int64

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO session_sequences (session_id, next_id) VALUES (?, 1)
		ON CONFLICT(session_id) DO UPDATE SET next_id = next_id + 1
		RETURNING next_id`, sessionID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate task id: %w", err)
	}

	return uint64(next), nil
}

// PutTask inserts the task or replaces the stored version.
func (r *TaskRepository) PutTask(ctx context.Context, t storage.TaskRecord) error {
	updatedAt := t.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_tasks (
			session_id, task_id, kind, state, method, url, header, body_uri, body_offset, body_length, resume_file,
			status_code, response_header, response_body, file_uri, bytes, error_kind, error_message, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, task_id) DO UPDATE SET
			state = excluded.state,
			resume_file = excluded.resume_file,
			status_code = excluded.status_code,
			response_header = excluded.response_header,
			response_body = excluded.response_body,
			file_uri = excluded.file_uri,
			bytes = excluded.bytes,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`,
		t.SessionID, int64(t.TaskID), t.Kind, t.State, t.Method, t.URL, t.Header, t.BodyURI, t.BodyOffset, t.BodyLength, t.ResumeFile,
		t.StatusCode, t.ResponseHeader, t.ResponseBody, t.FileURI, t.Bytes, t.ErrorKind, t.ErrorMessage, formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store task %d: %w", t.TaskID, err)
	}

	return nil
}

func (r *TaskRepository) GetTasks(ctx context.Context, sessionID string) ([]storage.TaskRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			session_id, task_id, kind, state, method, url, header, body_uri, body_offset, body_length, resume_file,
			status_code, response_header, response_body, file_uri, bytes, error_kind, error_message, updated_at
		FROM session_tasks
		WHERE session_id = ?
		ORDER BY task_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []storage.TaskRecord

	for rows.Next() {
		var t storage.TaskRecord

		var taskID int64

		var bodyURI, resumeFile, fileURI, errorKind, errorMessage, updatedAt sql.NullString

		err := rows.Scan(
			&t.SessionID, &taskID, &t.Kind, &t.State, &t.Method, &t.URL, &t.Header, &bodyURI, &t.BodyOffset, &t.BodyLength, &resumeFile,
			&t.StatusCode, &t.ResponseHeader, &t.ResponseBody, &fileURI, &t.Bytes, &errorKind, &errorMessage, &updatedAt,
		)
		if err != nil {
			return nil, err
		}

		t.TaskID = uint64(taskID)
		t.BodyURI = bodyURI.String
		t.ResumeFile = resumeFile.String
		t.FileURI = fileURI.String
		t.ErrorKind = errorKind.String
		t.ErrorMessage = errorMessage.String
		t.UpdatedAt = parseTime(updatedAt.String)

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

func (r *TaskRepository) DeleteTask(ctx context.Context, sessionID string, taskID uint64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM session_tasks WHERE session_id = ? AND task_id = ?`, sessionID, int64(taskID))

	return err
}
