package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/cloudsdk/internal/storage"
)

type TransferRepository struct {
	db *sql.DB
}

func NewTransferRepository(dbConn *sql.DB) *TransferRepository {
	return &TransferRepository{db: dbConn}
}

// SaveTransfers replaces the whole snapshot in a single transaction.
func (r *TransferRepository) SaveTransfers(ctx context.Context, records []storage.TransferRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM transfers`); err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transfers (
			id, position, session_id, type, priority, state, background, overwrite, cellular, item,
			bytes_transferred, bytes_total, task_id, upload_id, chunk_offset, resume_file,
			downloaded_file, uploaded_item, error_kind, error_message, created_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.ID, i, rec.SessionID, rec.Type, rec.Priority, rec.State, rec.Background, rec.Overwrite, rec.Cellular, rec.Item,
			rec.BytesTransferred, rec.BytesTotal, int64(rec.TaskID), rec.UploadID, rec.ChunkOffset, rec.ResumeFile,
			rec.DownloadedFile, rec.UploadedItem, rec.ErrorKind, rec.ErrorMessage,
			formatTime(rec.CreatedAt), formatTime(rec.FinishedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert transfer %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

func (r *TransferRepository) GetTransfers(ctx context.Context) ([]storage.TransferRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			id, session_id, type, priority, state, background, overwrite, cellular, item,
			bytes_transferred, bytes_total, task_id, upload_id, chunk_offset, resume_file,
			downloaded_file, uploaded_item, error_kind, error_message, created_at, finished_at
		FROM transfers
		ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.TransferRecord

	for rows.Next() {
		var rec storage.TransferRecord

		var taskID int64

		var uploadID, resumeFile, downloaded, errorKind, errorMessage, created, finished sql.NullString

		err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.Type, &rec.Priority, &rec.State, &rec.Background, &rec.Overwrite, &rec.Cellular, &rec.Item,
			&rec.BytesTransferred, &rec.BytesTotal, &taskID, &uploadID, &rec.ChunkOffset, &resumeFile,
			&downloaded, &rec.UploadedItem, &errorKind, &errorMessage, &created, &finished,
		)
		if err != nil {
			return nil, err
		}

		rec.TaskID = uint64(taskID)
		rec.UploadID = uploadID.String
		rec.ResumeFile = resumeFile.String
		rec.DownloadedFile = downloaded.String
		rec.ErrorKind = errorKind.String
		rec.ErrorMessage = errorMessage.String
		rec.CreatedAt = parseTime(created.String)
		rec.FinishedAt = parseTime(finished.String)

		records = append(records, rec)
	}

	return records, rows.Err()
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}

	return t
}
