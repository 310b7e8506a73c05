package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/c2fo/vfs/v7/vfssimple"

	"github.com/italolelis/cloudsdk/internal/logctx"
	"github.com/italolelis/cloudsdk/internal/transfer"
)

// Transfers is the part of the transfer manager the cleanup needs.
type Transfers interface {
	TransfersOfType(ctx context.Context, typ transfer.Type) []transfer.Snapshot
	ClearTransfer(ctx context.Context, id string)
}

// DeleteExpiredFiles deletes the downloaded files of finished downloads older
// than keepDuration and clears their transfers. It returns the number of
// transfers cleared.
func DeleteExpiredFiles(ctx context.Context, transfers Transfers, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()
	cleared := 0

	for _, snap := range transfers.TransfersOfType(ctx, transfer.TypeDownload) {
		if snap.State != transfer.StateFinished || snap.DownloadedFile == "" {
			continue
		}

		f, err := vfssimple.NewFile(snap.DownloadedFile)
		if err != nil {
			logger.Error("Invalid downloaded file location", "transfer_id", snap.ID, "file", snap.DownloadedFile, "err", err)

			continue
		}

		exists, err := f.Exists()
		if err != nil {
			return cleared, fmt.Errorf("failed to stat %s: %w", snap.DownloadedFile, err)
		}

		finishedAt := snap.FinishedAt
		if finishedAt.IsZero() && exists {
			// fallback: use file mod time
			if modTime, err := f.LastModified(); err == nil {
				finishedAt = *modTime
			}
		}

		if now.Sub(finishedAt) <= keepDuration {
			continue
		}

		if exists {
			if err := f.Delete(); err != nil {
				return cleared, fmt.Errorf("failed to delete expired file %s: %w", snap.DownloadedFile, err)
			}

			logger.Info("Deleted expired file", "transfer_id", snap.ID, "file", snap.DownloadedFile)
		}

		transfers.ClearTransfer(ctx, snap.ID)
		cleared++
	}

	return cleared, nil
}
