package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/cloudsdk/internal/storage"
	"github.com/italolelis/cloudsdk/internal/telemetry"
)

// InstrumentedTransferRepository wraps TransferRepository with telemetry.
type InstrumentedTransferRepository struct {
	repo      *TransferRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedTransferRepository creates a new instrumented transfer repository.
func NewInstrumentedTransferRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedTransferRepository {
	return &InstrumentedTransferRepository{
		repo:      NewTransferRepository(dbConn),
		telemetry: tel,
	}
}

// SaveTransfers stores the snapshot with telemetry.
func (r *InstrumentedTransferRepository) SaveTransfers(ctx context.Context, records []storage.TransferRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_transfers", func(ctx context.Context) error {
		return r.repo.SaveTransfers(ctx, records)
	})
}

// GetTransfers loads the snapshot with telemetry.
func (r *InstrumentedTransferRepository) GetTransfers(ctx context.Context) ([]storage.TransferRecord, error) {
	var result []storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_transfers", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetTransfers(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// InstrumentedTaskRepository wraps TaskRepository with telemetry.
type InstrumentedTaskRepository struct {
	repo      *TaskRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedTaskRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedTaskRepository {
	return &InstrumentedTaskRepository{
		repo:      NewTaskRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedTaskRepository) NextTaskID(ctx context.Context, sessionID string) (uint64, error) {
	var id uint64

	err := r.telemetry.InstrumentDBOperation(ctx, "next_task_id", func(ctx context.Context) error {
		var err error

		id, err = r.repo.NextTaskID(ctx, sessionID)

		return err
	})

	return id, err
}

func (r *InstrumentedTaskRepository) PutTask(ctx context.Context, task storage.TaskRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "put_task", func(ctx context.Context) error {
		return r.repo.PutTask(ctx, task)
	})
}

func (r *InstrumentedTaskRepository) GetTasks(ctx context.Context, sessionID string) ([]storage.TaskRecord, error) {
	var result []storage.TaskRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_tasks", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetTasks(ctx, sessionID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedTaskRepository) DeleteTask(ctx context.Context, sessionID string, taskID uint64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_task", func(ctx context.Context) error {
		return r.repo.DeleteTask(ctx, sessionID, taskID)
	})
}
