package transfer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/cloudsdk/internal/cloud"
	"github.com/italolelis/cloudsdk/internal/item"
	"github.com/italolelis/cloudsdk/internal/session"
)

func TestScheduleDownload_InvalidItem(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})

	_, err := h.manager.ScheduleDownload(context.Background(), item.NewFolder("/Photos"), DownloadOptions{})
	assert.True(t, errors.Is(err, cloud.ErrInvalidItem))

	_, err = h.manager.ScheduleDownload(context.Background(), nil, DownloadOptions{})
	assert.True(t, errors.Is(err, cloud.ErrInvalidItem))

	assert.Empty(t, h.manager.TransfersOfType(context.Background(), TypeAll))
	assert.Equal(t, 1, h.repo.saveCount(), "only the startup snapshot is written")
}

func TestScheduleUpload_InvalidItem(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})

	tests := []struct {
		name string
		it   *item.Item
	}{
		{name: "no source", it: item.New("/a.txt")},
		{name: "missing source", it: item.ForUpload("file:///does/not/exist.bin", "/a.txt", "")},
		{name: "folder", it: &item.Item{Path: "/dir", Type: item.TypeFolder, SourceURI: writeSource(t, "x")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.manager.ScheduleUpload(context.Background(), tt.it, UploadOptions{})
			assert.True(t, errors.Is(err, cloud.ErrInvalidItem), "got %v", err)
		})
	}

	assert.Empty(t, h.manager.TransfersOfType(context.Background(), TypeAll))
}

func TestDownload_Lifecycle(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 2})

	it := item.New("/Photos/cat.jpg")
	it.Size = 100

	snap, err := h.manager.ScheduleDownload(context.Background(), it, DownloadOptions{Priority: PriorityNormal})
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.BytesTotal)

	task := h.transport.waitStarted(t)
	assert.Equal(t, session.KindDownload, task.kind)
	assert.Equal(t, "https://cdn.test/Photos/cat.jpg", task.req.URL)
	assert.Equal(t, StateTransferring, h.snapshot(t, snap.ID).State)

	for _, n := range []int64{10, 40, 30, 250} {
		h.transport.progress(task.id, n, 100)
	}

	h.transport.complete(task.id, session.Result{StatusCode: http.StatusOK, FileURI: "file:///tmp/cat.jpg", Bytes: 100})

	select {
	case res := <-h.manager.Done(snap.ID):
		require.NoError(t, res.Err)
		assert.Equal(t, StateFinished, res.Snapshot.State)
		assert.Equal(t, "file:///tmp/cat.jpg", res.Snapshot.DownloadedFile)
		assert.Equal(t, int64(100), res.Snapshot.BytesTransferred)
	case <-time.After(waitTimeout):
		t.Fatal("no result delivered")
	}

	events := h.collect()

	var (
		kinds    []EventKind
		progress []int64
		lastSeq  uint64
	)

	for _, ev := range events {
		assert.Greater(t, ev.Seq, lastSeq, "sequence numbers must increase")
		lastSeq = ev.Seq

		kinds = append(kinds, ev.Kind)

		if ev.Kind == EventProgressUpdated {
			progress = append(progress, ev.Snapshot.BytesTransferred)
		}
	}

	assert.Equal(t, EventAdded, kinds[0])
	assert.Equal(t, EventStarted, kinds[1])
	assert.Equal(t, EventFinished, kinds[len(kinds)-1])
	assert.Equal(t, []int64{10, 40, 100}, progress, "progress is monotonic and bounded by the total")

	assert.Equal(t, string(StateFinished), h.repo.stored(snap.ID).State)
}

func TestDownload_UnknownTotal(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})

	snap, err := h.manager.ScheduleDownload(context.Background(), item.New("/a.bin"), DownloadOptions{})
	require.NoError(t, err)
	assert.Equal(t, UnknownTotal, snap.BytesTotal)

	task := h.transport.waitStarted(t)
	h.transport.progress(task.id, 5, 50)

	got := h.snapshot(t, snap.ID)
	assert.Equal(t, int64(50), got.BytesTotal)
	assert.Equal(t, int64(5), got.BytesTransferred)
}

func TestDownload_Failure(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})

	snap, err := h.manager.ScheduleDownload(context.Background(), item.New("/gone.txt"), DownloadOptions{})
	require.NoError(t, err)

	task := h.transport.waitStarted(t)
	h.transport.complete(task.id, session.Result{StatusCode: http.StatusNotFound})

	res := <-h.manager.Done(snap.ID)
	assert.Equal(t, StateFailed, res.Snapshot.State)
	assert.True(t, errors.Is(res.Err, cloud.ErrResourceNotFound))
	assert.True(t, errors.Is(res.Snapshot.Err, cloud.ErrResourceNotFound))

	stored := h.repo.stored(snap.ID)
	assert.Equal(t, "resource_not_found", stored.ErrorKind)
}

func TestDownload_URLResolutionFails(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})
	h.client.downloadErr = cloud.NewError(cloud.KindUnauthorized, "download_url", "token expired")

	snap, err := h.manager.ScheduleDownload(context.Background(), item.New("/a.txt"), DownloadOptions{})
	require.NoError(t, err)

	got := h.waitState(t, snap.ID, StateFailed)
	assert.True(t, errors.Is(got.Err, cloud.ErrUnauthorized))
}

func TestCancel_BeforeStart(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})

	blocker, err := h.manager.ScheduleDownload(context.Background(), item.New("/first.bin"), DownloadOptions{})
	require.NoError(t, err)
	h.transport.waitStarted(t)

	queued, err := h.manager.ScheduleDownload(context.Background(), item.New("/second.bin"), DownloadOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatePending, h.snapshot(t, queued.ID).State)

	require.NoError(t, h.manager.Cancel(context.Background(), queued.ID))

	got := h.snapshot(t, queued.ID)
	assert.Equal(t, StateCancelled, got.State)
	assert.NoError(t, got.Err)

	_, open := <-h.manager.Done(queued.ID)
	assert.False(t, open, "cancelled transfers close their result channel without a value")

	// the slot of the blocker is untouched and the cancelled transfer never starts
	h.transport.assertNoStart(t)
	assert.Equal(t, StateTransferring, h.snapshot(t, blocker.ID).State)
}

func TestCancel_IsSticky(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})

	snap, err := h.manager.ScheduleDownload(context.Background(), item.New("/a.bin"), DownloadOptions{})
	require.NoError(t, err)

	task := h.transport.waitStarted(t)

	require.NoError(t, h.manager.Cancel(context.Background(), snap.ID))

	// the task wins the race against the cancellation
	h.transport.progress(task.id, 10, 20)
	h.transport.complete(task.id, session.Result{StatusCode: http.StatusOK, FileURI: "file:///tmp/a.bin", Bytes: 20})

	got := h.waitState(t, snap.ID, StateCancelled)
	assert.Empty(t, got.DownloadedFile)
	assert.Equal(t, int64(0), got.BytesTransferred, "progress after cancel is discarded")

	assert.Equal(t, []cancelCall{{taskID: task.id, keep: false}}, h.transport.cancelCalls())

	for _, ev := range h.collect() {
		if ev.Snapshot.ID == snap.ID && ev.Kind == EventFinished {
			assert.Equal(t, StateCancelled, ev.Snapshot.State)
		}
	}

	// cancelling twice or after the end changes nothing
	require.NoError(t, h.manager.Cancel(context.Background(), snap.ID))
	assert.Equal(t, StateCancelled, h.snapshot(t, snap.ID).State)
	assert.ErrorIs(t, h.manager.Cancel(context.Background(), "missing"), ErrTransferNotFound)
}

func TestCancel_WaitsForTask(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})

	snap, err := h.manager.ScheduleDownload(context.Background(), item.New("/a.bin"), DownloadOptions{})
	require.NoError(t, err)

	h.transport.waitStarted(t)
	require.NoError(t, h.manager.Cancel(context.Background(), snap.ID))

	h.waitEvent(t, snap.ID, EventFinished)
	assert.Equal(t, StateCancelled, h.snapshot(t, snap.ID).State)
}

func TestRetry(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})

	snap, err := h.manager.ScheduleDownload(context.Background(), item.New("/a.bin"), DownloadOptions{})
	require.NoError(t, err)

	task := h.transport.waitStarted(t)

	// retry is a no-op while transferring
	require.NoError(t, h.manager.Retry(context.Background(), snap.ID))
	h.transport.assertNoStart(t)

	h.transport.complete(task.id, session.Result{Err: errors.New("connection reset")})
	failed := h.waitState(t, snap.ID, StateFailed)
	assert.True(t, errors.Is(failed.Err, cloud.ErrConnectionFailed))

	h.collect()

	require.NoError(t, h.manager.Retry(context.Background(), snap.ID))

	h.waitEvent(t, snap.ID, EventAdded)
	h.waitEvent(t, snap.ID, EventStarted)

	retried := h.transport.waitStarted(t)
	assert.NotEqual(t, task.id, retried.id)

	got := h.snapshot(t, snap.ID)
	assert.Equal(t, StateTransferring, got.State)
	assert.NoError(t, got.Err)

	h.transport.complete(retried.id, session.Result{StatusCode: http.StatusOK, FileURI: "file:///tmp/a.bin"})

	res := <-h.manager.Done(snap.ID)
	assert.Equal(t, StateFinished, res.Snapshot.State)

	// retry of a finished transfer does nothing
	require.NoError(t, h.manager.Retry(context.Background(), snap.ID))
	assert.Equal(t, StateFinished, h.snapshot(t, snap.ID).State)
}

func TestClear(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 3})
	ctx := context.Background()

	running, err := h.manager.ScheduleDownload(ctx, item.New("/running.bin"), DownloadOptions{})
	require.NoError(t, err)
	runningTask := h.transport.waitStarted(t)

	finished, err := h.manager.ScheduleDownload(ctx, item.New("/finished.bin"), DownloadOptions{})
	require.NoError(t, err)
	finishedTask := h.transport.waitStarted(t)
	h.transport.complete(finishedTask.id, session.Result{StatusCode: http.StatusOK})

	failed, err := h.manager.ScheduleDownload(ctx, item.New("/failed.bin"), DownloadOptions{})
	require.NoError(t, err)
	failedTask := h.transport.waitStarted(t)
	h.transport.complete(failedTask.id, session.Result{StatusCode: http.StatusInternalServerError})

	h.waitState(t, finished.ID, StateFinished)
	h.waitState(t, failed.ID, StateFailed)

	h.manager.ClearTransfer(ctx, running.ID)
	assert.Len(t, h.manager.TransfersOfType(ctx, TypeAll), 3, "transferring transfers cannot be cleared")

	h.manager.ClearFailedTransfers(ctx)
	_, ok := h.manager.Transfer(ctx, failed.ID)
	assert.False(t, ok)

	h.manager.ClearTransfer(ctx, finished.ID)
	ev := h.waitEvent(t, finished.ID, EventRemoved)
	assert.Equal(t, StateFinished, ev.Snapshot.State)

	remaining := h.manager.TransfersOfType(ctx, TypeAll)
	require.Len(t, remaining, 1)
	assert.Equal(t, running.ID, remaining[0].ID)
	assert.Equal(t, running.ID, h.repo.stored(running.ID).ID)
	assert.Empty(t, h.repo.stored(finished.ID).ID)

	h.transport.complete(runningTask.id, session.Result{StatusCode: http.StatusOK})
	h.waitState(t, running.ID, StateFinished)

	h.manager.ClearFinishedTransfers(ctx)
	assert.Empty(t, h.manager.TransfersOfType(ctx, TypeAll))
}

func TestTransfersOfType(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})
	ctx := context.Background()

	src := writeSource(t, "hello")

	d1, err := h.manager.ScheduleDownload(ctx, item.New("/1.bin"), DownloadOptions{})
	require.NoError(t, err)
	u1, err := h.manager.ScheduleUpload(ctx, item.ForUpload(src, "/up.bin", ""), UploadOptions{})
	require.NoError(t, err)
	d2, err := h.manager.ScheduleDownload(ctx, item.New("/2.bin"), DownloadOptions{})
	require.NoError(t, err)

	ids := func(snaps []Snapshot) []string {
		out := make([]string, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, s.ID)
		}

		return out
	}

	assert.Equal(t, []string{d1.ID, u1.ID, d2.ID}, ids(h.manager.TransfersOfType(ctx, TypeAll)))
	assert.Equal(t, []string{d1.ID, d2.ID}, ids(h.manager.TransfersOfType(ctx, TypeDownload)))
	assert.Equal(t, []string{u1.ID}, ids(h.manager.TransfersOfType(ctx, TypeUpload)))
}

func TestSnapshotsAreImmutable(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})

	snap, err := h.manager.ScheduleDownload(context.Background(), item.New("/a.bin"), DownloadOptions{})
	require.NoError(t, err)

	snap.Item.Path = "/changed"

	assert.Equal(t, "/a.bin", h.snapshot(t, snap.ID).Item.Path)
}

func TestPriority_HighBypassesPool(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})
	ctx := context.Background()

	high, err := h.manager.ScheduleDownload(ctx, item.New("/high.bin"), DownloadOptions{Priority: PriorityHigh})
	require.NoError(t, err)
	normal, err := h.manager.ScheduleDownload(ctx, item.New("/normal.bin"), DownloadOptions{Priority: PriorityNormal})
	require.NoError(t, err)
	low, err := h.manager.ScheduleDownload(ctx, item.New("/low.bin"), DownloadOptions{Priority: PriorityLow})
	require.NoError(t, err)

	started := map[string]*fakeTask{}
	for range 2 {
		task := h.transport.waitStarted(t)
		started[task.req.URL] = task
	}

	assert.Contains(t, started, "https://cdn.test/high.bin")
	assert.Contains(t, started, "https://cdn.test/normal.bin")
	h.transport.assertNoStart(t)
	assert.Equal(t, StatePending, h.snapshot(t, low.ID).State)

	// more high priority work starts even though the pool is full
	_, err = h.manager.ScheduleDownload(ctx, item.New("/high2.bin"), DownloadOptions{Priority: PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/high2.bin", h.transport.waitStarted(t).req.URL)

	// finishing the high transfer does not free a pool slot
	h.transport.complete(started["https://cdn.test/high.bin"].id, okResult(nil))
	h.waitState(t, high.ID, StateFinished)
	h.transport.assertNoStart(t)

	h.transport.complete(started["https://cdn.test/normal.bin"].id, okResult(nil))
	h.waitState(t, normal.ID, StateFinished)

	assert.Equal(t, "https://cdn.test/low.bin", h.transport.waitStarted(t).req.URL)
	assert.Equal(t, StateTransferring, h.snapshot(t, low.ID).State)
}

func TestPriority_LowWaitsForNormal(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 2})
	ctx := context.Background()

	normal, err := h.manager.ScheduleDownload(ctx, item.New("/normal.bin"), DownloadOptions{})
	require.NoError(t, err)
	normalTask := h.transport.waitStarted(t)

	low, err := h.manager.ScheduleDownload(ctx, item.New("/low.bin"), DownloadOptions{Priority: PriorityLow})
	require.NoError(t, err)

	// a slot is free but normal work is outstanding
	h.transport.assertNoStart(t)
	assert.Equal(t, StatePending, h.snapshot(t, low.ID).State)

	h.transport.complete(normalTask.id, okResult(nil))
	h.waitState(t, normal.ID, StateFinished)

	assert.Equal(t, "https://cdn.test/low.bin", h.transport.waitStarted(t).req.URL)
}

func TestPriority_NormalAdmittedBeforeLow(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})
	ctx := context.Background()

	blocker, err := h.manager.ScheduleDownload(ctx, item.New("/blocker.bin"), DownloadOptions{})
	require.NoError(t, err)
	blockerTask := h.transport.waitStarted(t)

	_, err = h.manager.ScheduleDownload(ctx, item.New("/low.bin"), DownloadOptions{Priority: PriorityLow})
	require.NoError(t, err)
	_, err = h.manager.ScheduleDownload(ctx, item.New("/normal.bin"), DownloadOptions{})
	require.NoError(t, err)

	h.transport.complete(blockerTask.id, okResult(nil))
	h.waitState(t, blocker.ID, StateFinished)

	next := h.transport.waitStarted(t)
	assert.Equal(t, "https://cdn.test/normal.bin", next.req.URL)
	h.transport.assertNoStart(t)

	h.transport.complete(next.id, okResult(nil))
	assert.Equal(t, "https://cdn.test/low.bin", h.transport.waitStarted(t).req.URL)
}

func TestPriority_NoPreemption(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})
	ctx := context.Background()

	low, err := h.manager.ScheduleDownload(ctx, item.New("/low.bin"), DownloadOptions{Priority: PriorityLow})
	require.NoError(t, err)
	h.transport.waitStarted(t)

	normal, err := h.manager.ScheduleDownload(ctx, item.New("/normal.bin"), DownloadOptions{})
	require.NoError(t, err)

	h.transport.assertNoStart(t)
	assert.Equal(t, StateTransferring, h.snapshot(t, low.ID).State)
	assert.Equal(t, StatePending, h.snapshot(t, normal.ID).State)
	assert.Empty(t, h.transport.cancelCalls())
}

func TestUpload_ChunksAreSequential(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})

	src := writeSource(t, "0123456789")

	snap, err := h.manager.ScheduleUpload(context.Background(), item.ForUpload(src, "/Docs/digits.txt", ""), UploadOptions{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.BytesTotal)
	assert.True(t, snap.Overwrite)

	first := h.transport.waitStarted(t)
	assert.Equal(t, session.KindUpload, first.kind)
	assert.Equal(t, src, first.req.BodyURI)
	h.transport.assertNoStart(t)

	h.transport.progress(first.id, 2, 4)
	assert.Equal(t, int64(2), h.snapshot(t, snap.ID).BytesTransferred)

	h.transport.complete(first.id, okResult(http.Header{"Upload-Id": []string{"u-1"}}))

	second := h.transport.waitStarted(t)
	h.transport.assertNoStart(t)
	assert.Equal(t, int64(4), h.snapshot(t, snap.ID).BytesTransferred)
	assert.Equal(t, "u-1", h.repo.stored(snap.ID).UploadID)
	assert.Equal(t, int64(4), h.repo.stored(snap.ID).ChunkOffset)

	h.transport.progress(second.id, 3, 4)
	assert.Equal(t, int64(7), h.snapshot(t, snap.ID).BytesTransferred)

	h.transport.complete(second.id, okResult(nil))

	third := h.transport.waitStarted(t)
	assert.Empty(t, h.client.commitCalls(), "no commit before the last chunk")

	h.transport.complete(third.id, okResult(nil))

	res := <-h.manager.Done(snap.ID)
	require.NoError(t, res.Err)
	assert.Equal(t, StateFinished, res.Snapshot.State)
	assert.Equal(t, int64(10), res.Snapshot.BytesTransferred)
	assert.Equal(t, "r1", res.Snapshot.UploadedItem.Revision)

	assert.Equal(t, []chunkCall{
		{uploadID: "", offset: 0, length: 4},
		{uploadID: "u-1", offset: 4, length: 4},
		{uploadID: "u-1", offset: 8, length: 2},
	}, h.client.chunkCalls())
	assert.Equal(t, []string{"u-1"}, h.client.commitCalls())

	finished := 0
	for _, ev := range h.collect() {
		if ev.Kind == EventFinished {
			finished++
		}
	}

	assert.Equal(t, 1, finished)
}

func TestUpload_EmptyPayload(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})

	snap, err := h.manager.ScheduleUpload(context.Background(), item.ForUpload(writeSource(t, ""), "/empty.txt", ""), UploadOptions{})
	require.NoError(t, err)

	task := h.transport.waitStarted(t)
	h.transport.complete(task.id, okResult(http.Header{"Upload-Id": []string{"u-0"}}))

	res := <-h.manager.Done(snap.ID)
	assert.Equal(t, StateFinished, res.Snapshot.State)
	assert.Equal(t, []chunkCall{{uploadID: "", offset: 0, length: 0}}, h.client.chunkCalls())
	assert.Equal(t, []string{"u-0"}, h.client.commitCalls())
}

func TestUpload_ChunkFailure(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})

	snap, err := h.manager.ScheduleUpload(context.Background(), item.ForUpload(writeSource(t, "0123456789"), "/a.txt", ""), UploadOptions{})
	require.NoError(t, err)

	first := h.transport.waitStarted(t)
	h.transport.complete(first.id, okResult(http.Header{"Upload-Id": []string{"u-1"}}))

	second := h.transport.waitStarted(t)
	h.transport.complete(second.id, session.Result{StatusCode: http.StatusNotFound})

	res := <-h.manager.Done(snap.ID)
	assert.Equal(t, StateFailed, res.Snapshot.State)
	assert.True(t, errors.Is(res.Err, cloud.ErrResourceNotFound))
	assert.Empty(t, h.client.commitCalls())
	h.transport.assertNoStart(t)
}

func TestUpload_CommitConflict(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})
	h.client.commitErr = cloud.FromStatus("commit_upload", http.StatusConflict, nil)

	snap, err := h.manager.ScheduleUpload(context.Background(), item.ForUpload(writeSource(t, "abc"), "/a.txt", ""), UploadOptions{})
	require.NoError(t, err)

	task := h.transport.waitStarted(t)
	h.transport.complete(task.id, okResult(http.Header{"Upload-Id": []string{"u-1"}}))

	res := <-h.manager.Done(snap.ID)
	assert.Equal(t, StateFailed, res.Snapshot.State)
	assert.True(t, errors.Is(res.Err, cloud.ErrResourceAlreadyExists))
}

func TestUpload_CancelDuringCommit(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})
	h.client.commitGate = make(chan struct{})

	snap, err := h.manager.ScheduleUpload(context.Background(), item.ForUpload(writeSource(t, "abc"), "/a.txt", ""), UploadOptions{})
	require.NoError(t, err)

	task := h.transport.waitStarted(t)
	h.transport.complete(task.id, okResult(http.Header{"Upload-Id": []string{"u-1"}}))

	require.NoError(t, h.manager.Cancel(context.Background(), snap.ID))
	assert.Equal(t, StateTransferring, h.snapshot(t, snap.ID).State, "cancellation waits for the commit")

	close(h.client.commitGate)

	h.waitState(t, snap.ID, StateCancelled)
}

func TestSetOverwrite(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})
	ctx := context.Background()

	_, err := h.manager.ScheduleDownload(ctx, item.New("/blocker.bin"), DownloadOptions{})
	require.NoError(t, err)
	h.transport.waitStarted(t)

	up, err := h.manager.ScheduleUpload(ctx, item.ForUpload(writeSource(t, "abc"), "/a.txt", ""), UploadOptions{})
	require.NoError(t, err)

	require.NoError(t, h.manager.SetOverwrite(ctx, up.ID, true))
	assert.True(t, h.snapshot(t, up.ID).Overwrite)
	assert.True(t, h.repo.stored(up.ID).Overwrite)

	assert.ErrorIs(t, h.manager.SetOverwrite(ctx, "missing", true), ErrTransferNotFound)
}

func TestSetOverwrite_AfterStart(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})
	ctx := context.Background()

	up, err := h.manager.ScheduleUpload(ctx, item.ForUpload(writeSource(t, "abc"), "/a.txt", ""), UploadOptions{})
	require.NoError(t, err)
	h.transport.waitStarted(t)

	assert.ErrorIs(t, h.manager.SetOverwrite(ctx, up.ID, true), ErrInvalidState)
}

func TestSuspendResume_Download(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})
	ctx := context.Background()

	it := item.New("/big.iso")
	it.Size = 100

	snap, err := h.manager.ScheduleDownload(ctx, it, DownloadOptions{})
	require.NoError(t, err)

	task := h.transport.waitStarted(t)
	h.transport.progress(task.id, 30, 100)

	require.NoError(t, h.manager.Suspend(ctx, snap.ID))
	h.waitEvent(t, snap.ID, EventSuspended)

	got := h.snapshot(t, snap.ID)
	assert.Equal(t, StateSuspended, got.State)
	assert.Equal(t, int64(30), got.BytesTransferred)
	assert.Equal(t, []cancelCall{{taskID: task.id, keep: true}}, h.transport.cancelCalls())

	stored := h.repo.stored(snap.ID)
	assert.Equal(t, string(StateSuspended), stored.State)
	assert.Equal(t, "resume-1.part", stored.ResumeFile)
	assert.Zero(t, stored.TaskID)

	// the suspended transfer released its slot
	other, err := h.manager.ScheduleDownload(ctx, item.New("/other.bin"), DownloadOptions{})
	require.NoError(t, err)
	otherTask := h.transport.waitStarted(t)

	require.NoError(t, h.manager.Resume(ctx, snap.ID))
	h.waitEvent(t, snap.ID, EventStarted)
	h.transport.assertNoStart(t)

	h.transport.complete(otherTask.id, okResult(nil))
	h.waitState(t, other.ID, StateFinished)

	resumed := h.transport.waitStarted(t)
	assert.Equal(t, "resume-1.part", resumed.req.ResumeFile)

	h.transport.progress(resumed.id, 60, 100)
	h.transport.complete(resumed.id, session.Result{StatusCode: http.StatusPartialContent, FileURI: "file:///tmp/big.iso", Bytes: 100})

	res := <-h.manager.Done(snap.ID)
	assert.Equal(t, StateFinished, res.Snapshot.State)
	assert.Equal(t, int64(100), res.Snapshot.BytesTransferred)
}

func TestSuspendResume_UploadContinuesFromAcknowledgedChunk(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})
	ctx := context.Background()

	snap, err := h.manager.ScheduleUpload(ctx, item.ForUpload(writeSource(t, "0123456789"), "/a.txt", ""), UploadOptions{})
	require.NoError(t, err)

	first := h.transport.waitStarted(t)
	h.transport.complete(first.id, okResult(http.Header{"Upload-Id": []string{"u-1"}}))

	second := h.transport.waitStarted(t)
	h.transport.progress(second.id, 2, 4)

	require.NoError(t, h.manager.Suspend(ctx, snap.ID))
	h.waitState(t, snap.ID, StateSuspended)

	require.NoError(t, h.manager.Resume(ctx, snap.ID))

	again := h.transport.waitStarted(t)
	h.transport.complete(again.id, okResult(nil))

	last := h.transport.waitStarted(t)
	h.transport.complete(last.id, okResult(nil))

	res := <-h.manager.Done(snap.ID)
	assert.Equal(t, StateFinished, res.Snapshot.State)

	assert.Equal(t, []chunkCall{
		{uploadID: "", offset: 0, length: 4},
		{uploadID: "u-1", offset: 4, length: 4},
		{uploadID: "u-1", offset: 4, length: 4},
		{uploadID: "u-1", offset: 8, length: 2},
	}, h.client.chunkCalls())
}

func TestSuspendThenCancel(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})
	ctx := context.Background()

	snap, err := h.manager.ScheduleDownload(ctx, item.New("/a.bin"), DownloadOptions{})
	require.NoError(t, err)
	h.transport.waitStarted(t)

	require.NoError(t, h.manager.Suspend(ctx, snap.ID))
	h.waitState(t, snap.ID, StateSuspended)

	require.NoError(t, h.manager.Cancel(ctx, snap.ID))
	assert.Equal(t, StateCancelled, h.snapshot(t, snap.ID).State)

	// resume is only valid from suspended
	require.NoError(t, h.manager.Resume(ctx, snap.ID))
	assert.Equal(t, StateCancelled, h.snapshot(t, snap.ID).State)
}

func TestPersistence_OnlyOnStateChanges(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})

	snap, err := h.manager.ScheduleDownload(context.Background(), item.New("/a.bin"), DownloadOptions{})
	require.NoError(t, err)

	task := h.transport.waitStarted(t)

	require.Eventually(t, func() bool { return h.repo.stored(snap.ID).TaskID == task.id }, waitTimeout, 5*time.Millisecond)

	saves := h.repo.saveCount()

	for i := int64(1); i <= 20; i++ {
		h.transport.progress(task.id, i*10, 1000)
	}

	assert.Equal(t, saves, h.repo.saveCount(), "progress ticks must not rewrite the snapshot")
	assert.Equal(t, int64(200), h.snapshot(t, snap.ID).BytesTransferred)

	h.transport.complete(task.id, okResult(nil))
	h.waitState(t, snap.ID, StateFinished)

	assert.Greater(t, h.repo.saveCount(), saves)
}

func TestTransportSelection(t *testing.T) {
	foreground := newFakeTransport("fg", false)
	cellular := newFakeTransport("fg.cellular", false)
	cellular.cellular = true
	background := newFakeTransport("bg", true)

	h := newHarness(t, Config{MaxParallel: 4}, foreground, cellular, background)
	ctx := context.Background()

	tests := []struct {
		name        string
		opts        DownloadOptions
		wantSession string
	}{
		{name: "foreground", opts: DownloadOptions{}, wantSession: "fg"},
		{name: "cellular", opts: DownloadOptions{AllowsCellularAccess: true}, wantSession: "fg.cellular"},
		{name: "background allows cellular", opts: DownloadOptions{Background: true, AllowsCellularAccess: true}, wantSession: "bg"},
		{name: "background", opts: DownloadOptions{Background: true}, wantSession: "bg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := h.manager.ScheduleDownload(ctx, item.New("/a.bin"), tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSession, snap.SessionID)
			assert.Equal(t, tt.opts.Background, snap.Background)
			assert.Equal(t, tt.opts.AllowsCellularAccess, snap.AllowsCellularAccess)
		})
	}
}

func TestTransportSelection_NoMatch(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})

	_, err := h.manager.ScheduleDownload(context.Background(), item.New("/a.bin"), DownloadOptions{Background: true})
	assert.True(t, errors.Is(err, &cloud.Error{Kind: cloud.KindInvalidParameters}))
}

func TestNewTaskFailure(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})
	h.transport.failTasks = session.ErrClosed

	snap, err := h.manager.ScheduleDownload(context.Background(), item.New("/a.bin"), DownloadOptions{})
	require.NoError(t, err)

	got := h.waitState(t, snap.ID, StateFailed)
	assert.Error(t, got.Err)
}

func TestClose(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})

	snap, err := h.manager.ScheduleDownload(context.Background(), item.New("/a.bin"), DownloadOptions{})
	require.NoError(t, err)
	h.transport.waitStarted(t)

	require.NoError(t, h.manager.Close(context.Background()))

	_, err = h.manager.ScheduleDownload(context.Background(), item.New("/b.bin"), DownloadOptions{})
	assert.ErrorIs(t, err, ErrClosed)

	assert.Equal(t, string(StateTransferring), h.repo.stored(snap.ID).State)

	_, open := <-h.events
	for open {
		_, open = <-h.events
	}
}

func TestClose_KeepsBackgroundDownloadResolvingURL(t *testing.T) {
	ctx := context.Background()
	repo := &memRepo{}

	h := newHarnessWithRepo(t, Config{MaxParallel: 1}, repo, newFakeTransport("bg", true))
	h.client.linkGate = make(chan struct{})

	snap, err := h.manager.ScheduleDownload(ctx, item.New("/a.bin"), DownloadOptions{Background: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.client.blockedCalls() == 1 }, waitTimeout, 5*time.Millisecond)

	require.NoError(t, h.manager.Close(ctx))

	stored := repo.stored(snap.ID)
	assert.Equal(t, string(StateTransferring), stored.State)
	assert.Zero(t, stored.TaskID)
	assert.Empty(t, stored.ErrorKind)
	assert.Empty(t, stored.ErrorMessage)

	bg := newFakeTransport("bg", true)
	next := newHarnessWithRepo(t, Config{MaxParallel: 1}, repo, bg)

	task := bg.waitStarted(t)
	assert.Equal(t, "https://cdn.test/a.bin", task.req.URL)

	bg.complete(task.id, session.Result{StatusCode: http.StatusOK, Bytes: 3, FileURI: "file:///tmp/a.bin"})

	res := <-next.manager.Done(snap.ID)
	require.NoError(t, res.Err)
	assert.Equal(t, StateFinished, res.Snapshot.State)
}

func TestClose_KeepsBackgroundUploadCommitting(t *testing.T) {
	ctx := context.Background()
	repo := &memRepo{}

	h := newHarnessWithRepo(t, Config{MaxParallel: 1}, repo, newFakeTransport("bg", true))
	h.client.commitGate = make(chan struct{})

	snap, err := h.manager.ScheduleUpload(ctx, item.ForUpload(writeSource(t, "abc"), "/a.txt", ""), UploadOptions{Background: true})
	require.NoError(t, err)

	task := h.transport.waitStarted(t)
	h.transport.complete(task.id, okResult(http.Header{"Upload-Id": []string{"u-1"}}))
	require.Eventually(t, func() bool { return h.client.blockedCalls() == 1 }, waitTimeout, 5*time.Millisecond)

	require.NoError(t, h.manager.Close(ctx))

	stored := repo.stored(snap.ID)
	assert.Equal(t, string(StateTransferring), stored.State)
	assert.Equal(t, "u-1", stored.UploadID)
	assert.Equal(t, int64(3), stored.ChunkOffset)
	assert.Empty(t, stored.ErrorKind)

	next := newHarnessWithRepo(t, Config{MaxParallel: 1}, repo, newFakeTransport("bg", true))

	res := <-next.manager.Done(snap.ID)
	require.NoError(t, res.Err)
	assert.Equal(t, StateFinished, res.Snapshot.State)
	assert.Equal(t, []string{"u-1"}, next.client.commitCalls())
	assert.Empty(t, next.client.chunkCalls(), "all chunks were acknowledged before the restart")
}

func TestUpload_AcknowledgedOffset(t *testing.T) {
	ack := func(uploadID, offset string) session.Result {
		header := http.Header{"Upload-Offset": []string{offset}}
		if uploadID != "" {
			header.Set("Upload-Id", uploadID)
		}

		return okResult(header)
	}

	t.Run("partial chunk is sent again", func(t *testing.T) {
		h := newHarness(t, Config{MaxParallel: 1})

		snap, err := h.manager.ScheduleUpload(context.Background(), item.ForUpload(writeSource(t, "0123456789"), "/a.txt", ""), UploadOptions{})
		require.NoError(t, err)

		first := h.transport.waitStarted(t)
		h.transport.complete(first.id, ack("u-1", "2"))

		second := h.transport.waitStarted(t)
		assert.Equal(t, int64(2), h.repo.stored(snap.ID).ChunkOffset)
		h.transport.complete(second.id, ack("", "6"))

		third := h.transport.waitStarted(t)
		h.transport.complete(third.id, ack("", "10"))

		res := <-h.manager.Done(snap.ID)
		require.NoError(t, res.Err)
		assert.Equal(t, StateFinished, res.Snapshot.State)
		assert.Equal(t, []chunkCall{
			{uploadID: "", offset: 0, length: 4},
			{uploadID: "u-1", offset: 2, length: 4},
			{uploadID: "u-1", offset: 6, length: 4},
		}, h.client.chunkCalls())
	})

	t.Run("offset beyond the chunk fails", func(t *testing.T) {
		h := newHarness(t, Config{MaxParallel: 1})

		snap, err := h.manager.ScheduleUpload(context.Background(), item.ForUpload(writeSource(t, "0123456789"), "/a.txt", ""), UploadOptions{})
		require.NoError(t, err)

		first := h.transport.waitStarted(t)
		h.transport.complete(first.id, ack("u-1", "9"))

		res := <-h.manager.Done(snap.ID)
		assert.Equal(t, StateFailed, res.Snapshot.State)
		assert.True(t, errors.Is(res.Err, cloud.ErrInvalidResponse))
		assert.Empty(t, h.client.commitCalls())
	})
}

func TestRemoveFile(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chunk"), []byte("x"), 0o600))

	removeFile(logger, dir)
	assert.Contains(t, buf.String(), `"msg":"failed to remove partial download"`)

	buf.Reset()

	part := filepath.Join(dir, "chunk")
	removeFile(logger, part)
	removeFile(logger, part)
	removeFile(logger, "")

	assert.Empty(t, buf.String())
	assert.NoFileExists(t, part)
}
