package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/c2fo/vfs/v7/vfssimple"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/italolelis/cloudsdk/internal/cloud"
	"github.com/italolelis/cloudsdk/internal/item"
	"github.com/italolelis/cloudsdk/internal/logctx"
	"github.com/italolelis/cloudsdk/internal/session"
	"github.com/italolelis/cloudsdk/internal/storage"
	"github.com/italolelis/cloudsdk/internal/telemetry"
)

var (
	// ErrTransferNotFound is returned for identifiers the manager does not hold.
	ErrTransferNotFound = errors.New("transfer not found")
	// ErrInvalidState is returned when a change is not allowed in the current state of a transfer.
	ErrInvalidState = errors.New("transfer state does not allow this change")
	// ErrClosed is returned once the manager is closed.
	ErrClosed = errors.New("transfer manager closed")
)

// Transport executes the network tasks of transfers. *session.Session implements it.
type Transport interface {
	ID() string
	Background() bool
	AllowsCellularAccess() bool
	SetDelegate(d session.Delegate)
	NewTask(ctx context.Context, kind session.Kind, req session.Request) (uint64, error)
	Resume(ctx context.Context, taskID uint64) error
	Cancel(taskID uint64, keepResumeData bool)
	Tasks(ctx context.Context) ([]session.TaskInfo, error)
	Acknowledge(ctx context.Context, taskID uint64) error
}

// Config tunes admission and startup of a Manager.
type Config struct {
	// MaxParallel is the number of normal and low priority transfers executing at once.
	MaxParallel int
	// ReconcileTimeout bounds how long listings wait for background reconciliation.
	ReconcileTimeout time.Duration
}

// DownloadOptions are the choices made when scheduling a download.
type DownloadOptions struct {
	AllowsCellularAccess bool
	Priority             Priority
	Background           bool
}

// UploadOptions are the choices made when scheduling an upload. Overwrite
// can still change while the upload is pending.
type UploadOptions struct {
	Overwrite            bool
	AllowsCellularAccess bool
	Priority             Priority
	Background           bool
}

// Manager owns the transfer records. A single lock guards the records, the
// lanes, the task index and the writes of the persisted snapshot.
type Manager struct {
	cfg        Config
	client     cloud.Client
	repo       storage.TransferRepository
	telemetry  *telemetry.Telemetry
	transports map[string]Transport
	events     *dispatcher

	// base carries the logger and outlives callers, ctx is cancelled by Close.
	base   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	records     map[string]*record
	order       []string
	queue       *queue
	ops         map[taskKey]*Operation
	awaiting    map[taskKey]string
	reconciling map[string]bool
	ready       chan struct{}
	closed      bool
}

// NewManager restores the persisted transfers and becomes the delegate of
// every transport. Transports must not be opened before.
func NewManager(
	ctx context.Context,
	cfg Config,
	client cloud.Client,
	repo storage.TransferRepository,
	tel *telemetry.Telemetry,
	transports ...Transport,
) (*Manager, error) {
	if client == nil || repo == nil {
		return nil, errors.New("transfer manager requires an api client and a repository")
	}

	if len(transports) == 0 {
		return nil, errors.New("transfer manager requires at least one transport")
	}

	base := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(base)

	m := &Manager{
		cfg:         cfg,
		client:      client,
		repo:        repo,
		telemetry:   tel,
		transports:  make(map[string]Transport, len(transports)),
		events:      newDispatcher(),
		base:        base,
		ctx:         runCtx,
		cancel:      cancel,
		records:     make(map[string]*record),
		queue:       newQueue(cfg.MaxParallel),
		ops:         make(map[taskKey]*Operation),
		awaiting:    make(map[taskKey]string),
		reconciling: make(map[string]bool),
		ready:       make(chan struct{}),
	}

	for _, t := range transports {
		if _, ok := m.transports[t.ID()]; ok {
			cancel()

			return nil, fmt.Errorf("duplicate transport %s", t.ID())
		}

		m.transports[t.ID()] = t
		t.SetDelegate(sessionDelegate{m: m})
	}

	m.mu.Lock()

	if err := m.restoreLocked(ctx); err != nil {
		m.mu.Unlock()
		cancel()

		return nil, err
	}

	starts := m.admitLocked()
	m.persistLocked()
	m.mu.Unlock()

	m.launch(starts)

	return m, nil
}

func (m *Manager) logger() *slog.Logger {
	return logctx.LoggerFromContext(m.base)
}

// ScheduleDownload adds a download of a file item.
func (m *Manager) ScheduleDownload(ctx context.Context, it *item.Item, opts DownloadOptions) (Snapshot, error) {
	const op = "schedule_download"

	if !it.IsFile() {
		return Snapshot{}, cloud.NewError(cloud.KindInvalidItem, op, "only files can be downloaded")
	}

	t, err := m.transportFor(opts.Background, opts.AllowsCellularAccess)
	if err != nil {
		return Snapshot{}, err
	}

	total := UnknownTotal
	if it.Size > 0 {
		total = it.Size
	}

	rec := m.newRecord(t, TypeDownload, it, opts.Priority, opts.Background, opts.AllowsCellularAccess)
	rec.bytesTotal = total

	snap, err := m.add(rec)
	if err != nil {
		return Snapshot{}, err
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download scheduled",
		"transfer_id", rec.id, "path", it.Path, "priority", opts.Priority.String(), "session_id", t.ID())

	return snap, nil
}

// ScheduleUpload adds an upload of the payload at it.SourceURI to it.Path.
// The payload is sent in chunks of the client chunk size.
func (m *Manager) ScheduleUpload(ctx context.Context, it *item.Item, opts UploadOptions) (Snapshot, error) {
	const op = "schedule_upload"

	if !it.IsFile() || it.SourceURI == "" {
		return Snapshot{}, cloud.NewError(cloud.KindInvalidItem, op, "upload requires a file item with a source payload")
	}

	size, err := sourceSize(it.SourceURI)
	if err != nil {
		return Snapshot{}, &cloud.Error{Kind: cloud.KindInvalidItem, Operation: op, Message: err.Error(), Err: err}
	}

	t, err := m.transportFor(opts.Background, opts.AllowsCellularAccess)
	if err != nil {
		return Snapshot{}, err
	}

	upload := it.Clone()
	upload.Size = size

	rec := m.newRecord(t, TypeUpload, upload, opts.Priority, opts.Background, opts.AllowsCellularAccess)
	rec.overwrite = opts.Overwrite
	rec.bytesTotal = size

	snap, err := m.add(rec)
	if err != nil {
		return Snapshot{}, err
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "upload scheduled",
		"transfer_id", rec.id, "path", it.Path, "size", humanize.Bytes(uint64(size)), "chunks", chunkCount(size, m.chunkSize()))

	return snap, nil
}

// TransfersOfType lists transfers in creation order. It waits for background
// reconciliation, at most Config.ReconcileTimeout.
func (m *Manager) TransfersOfType(ctx context.Context, typ Type) []Snapshot {
	m.waitReady(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(m.order))

	for _, id := range m.order {
		rec := m.records[id]
		if typ == TypeAll || rec.typ == typ {
			snaps = append(snaps, rec.snapshot())
		}
	}

	return snaps
}

// Transfer returns the current snapshot of one transfer.
func (m *Manager) Transfer(_ context.Context, id string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return Snapshot{}, false
	}

	return rec.snapshot(), true
}

// Done returns the channel receiving the outcome of a transfer. It receives
// one Result when the transfer finishes or fails and is closed without a value
// when the transfer is cancelled. Unknown transfers get a closed channel.
func (m *Manager) Done(id string) <-chan Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[id]; ok {
		return rec.done
	}

	ch := make(chan Result)
	close(ch)

	return ch
}

// Subscribe registers for transfer events. Progress events are dropped while
// the channel is full. cancel closes the channel.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.events.subscribe(buffer)
}

// ClearTransfer removes a failed, finished or cancelled transfer. Other
// transfers are left untouched.
func (m *Manager) ClearTransfer(_ context.Context, id string) {
	m.clear(func(rec *record) bool { return rec.id == id && rec.state.Terminal() })
}

// ClearFailedTransfers removes the failed and cancelled transfers.
func (m *Manager) ClearFailedTransfers(_ context.Context) {
	m.clear(func(rec *record) bool { return rec.state == StateFailed || rec.state == StateCancelled })
}

// ClearFinishedTransfers removes the finished transfers.
func (m *Manager) ClearFinishedTransfers(_ context.Context) {
	m.clear(func(rec *record) bool { return rec.state == StateFinished })
}

// Cancel stops a transfer. A transfer with an executing task is cancelled
// once the task has stopped. Cancelling a terminal transfer does nothing.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()

	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()

		return ErrTransferNotFound
	}

	var (
		stop       Transport
		taskID     uint64
		resumeFile string
	)

	switch {
	case rec.state.Terminal() || rec.cancelled:
	case rec.op != nil && rec.op.State() == OperationExecuting:
		rec.op.cancel()
		rec.cancelled = true
		stop, taskID = m.transports[rec.sessionID], rec.op.TaskID
	case rec.op != nil:
		// the task is still being created
		m.dropOpLocked(rec)
		m.finalizeLocked(rec, StateCancelled, nil)
	case rec.committing:
		rec.cancelled = true
	default:
		m.queue.remove(rec.id)
		resumeFile = rec.resumeFile
		m.finalizeLocked(rec, StateCancelled, nil)
	}

	starts := m.admitLocked()
	m.persistLocked()
	m.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)
	logger.InfoContext(ctx, "transfer cancel requested", "transfer_id", id)

	if stop != nil {
		stop.Cancel(taskID, false)
	}

	removeFile(logger, resumeFile)
	m.launch(starts)

	return nil
}

// Suspend pauses a transferring transfer. Downloads keep the received bytes
// and continue from there on Resume, uploads continue from the last
// acknowledged chunk.
func (m *Manager) Suspend(ctx context.Context, id string) error {
	m.mu.Lock()

	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()

		return ErrTransferNotFound
	}

	var (
		stop   Transport
		taskID uint64
	)

	switch {
	case rec.state != StateTransferring || rec.committing || rec.cancelled:
	case rec.op != nil && rec.op.State() == OperationExecuting:
		rec.op.suspend = true
		stop, taskID = m.transports[rec.sessionID], rec.op.TaskID
	case rec.op != nil:
		m.dropOpLocked(rec)
		m.suspendLocked(rec)
	default:
		m.queue.remove(rec.id)
		m.suspendLocked(rec)
	}

	starts := m.admitLocked()
	m.persistLocked()
	m.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "transfer suspend requested", "transfer_id", id)

	if stop != nil {
		stop.Cancel(taskID, true)
	}

	m.launch(starts)

	return nil
}

// Resume continues a suspended transfer ahead of its lane.
func (m *Manager) Resume(ctx context.Context, id string) error {
	m.mu.Lock()

	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()

		return ErrTransferNotFound
	}

	if rec.state != StateSuspended {
		m.mu.Unlock()

		return nil
	}

	rec.state = StateTransferring
	m.setActiveLocked(rec, true)
	m.events.publish(EventStarted, rec.snapshot())
	m.queue.pushFront(laneFor(rec.priority), rec.id)

	starts := m.admitLocked()
	m.persistLocked()
	m.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "transfer resumed", "transfer_id", id)

	m.launch(starts)

	return nil
}

// Retry puts a failed transfer back in its lane with the same configuration.
// Transfers in any other state are left untouched.
func (m *Manager) Retry(ctx context.Context, id string) error {
	m.mu.Lock()

	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()

		return ErrTransferNotFound
	}

	if rec.state != StateFailed {
		m.mu.Unlock()

		return nil
	}

	rec.reset()
	rec.state = StatePending
	m.events.publish(EventAdded, rec.snapshot())
	m.queue.push(laneFor(rec.priority), rec.id)

	starts := m.admitLocked()
	m.persistLocked()
	m.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "transfer retried", "transfer_id", id)

	m.launch(starts)

	return nil
}

// SetOverwrite changes the overwrite flag of an upload that has not started.
func (m *Manager) SetOverwrite(_ context.Context, id string, overwrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrTransferNotFound
	}

	if rec.typ != TypeUpload || rec.state != StatePending {
		return ErrInvalidState
	}

	rec.overwrite = overwrite
	m.persistLocked()

	return nil
}

// Close persists the transfers and detaches the manager from its transports.
// Transfers of background transports continue in the next process.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil
	}

	m.closed = true
	m.persistLocked()
	m.mu.Unlock()

	for _, t := range m.transports {
		t.SetDelegate(nil)
	}

	m.cancel()

	done := make(chan struct{})

	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error

	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	m.events.close(ctx)

	return err
}

func (m *Manager) newRecord(t Transport, typ Type, it *item.Item, p Priority, background, cellular bool) *record {
	return &record{
		id:         uuid.NewString(),
		sessionID:  t.ID(),
		typ:        typ,
		background: background,
		priority:   p,
		cellular:   cellular,
		state:      StatePending,
		item:       it.Clone(),
		createdAt:  time.Now().UTC(),
		done:       make(chan Result, 1),
	}
}

func (m *Manager) add(rec *record) (Snapshot, error) {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return Snapshot{}, ErrClosed
	}

	m.records[rec.id] = rec
	m.order = append(m.order, rec.id)
	m.events.publish(EventAdded, rec.snapshot())
	m.queue.push(laneFor(rec.priority), rec.id)

	starts := m.admitLocked()
	m.persistLocked()
	snap := rec.snapshot()
	m.mu.Unlock()

	m.launch(starts)

	return snap, nil
}

func (m *Manager) clear(match func(*record) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.order[:0]
	removed := 0

	for _, id := range m.order {
		rec := m.records[id]
		if !match(rec) {
			kept = append(kept, id)

			continue
		}

		delete(m.records, id)
		m.events.publish(EventRemoved, rec.snapshot())
		removed++
	}

	m.order = kept

	if removed > 0 {
		m.persistLocked()
	}
}

// transportFor picks the transport of a new transfer. A transfer that allows
// cellular access may run on a transport that does not, never the reverse.
func (m *Manager) transportFor(background, cellular bool) (Transport, error) {
	var fallback Transport

	for _, t := range m.transports {
		if t.Background() != background {
			continue
		}

		if t.AllowsCellularAccess() == cellular {
			return t, nil
		}

		if !t.AllowsCellularAccess() && (fallback == nil || t.ID() < fallback.ID()) {
			fallback = t
		}
	}

	if fallback != nil {
		return fallback, nil
	}

	return nil, cloud.NewError(cloud.KindInvalidParameters, "schedule",
		fmt.Sprintf("no session for background=%t cellular=%t", background, cellular))
}

func (m *Manager) chunkSize() int64 {
	if cs := m.client.ChunkSize(); cs > 0 {
		return cs
	}

	return cloud.DefaultChunkSize
}

// admitLocked moves waiting transfers into execution following the lane
// policy and returns the operations to start.
func (m *Manager) admitLocked() []*Operation {
	if m.closed {
		return nil
	}

	var starts []*Operation

	for {
		id, l, ok := m.queue.next()
		if !ok {
			return starts
		}

		rec, ok := m.records[id]
		if !ok || (rec.state != StatePending && rec.state != StateTransferring) {
			m.queue.release(l)

			continue
		}

		if rec.state == StatePending {
			rec.state = StateTransferring
			rec.startedAt = time.Now()
			m.setActiveLocked(rec, true)
			m.events.publish(EventStarted, rec.snapshot())
		}

		op := newOperation(rec, rec.sessionID, l)
		if rec.typ == TypeUpload {
			op.Offset = rec.chunkOffset
			op.Length = chunkLength(rec.bytesTotal, rec.chunkOffset, m.chunkSize())
		}

		rec.op = op
		starts = append(starts, op)
	}
}

func (m *Manager) launch(starts []*Operation) {
	for _, op := range starts {
		m.wg.Add(1)

		go func(op *Operation) {
			defer m.wg.Done()

			m.start(op)
		}(op)
	}
}

// start creates and resumes the task of an admitted operation.
func (m *Manager) start(op *Operation) {
	m.mu.Lock()

	rec, ok := m.records[op.TransferID]
	if !ok || rec.op != op || op.State() != OperationPending {
		m.mu.Unlock()

		return
	}

	t := m.transports[rec.sessionID]
	it := rec.item.Clone()
	typ, uploadID, resumeFile := rec.typ, rec.uploadID, rec.resumeFile
	commitOnly := typ == TypeUpload && uploadID != "" && rec.chunkOffset >= rec.bytesTotal

	if commitOnly {
		m.dropOpLocked(rec)
		rec.committing = true
		m.persistLocked()
	}

	m.mu.Unlock()

	logger := m.logger().With("transfer_id", op.TransferID, "session_id", op.SessionID)

	if commitOnly {
		m.commit(rec.id)

		return
	}

	var (
		kind session.Kind
		req  session.Request
		err  error
	)

	switch typ {
	case TypeDownload:
		kind = session.KindDownload

		var link *cloud.Link

		link, err = m.client.DownloadURL(m.ctx, it)
		if err == nil {
			req = session.Request{Method: http.MethodGet, URL: link.URL, ResumeFile: resumeFile}
		}
	default:
		kind = session.KindUpload
		req, err = m.client.ChunkRequest(m.ctx, uploadID, op.Offset, op.Length, it)
	}

	if err != nil {
		logger.Error("failed to prepare transfer task", "err", err)
		m.abort(op, err)

		return
	}

	taskID, err := t.NewTask(m.ctx, kind, req)
	if err != nil {
		logger.Error("failed to create transfer task", "err", err)
		m.abort(op, cloud.FromTransport(string(kind), err))

		return
	}

	m.mu.Lock()

	if rec.op != op || !op.execute(taskID) {
		m.mu.Unlock()

		t.Cancel(taskID, false)

		return
	}

	rec.taskID = taskID
	m.ops[op.key()] = op
	m.persistLocked()
	m.mu.Unlock()

	logger.Debug("transfer task started", "task_id", taskID, "offset", op.Offset, "length", op.Length)

	if err := t.Resume(m.ctx, taskID); err != nil {
		logger.Error("failed to resume transfer task", "task_id", taskID, "err", err)
		m.abort(op, cloud.FromTransport(string(kind), err))
	}
}

// abort fails the transfer of an operation whose task could not run.
func (m *Manager) abort(op *Operation, err error) {
	m.mu.Lock()

	rec, ok := m.records[op.TransferID]
	if !ok || rec.op != op {
		m.mu.Unlock()

		return
	}

	m.dropOpLocked(rec)
	op.finish()

	switch {
	case rec.cancelled:
		m.finalizeLocked(rec, StateCancelled, nil)
	case m.interruptedLocked():
		m.detachLocked(rec)
		m.persistLocked()
		m.mu.Unlock()

		return
	default:
		m.finalizeLocked(rec, StateFailed, err)
	}

	starts := m.admitLocked()
	m.persistLocked()
	m.mu.Unlock()

	m.launch(starts)
}

// dropOpLocked detaches the operation of rec and frees its slot.
func (m *Manager) dropOpLocked(rec *record) {
	op := rec.op
	if op == nil {
		return
	}

	if op.TaskID != 0 {
		delete(m.ops, op.key())
		delete(m.awaiting, op.key())
	}

	m.queue.release(op.lane)
	rec.op = nil
	rec.taskID = 0
}

// interruptedLocked reports whether Close cut short the call that just returned.
func (m *Manager) interruptedLocked() bool {
	return m.closed && m.ctx.Err() != nil
}

// detachLocked leaves rec transferring without a task, the way the next
// process expects it: restore queues it again or commits its upload.
func (m *Manager) detachLocked(rec *record) {
	rec.committing = false
	rec.taskID = 0

	m.logger().Info("transfer interrupted by shutdown", "transfer_id", rec.id, "type", rec.typ)
}

func (m *Manager) progress(sessionID string, taskID uint64, transferred, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[taskKey{sessionID: sessionID, taskID: taskID}]
	if !ok {
		return
	}

	rec, ok := m.records[op.TransferID]
	if !ok || rec.op != op {
		return
	}

	n, speed, ok := op.progress(time.Now(), transferred)
	if !ok {
		return
	}

	if rec.typ == TypeDownload && rec.bytesTotal < 0 && total > 0 {
		rec.bytesTotal = total
	}

	rec.speed = speed

	delta := rec.setProgress(n)
	if delta == 0 {
		return
	}

	m.telemetry.RecordBytes(string(rec.typ), delta)
	m.events.publish(EventProgressUpdated, rec.snapshot())
}

// completed consumes the result of a task. It is safe to call more than once
// for the same task: only the first call finds the operation.
func (m *Manager) completed(res session.Result) {
	var (
		chunk    *cloud.Chunk
		chunkErr error
	)

	if res.Kind == session.KindUpload {
		chunk, chunkErr = m.client.ParseChunkResponse(res)
	}

	key := taskKey{sessionID: res.SessionID, taskID: res.TaskID}

	m.mu.Lock()

	op, ok := m.ops[key]
	if !ok {
		m.mu.Unlock()
		m.acknowledge(key)

		return
	}

	rec, ok := m.records[op.TransferID]
	if !ok || rec.op != op {
		delete(m.ops, key)
		delete(m.awaiting, key)
		m.mu.Unlock()
		m.acknowledge(key)

		return
	}

	logger := m.logger().With("transfer_id", rec.id, "task_id", res.TaskID)
	m.dropOpLocked(rec)

	var (
		commit  bool
		discard string
	)

	switch {
	case op.State() == OperationCancelled || rec.cancelled:
		discard = res.ResumeFile
		m.finalizeLocked(rec, StateCancelled, nil)
	case op.suspend && !res.OK():
		op.cancel()
		rec.resumeFile = res.ResumeFile
		m.suspendLocked(rec)
	case rec.typ == TypeDownload:
		op.finish()

		if !res.OK() {
			m.finalizeLocked(rec, StateFailed, taskError("download", res))

			break
		}

		if rec.bytesTotal < 0 {
			rec.bytesTotal = res.Bytes
		}

		m.telemetry.RecordBytes(string(rec.typ), rec.setProgress(res.Bytes))
		rec.downloadedFile = res.FileURI
		rec.resumeFile = ""
		m.finalizeLocked(rec, StateFinished, nil)
	default:
		op.finish()

		if chunkErr != nil {
			m.finalizeLocked(rec, StateFailed, chunkErr)

			break
		}

		if chunk.UploadID != "" {
			rec.uploadID = chunk.UploadID
		}

		if rec.uploadID == "" {
			m.finalizeLocked(rec, StateFailed, cloud.NewError(cloud.KindInvalidResponse, "upload_chunk", "no upload id for the upload session"))

			break
		}

		next, err := acknowledgedOffset(op, chunk)
		if err != nil {
			m.finalizeLocked(rec, StateFailed, err)

			break
		}

		rec.chunkOffset = next
		m.telemetry.RecordBytes(string(rec.typ), rec.setProgress(rec.chunkOffset))
		m.events.publish(EventProgressUpdated, rec.snapshot())

		if rec.chunkOffset < rec.bytesTotal {
			m.queue.pushFront(op.lane, rec.id)

			break
		}

		rec.committing = true
		commit = true
	}

	starts := m.admitLocked()
	m.persistLocked()
	m.mu.Unlock()

	logger.Debug("transfer task completed", "status", res.StatusCode, "bytes", res.Bytes, "err", res.Err)

	m.acknowledge(key)
	removeFile(logger, discard)
	m.launch(starts)

	if commit {
		m.wg.Add(1)

		go func() {
			defer m.wg.Done()

			m.commit(rec.id)
		}()
	}
}

// commit finalizes the server side upload session of rec.
func (m *Manager) commit(id string) {
	m.mu.Lock()

	rec, ok := m.records[id]
	if !ok || !rec.committing {
		m.mu.Unlock()

		return
	}

	uploadID, it, overwrite := rec.uploadID, rec.item.Clone(), rec.overwrite
	m.mu.Unlock()

	uploaded, err := m.client.CommitUpload(m.ctx, uploadID, it, overwrite)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec.committing = false

	switch {
	case rec.cancelled:
		m.finalizeLocked(rec, StateCancelled, nil)
	case err != nil && m.interruptedLocked():
		m.detachLocked(rec)
	case err != nil:
		m.finalizeLocked(rec, StateFailed, err)
	default:
		rec.uploadedItem = uploaded
		m.finalizeLocked(rec, StateFinished, nil)
	}

	m.persistLocked()
}

func (m *Manager) acknowledge(key taskKey) {
	t, ok := m.transports[key.sessionID]
	if !ok || !t.Background() {
		return
	}

	if err := t.Acknowledge(m.base, key.taskID); err != nil {
		m.logger().Warn("failed to acknowledge task", "session_id", key.sessionID, "task_id", key.taskID, "err", err)
	}
}

func (m *Manager) suspendLocked(rec *record) {
	if !rec.state.CanTransition(StateSuspended) {
		return
	}

	rec.state = StateSuspended
	rec.speed = 0
	m.setActiveLocked(rec, false)
	m.events.publish(EventSuspended, rec.snapshot())
}

// finalizeLocked moves rec to a terminal state and delivers its result.
func (m *Manager) finalizeLocked(rec *record, state State, err error) {
	if !rec.state.CanTransition(state) {
		return
	}

	rec.state = state
	rec.speed = 0
	rec.finishedAt = time.Now().UTC()
	rec.committing = false

	if state == StateFailed {
		rec.err = err
	}

	m.setActiveLocked(rec, false)

	var duration time.Duration
	if !rec.startedAt.IsZero() {
		duration = time.Since(rec.startedAt)
	}

	m.telemetry.RecordTransfer(string(rec.typ), string(state), duration)

	snap := rec.snapshot()
	m.events.publish(EventFinished, snap)

	if state == StateCancelled {
		close(rec.done)
	} else {
		select {
		case rec.done <- Result{Snapshot: snap, Err: err}:
		default:
		}
	}

	logger := m.logger().With("transfer_id", rec.id, "type", rec.typ, "path", rec.item.Path)

	switch state {
	case StateFailed:
		logger.Error("transfer failed", "err", err)
	case StateFinished:
		logger.Info("transfer finished", "size", humanize.Bytes(uint64(max(rec.bytesTransferred, 0))), "duration", duration)
	default:
		logger.Info("transfer cancelled")
	}
}

func (m *Manager) setActiveLocked(rec *record, active bool) {
	if rec.active == active {
		return
	}

	rec.active = active

	if active {
		m.telemetry.IncrementActiveTransfers(string(rec.typ))
	} else {
		m.telemetry.DecrementActiveTransfers(string(rec.typ))
	}
}

// persistLocked rewrites the stored snapshot. Failures are logged, the
// in-memory state stays authoritative.
func (m *Manager) persistLocked() {
	records := make([]storage.TransferRecord, 0, len(m.order))

	for _, id := range m.order {
		tr, err := m.records[id].toStorage()
		if err != nil {
			m.logger().Error("failed to encode transfer", "err", err)

			continue
		}

		records = append(records, tr)
	}

	if err := m.repo.SaveTransfers(m.base, records); err != nil {
		m.telemetry.RecordSystemError("transfer", "persist")
		m.logger().Error("failed to persist transfers", "err", err)
	}
}

func (m *Manager) waitReady(ctx context.Context) {
	timeout := m.cfg.ReconcileTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.ready:
	case <-timer.C:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "background reconciliation still running, listing transfers anyway")
	case <-ctx.Done():
	}
}

// sessionDelegate receives the task callbacks of the transports.
type sessionDelegate struct {
	m *Manager
}

func (d sessionDelegate) TaskProgress(sessionID string, taskID uint64, transferred, total int64) {
	d.m.progress(sessionID, taskID, transferred, total)
}

func (d sessionDelegate) TaskCompleted(res session.Result) {
	d.m.completed(res)
}

func taskError(op string, res session.Result) error {
	if res.Err != nil {
		return cloud.FromTransport(op, res.Err)
	}

	var cause error
	if len(res.Body) > 0 {
		cause = errors.New(string(res.Body))
	}

	return cloud.FromStatus(op, res.StatusCode, cause)
}

func sourceSize(uri string) (int64, error) {
	f, err := vfssimple.NewFile(uri)
	if err != nil {
		return 0, fmt.Errorf("invalid source %s: %w", uri, err)
	}
	defer f.Close()

	exists, err := f.Exists()
	if err != nil {
		return 0, fmt.Errorf("failed to stat source %s: %w", uri, err)
	}

	if !exists {
		return 0, fmt.Errorf("source %s does not exist", uri)
	}

	size, err := f.Size()
	if err != nil {
		return 0, fmt.Errorf("failed to stat source %s: %w", uri, err)
	}

	return int64(size), nil
}

func removeFile(logger *slog.Logger, path string) {
	if path == "" {
		return
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove partial download", "path", path, "err", err)
	}
}

// acknowledgedOffset is where the upload continues after op. A server may
// keep only part of a chunk, never less than it held before nor more than it
// was sent. A zero offset means the server did not report one.
func acknowledgedOffset(op *Operation, chunk *cloud.Chunk) (int64, error) {
	sent := op.Offset + op.Length

	switch {
	case chunk.Offset == 0:
		return sent, nil
	case chunk.Offset < op.Offset || chunk.Offset > sent:
		return 0, cloud.NewError(cloud.KindInvalidResponse, "upload_chunk",
			fmt.Sprintf("server acknowledged offset %d for a chunk of %d bytes at %d", chunk.Offset, op.Length, op.Offset))
	default:
		return chunk.Offset, nil
	}
}

func chunkCount(size, chunkSize int64) int64 {
	if size <= 0 {
		return 1
	}

	return (size + chunkSize - 1) / chunkSize
}

func chunkLength(total, offset, chunkSize int64) int64 {
	return max(min(chunkSize, total-offset), 0)
}
