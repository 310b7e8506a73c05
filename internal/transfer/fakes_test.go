package transfer

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/italolelis/cloudsdk/internal/cloud"
	"github.com/italolelis/cloudsdk/internal/item"
	"github.com/italolelis/cloudsdk/internal/session"
	"github.com/italolelis/cloudsdk/internal/storage"
)

const waitTimeout = 2 * time.Second

type fakeTask struct {
	id      uint64
	kind    session.Kind
	req     session.Request
	state   session.TaskState
	result  *session.Result
	resumed bool
}

type cancelCall struct {
	taskID uint64
	keep   bool
}

// fakeTransport runs nothing: tests drive progress and completion by hand.
type fakeTransport struct {
	id         string
	background bool
	cellular   bool

	mu        sync.Mutex
	delegate  session.Delegate
	nextID    uint64
	tasks     map[uint64]*fakeTask
	cancels   []cancelCall
	acked     []uint64
	started   chan *fakeTask
	failTasks error
}

func newFakeTransport(id string, background bool) *fakeTransport {
	return &fakeTransport{
		id:         id,
		background: background,
		tasks:      make(map[uint64]*fakeTask),
		started:    make(chan *fakeTask, 64),
	}
}

func (f *fakeTransport) ID() string                 { return f.id }
func (f *fakeTransport) Background() bool           { return f.background }
func (f *fakeTransport) AllowsCellularAccess() bool { return f.cellular }

func (f *fakeTransport) SetDelegate(d session.Delegate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.delegate = d
}

func (f *fakeTransport) NewTask(_ context.Context, kind session.Kind, req session.Request) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failTasks != nil {
		return 0, f.failTasks
	}

	f.nextID++
	f.tasks[f.nextID] = &fakeTask{id: f.nextID, kind: kind, req: req, state: session.TaskRunning}

	return f.nextID, nil
}

func (f *fakeTransport) Resume(_ context.Context, taskID uint64) error {
	f.mu.Lock()
	task, ok := f.tasks[taskID]
	if ok {
		task.resumed = true
	}
	f.mu.Unlock()

	if !ok {
		return session.ErrUnknownTask
	}

	f.started <- task

	return nil
}

// Cancel completes the task asynchronously with a cancellation, like a session does.
func (f *fakeTransport) Cancel(taskID uint64, keep bool) {
	f.mu.Lock()
	f.cancels = append(f.cancels, cancelCall{taskID: taskID, keep: keep})
	task, ok := f.tasks[taskID]
	f.mu.Unlock()

	if !ok {
		return
	}

	res := session.Result{Err: fmt.Errorf("task %d: %w", taskID, context.Canceled)}
	if keep {
		res.ResumeFile = fmt.Sprintf("resume-%d.part", taskID)
	}

	go f.complete(task.id, res)
}

func (f *fakeTransport) Tasks(_ context.Context) ([]session.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	infos := make([]session.TaskInfo, 0, len(f.tasks))
	for _, task := range f.tasks {
		infos = append(infos, session.TaskInfo{ID: task.id, Kind: task.kind, State: task.state, Result: task.result})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos, nil
}

func (f *fakeTransport) Acknowledge(_ context.Context, taskID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.tasks, taskID)
	f.acked = append(f.acked, taskID)

	return nil
}

// preload registers a task as if it survived a restart.
func (f *fakeTransport) preload(id uint64, kind session.Kind, res *session.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()

	task := &fakeTask{id: id, kind: kind, state: session.TaskRunning, resumed: true}
	if res != nil {
		task.state = session.TaskCompleted
		task.result = res
	}

	f.tasks[id] = task

	if id > f.nextID {
		f.nextID = id
	}
}

func (f *fakeTransport) progress(taskID uint64, transferred, total int64) {
	f.mu.Lock()
	d := f.delegate
	f.mu.Unlock()

	d.TaskProgress(f.id, taskID, transferred, total)
}

// complete finishes a task and reports it. A task completes at most once.
func (f *fakeTransport) complete(taskID uint64, res session.Result) {
	f.mu.Lock()
	task, ok := f.tasks[taskID]
	if !ok || task.state == session.TaskCompleted {
		f.mu.Unlock()

		return
	}

	res.SessionID, res.TaskID, res.Kind = f.id, taskID, task.kind
	task.state = session.TaskCompleted
	task.result = &res

	if !f.background {
		delete(f.tasks, taskID)
	}

	d := f.delegate
	f.mu.Unlock()

	if d != nil {
		d.TaskCompleted(res)
	}
}

func (f *fakeTransport) waitStarted(t *testing.T) *fakeTask {
	t.Helper()

	select {
	case task := <-f.started:
		return task
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a task to start")

		return nil
	}
}

func (f *fakeTransport) assertNoStart(t *testing.T) {
	t.Helper()

	select {
	case task := <-f.started:
		t.Fatalf("unexpected task %d started for %s", task.id, task.req.URL)
	case <-time.After(50 * time.Millisecond):
	}
}

func (f *fakeTransport) cancelCalls() []cancelCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]cancelCall(nil), f.cancels...)
}

func (f *fakeTransport) ackedTasks() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]uint64(nil), f.acked...)
}

type chunkCall struct {
	uploadID string
	offset   int64
	length   int64
}

// fakeClient answers chunk requests with the Upload-Id response header.
type fakeClient struct {
	mu          sync.Mutex
	chunkSize   int64
	chunks      []chunkCall
	commits     []string
	commitErr   error
	downloadErr error
	commitGate  chan struct{}
	linkGate    chan struct{}
	blocked     int
}

// hold blocks a call until gate is closed or ctx is done.
func (c *fakeClient) hold(ctx context.Context, op string, gate chan struct{}) error {
	if gate == nil {
		return nil
	}

	c.mu.Lock()
	c.blocked++
	c.mu.Unlock()

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return cloud.FromTransport(op, ctx.Err())
	}
}

func (c *fakeClient) blockedCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.blocked
}

func (c *fakeClient) DownloadURL(ctx context.Context, it *item.Item) (*cloud.Link, error) {
	if err := c.hold(ctx, "download_url", c.linkGate); err != nil {
		return nil, err
	}

	if c.downloadErr != nil {
		return nil, c.downloadErr
	}

	return &cloud.Link{URL: "https://cdn.test/" + it.TrimmedPath()}, nil
}

func (c *fakeClient) ChunkRequest(_ context.Context, uploadID string, offset, length int64, it *item.Item) (session.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.chunks = append(c.chunks, chunkCall{uploadID: uploadID, offset: offset, length: length})

	return session.Request{
		Method:     http.MethodPut,
		URL:        fmt.Sprintf("https://content.test/chunk?upload_id=%s&offset=%d", uploadID, offset),
		BodyURI:    it.SourceURI,
		BodyOffset: offset,
		BodyLength: length,
	}, nil
}

func (c *fakeClient) ParseChunkResponse(res session.Result) (*cloud.Chunk, error) {
	if res.Err != nil {
		return nil, cloud.FromTransport("upload_chunk", res.Err)
	}

	if !res.OK() {
		return nil, cloud.FromStatus("upload_chunk", res.StatusCode, nil)
	}

	chunk := &cloud.Chunk{UploadID: res.Header.Get("Upload-Id")}

	if v := res.Header.Get("Upload-Offset"); v != "" {
		offset, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}

		chunk.Offset = offset
	}

	return chunk, nil
}

func (c *fakeClient) CommitUpload(ctx context.Context, uploadID string, it *item.Item, _ bool) (*item.Item, error) {
	if err := c.hold(ctx, "commit_upload", c.commitGate); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.commits = append(c.commits, uploadID)

	if c.commitErr != nil {
		return nil, c.commitErr
	}

	return &item.Item{Path: it.Path, Type: item.TypeFile, Size: it.Size, Revision: "r1"}, nil
}

func (c *fakeClient) ChunkSize() int64 {
	return c.chunkSize
}

func (c *fakeClient) chunkCalls() []chunkCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]chunkCall(nil), c.chunks...)
}

func (c *fakeClient) commitCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.commits...)
}

type memRepo struct {
	mu      sync.Mutex
	records []storage.TransferRecord
	saves   int
}

func (r *memRepo) SaveTransfers(_ context.Context, records []storage.TransferRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append([]storage.TransferRecord(nil), records...)
	r.saves++

	return nil
}

func (r *memRepo) GetTransfers(_ context.Context) ([]storage.TransferRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]storage.TransferRecord(nil), r.records...), nil
}

func (r *memRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.saves
}

func (r *memRepo) stored(id string) storage.TransferRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.ID == id {
			return rec
		}
	}

	return storage.TransferRecord{}
}

type harness struct {
	manager   *Manager
	transport *fakeTransport
	client    *fakeClient
	repo      *memRepo
	events    <-chan Event
}

func newHarness(t *testing.T, cfg Config, transports ...*fakeTransport) *harness {
	t.Helper()

	if len(transports) == 0 {
		transports = []*fakeTransport{newFakeTransport("test", false)}
	}

	return newHarnessWithRepo(t, cfg, &memRepo{}, transports...)
}

func newHarnessWithRepo(t *testing.T, cfg Config, repo *memRepo, transports ...*fakeTransport) *harness {
	t.Helper()

	if cfg.ReconcileTimeout == 0 {
		cfg.ReconcileTimeout = 100 * time.Millisecond
	}

	client := &fakeClient{chunkSize: 4}

	list := make([]Transport, 0, len(transports))
	for _, tr := range transports {
		list = append(list, tr)
	}

	m, err := NewManager(context.Background(), cfg, client, repo, nil, list...)
	require.NoError(t, err)

	events, _ := m.Subscribe(1024)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()

		_ = m.Close(ctx)
	})

	return &harness{manager: m, transport: transports[0], client: client, repo: repo, events: events}
}

func (h *harness) snapshot(t *testing.T, id string) Snapshot {
	t.Helper()

	snap, ok := h.manager.Transfer(context.Background(), id)
	require.True(t, ok, "transfer %s not found", id)

	return snap
}

func (h *harness) waitState(t *testing.T, id string, state State) Snapshot {
	t.Helper()

	require.Eventually(t, func() bool {
		snap, ok := h.manager.Transfer(context.Background(), id)

		return ok && snap.State == state
	}, waitTimeout, 5*time.Millisecond, "transfer %s never reached %s", id, state)

	return h.snapshot(t, id)
}

// waitEvent drains events until one of kind for id arrives and returns it.
func (h *harness) waitEvent(t *testing.T, id string, kind EventKind) Event {
	t.Helper()

	timeout := time.After(waitTimeout)

	for {
		select {
		case ev := <-h.events:
			if ev.Snapshot.ID == id && ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event of %s", kind, id)

			return Event{}
		}
	}
}

// collect drains the events published so far.
func (h *harness) collect() []Event {
	var events []Event

	for {
		select {
		case ev := <-h.events:
			events = append(events, ev)
		case <-time.After(50 * time.Millisecond):
			return events
		}
	}
}

func writeSource(t *testing.T, content string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))

	return "file://" + p
}

func okResult(header http.Header) session.Result {
	return session.Result{StatusCode: http.StatusOK, Header: header}
}
