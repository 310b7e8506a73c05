// Package session executes network tasks for the transfer manager. A Session
// is the analog of a platform URL session: tasks are created suspended, run
// concurrently once resumed, report progress and completion to a Delegate and,
// for background sessions, are journaled so that they survive process restarts.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/italolelis/cloudsdk/internal/logctx"
	"github.com/italolelis/cloudsdk/internal/storage"
)

const (
	dirPerm = 0755

	defaultProgressInterval = 64 * 1024
)

var (
	// ErrUnknownTask is returned for task identifiers the session does not hold.
	ErrUnknownTask = errors.New("unknown task")
	// ErrClosed is returned when tasks are created on a closed session.
	ErrClosed = errors.New("session closed")
)

type Kind string

const (
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
)

// TaskState is the state of a task as seen by Tasks.
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
)

// Request describes the HTTP exchange of a task.
type Request struct {
	Method string
	URL    string
	Header http.Header

	// Upload payload: BodyLength bytes of the vfs file BodyURI starting at BodyOffset.
	BodyURI    string
	BodyOffset int64
	BodyLength int64

	// ResumeFile is a partial download kept by a previous cancellation. The
	// task continues it with a Range request.
	ResumeFile string
}

// Result is the outcome of a task. Non-2xx responses are not an error at
// this level: StatusCode and Body are reported as received.
type Result struct {
	SessionID  string
	TaskID     uint64
	Kind       Kind
	StatusCode int
	Header     http.Header
	Body       []byte

	// FileURI is the downloaded file (file://), set for successful downloads.
	FileURI string
	// ResumeFile is the partial download kept when the task was cancelled with resume data.
	ResumeFile string
	// Bytes is the number of payload bytes the task holds at completion.
	Bytes int64
	Err   error
}

// OK reports whether the exchange completed with a 2xx response.
func (r Result) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// TaskInfo describes a task known to the session.
type TaskInfo struct {
	ID     uint64
	Kind   Kind
	State  TaskState
	Result *Result
}

// Delegate receives task callbacks. Callbacks are never invoked while the
// session holds its own lock, and never from inside a session method.
type Delegate interface {
	TaskProgress(sessionID string, taskID uint64, transferred, total int64)
	TaskCompleted(res Result)
}

// Config describes a session.
type Config struct {
	ID                   string
	Background           bool
	AllowsCellularAccess bool
	// TempDir receives downloaded files.
	TempDir string
	// ProgressInterval is the number of bytes between progress callbacks.
	ProgressInterval int64
}

type task struct {
	id     uint64
	kind   Kind
	req    Request
	state  TaskState
	resume bool

	started    bool
	cancel     context.CancelFunc
	keepResume bool
	cancelled  bool
	result     *Result
}

// Session runs tasks over an HTTP client.
type Session struct {
	cfg     Config
	client  *http.Client
	journal storage.TaskJournal

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	delegate Delegate
	tasks    map[uint64]*task
	closed   bool

	nextID atomic.Uint64
}

// New creates a session. Background sessions require a journal.
func New(cfg Config, client *http.Client, journal storage.TaskJournal) (*Session, error) {
	if cfg.ID == "" {
		return nil, errors.New("session identifier is required")
	}

	if cfg.Background && journal == nil {
		return nil, fmt.Errorf("background session %s requires a task journal", cfg.ID)
	}

	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}

	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}

	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		cfg:     cfg,
		client:  client,
		journal: journal,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[uint64]*task),
	}, nil
}

func (s *Session) ID() string { return s.cfg.ID }

func (s *Session) Background() bool { return s.cfg.Background }

func (s *Session) AllowsCellularAccess() bool { return s.cfg.AllowsCellularAccess }

// SetDelegate sets the receiver of task callbacks. It must be called before Open.
func (s *Session) SetDelegate(d Delegate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.delegate = d
}

// Open reloads the journal of a background session. Tasks that were running
// when the previous process stopped are restarted, completed tasks are kept
// until acknowledged. Foreground sessions have nothing to reload.
func (s *Session) Open(ctx context.Context) error {
	if !s.cfg.Background {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx).With("session_id", s.cfg.ID)

	records, err := s.journal.GetTasks(ctx, s.cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to load task journal: %w", err)
	}

	var restart []*task

	s.mu.Lock()

	for _, rec := range records {
		t, err := taskFromRecord(rec)
		if err != nil {
			logger.Warn("dropping unreadable journaled task", "task_id", rec.TaskID, "err", err)

			continue
		}

		if _, ok := s.tasks[t.id]; ok {
			continue
		}

		s.tasks[t.id] = t

		if t.state == TaskRunning {
			t.resume = true
			restart = append(restart, t)
		}
	}

	s.mu.Unlock()

	for _, t := range restart {
		logger.Info("restarting journaled task", "task_id", t.id, "kind", t.kind)

		if err := s.Resume(ctx, t.id); err != nil {
			return err
		}
	}

	logger.Debug("session opened", "tasks", len(records), "restarted", len(restart))

	return nil
}

// NewTask registers a suspended task and returns its identifier.
func (s *Session) NewTask(ctx context.Context, kind Kind, req Request) (uint64, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return 0, ErrClosed
	}

	var id uint64

	if s.cfg.Background {
		var err error

		id, err = s.journal.NextTaskID(ctx, s.cfg.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to allocate task id: %w", err)
		}
	} else {
		id = s.nextID.Add(1)
	}

	t := &task{id: id, kind: kind, req: req, state: TaskRunning, resume: req.ResumeFile != ""}

	if s.cfg.Background {
		rec, err := recordFromTask(s.cfg.ID, t)
		if err != nil {
			return 0, err
		}

		if err := s.journal.PutTask(ctx, rec); err != nil {
			return 0, fmt.Errorf("failed to journal task: %w", err)
		}
	}

	s.mu.Lock()
	s.tasks[id] = t
	s.mu.Unlock()

	return id, nil
}

// Resume starts a task created by NewTask. Resuming a started task is a no-op.
func (s *Session) Resume(ctx context.Context, taskID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTask, taskID)
	}

	if t.started || t.state == TaskCompleted {
		return nil
	}

	if s.closed {
		return ErrClosed
	}

	taskCtx, cancel := context.WithCancel(s.ctx)
	taskCtx = logctx.WithLogger(taskCtx, logctx.LoggerFromContext(ctx).With("session_id", s.cfg.ID, "task_id", taskID))

	t.started = true
	t.cancel = cancel

	s.wg.Add(1)

	go s.run(taskCtx, t)

	return nil
}

// Cancel stops a task. With keepResumeData a partial download is kept and
// reported as Result.ResumeFile. The completion is always delivered
// asynchronously through the delegate.
func (s *Session) Cancel(taskID uint64, keepResumeData bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.state == TaskCompleted || t.cancelled {
		return
	}

	t.cancelled = true
	t.keepResume = keepResumeData

	if t.started {
		t.cancel()

		return
	}

	// never started, complete it right away
	t.started = true

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.complete(s.ctx, t, Result{Err: fmt.Errorf("task %d: %w", t.id, context.Canceled), ResumeFile: t.req.ResumeFile})
	}()
}

// Tasks lists the tasks of the session ordered by identifier.
func (s *Session) Tasks(_ context.Context) ([]TaskInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]TaskInfo, 0, len(s.tasks))

	for _, t := range s.tasks {
		info := TaskInfo{ID: t.id, Kind: t.kind, State: t.state}

		if t.result != nil {
			res := *t.result
			info.Result = &res
		}

		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos, nil
}

// Acknowledge forgets a completed task.
func (s *Session) Acknowledge(ctx context.Context, taskID uint64) error {
	s.mu.Lock()
	delete(s.tasks, taskID)
	s.mu.Unlock()

	if s.cfg.Background {
		if err := s.journal.DeleteTask(ctx, s.cfg.ID, taskID); err != nil {
			return fmt.Errorf("failed to delete journaled task: %w", err)
		}
	}

	return nil
}

// Close stops all tasks without reporting them. A background session leaves
// its journal untouched so that the next Open restarts the tasks, keeping
// partial downloads.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete records the result of t and notifies the delegate.
func (s *Session) complete(ctx context.Context, t *task, res Result) {
	logger := logctx.LoggerFromContext(ctx)

	res.SessionID = s.cfg.ID
	res.TaskID = t.id
	res.Kind = t.kind

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		logger.Debug("session closed, task detached")

		return
	}

	t.state = TaskCompleted
	t.result = &res

	delegate := s.delegate

	if !s.cfg.Background {
		delete(s.tasks, t.id)
	}

	s.mu.Unlock()

	if s.cfg.Background {
		rec, err := recordFromTask(s.cfg.ID, t)
		if err == nil {
			err = s.journal.PutTask(context.WithoutCancel(ctx), rec)
		}

		if err != nil {
			logger.Error("failed to journal task completion", "err", err)
		}
	}

	if delegate != nil {
		delegate.TaskCompleted(res)
	}
}

func (s *Session) progress(taskID uint64, written, total int64) {
	s.mu.Lock()
	delegate := s.delegate
	closed := s.closed
	s.mu.Unlock()

	if delegate != nil && !closed {
		delegate.TaskProgress(s.cfg.ID, taskID, written, total)
	}
}

// partPath is where a download writes until it completes.
func (s *Session) partPath(t *task) string {
	if t.req.ResumeFile != "" {
		return t.req.ResumeFile
	}

	return filepath.Join(s.cfg.TempDir, fmt.Sprintf("%s-%d.part", s.cfg.ID, t.id))
}
