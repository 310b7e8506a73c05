package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/c2fo/vfs/v7/vfssimple"
	"github.com/dustin/go-humanize"

	"github.com/italolelis/cloudsdk/internal/logctx"
	"github.com/italolelis/cloudsdk/internal/session/progress"
)

const (
	filePerm = 0644

	// maxResponseBody bounds the response body kept in a Result.
	maxResponseBody = 1 << 20
)

func (s *Session) run(ctx context.Context, t *task) {
	defer s.wg.Done()

	var res Result

	switch t.kind {
	case KindDownload:
		res = s.download(ctx, t)
	case KindUpload:
		res = s.upload(ctx, t)
	default:
		res = Result{Err: fmt.Errorf("unsupported task kind %q", t.kind)}
	}

	s.complete(ctx, t, res)
}

func (s *Session) download(ctx context.Context, t *task) Result {
	logger := logctx.LoggerFromContext(ctx)
	path := s.partPath(t)

	var offset int64

	if t.resume {
		if fi, err := os.Stat(path); err == nil {
			offset = fi.Size()
		}
	}

	req, err := newHTTPRequest(ctx, t.req, nil)
	if err != nil {
		return Result{Err: err}
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	logger.Debug("starting download", "resume_offset", offset)

	resp, err := s.client.Do(req)
	if err != nil {
		return s.interruptedDownload(ctx, t, path, offset, err)
	}
	defer resp.Body.Close()

	res := Result{StatusCode: resp.StatusCode, Header: resp.Header.Clone()}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		res.Body, _ = io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

		if !s.keepsPart(t) {
			removePart(path)
		}

		return res
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resp.StatusCode == http.StatusPartialContent && offset > 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	} else {
		// the server ignored the range, start over
		offset = 0
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return Result{Err: fmt.Errorf("failed to create temporary directory: %w", err)}
	}

	out, err := os.OpenFile(path, flags, filePerm)
	if err != nil {
		return Result{Err: fmt.Errorf("failed to create temporary file: %w", err)}
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	pr := progress.NewReader(resp.Body, offset, total, s.cfg.ProgressInterval, func(written, total int64) {
		s.progress(t.id, written, total)
	})

	_, err = io.Copy(out, pr)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return s.interruptedDownload(ctx, t, path, pr.Written(), err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Result{Err: err}
	}

	res.FileURI = (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
	res.Bytes = pr.Written()

	logger.Debug("download completed", "size", humanize.Bytes(uint64(res.Bytes)))

	return res
}

// interruptedDownload builds the result of a download stopped by an error
// or a cancellation. The partial file is kept when the caller asked for
// resume data or when a background session is detaching.
func (s *Session) interruptedDownload(ctx context.Context, t *task, path string, written int64, err error) Result {
	err = taskError(ctx, t, err)

	res := Result{Err: err, Bytes: written}

	if s.keepsPart(t) && written > 0 {
		res.ResumeFile = path
	} else {
		removePart(path)
	}

	return res
}

func (s *Session) keepsPart(t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return t.keepResume || (s.closed && s.cfg.Background)
}

func (s *Session) upload(ctx context.Context, t *task) Result {
	logger := logctx.LoggerFromContext(ctx)

	f, err := vfssimple.NewFile(t.req.BodyURI)
	if err != nil {
		return Result{Err: fmt.Errorf("failed to open upload body: %w", err)}
	}
	defer f.Close()

	if t.req.BodyOffset > 0 {
		if _, err := f.Seek(t.req.BodyOffset, io.SeekStart); err != nil {
			return Result{Err: fmt.Errorf("failed to seek upload body: %w", err)}
		}
	}

	body := progress.NewReader(io.LimitReader(f, t.req.BodyLength), 0, t.req.BodyLength, s.cfg.ProgressInterval, func(written, total int64) {
		s.progress(t.id, written, total)
	})

	var reqBody io.Reader = body
	if t.req.BodyLength == 0 {
		reqBody = http.NoBody
	}

	req, err := newHTTPRequest(ctx, t.req, reqBody)
	if err != nil {
		return Result{Err: err}
	}

	req.ContentLength = t.req.BodyLength

	logger.Debug("starting upload", "offset", t.req.BodyOffset, "length", humanize.Bytes(uint64(t.req.BodyLength)))

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{Err: taskError(ctx, t, err), Bytes: body.Written()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{Err: taskError(ctx, t, err), StatusCode: resp.StatusCode, Bytes: body.Written()}
	}

	return Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
		Bytes:      body.Written(),
	}
}

func newHTTPRequest(ctx context.Context, r Request, body io.Reader) (*http.Request, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for k, values := range r.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	return req, nil
}

// taskError makes a cancellation visible through errors.Is(err, context.Canceled)
// regardless of where the transport noticed it.
func taskError(ctx context.Context, t *task, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("task %d: %w", t.id, ctxErr)
	}

	return fmt.Errorf("task %d: %w", t.id, err)
}

func removePart(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}

	_ = os.Remove(path)
}
