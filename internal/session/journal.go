package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/italolelis/cloudsdk/internal/storage"
)

const (
	errKindCancelled = "cancelled"
	errKindTimeout   = "timeout"
	errKindTransport = "transport"
)

func recordFromTask(sessionID string, t *task) (storage.TaskRecord, error) {
	header, err := json.Marshal(t.req.Header)
	if err != nil {
		return storage.TaskRecord{}, fmt.Errorf("failed to encode request header: %w", err)
	}

	rec := storage.TaskRecord{
		SessionID:  sessionID,
		TaskID:     t.id,
		Kind:       string(t.kind),
		State:      string(t.state),
		Method:     t.req.Method,
		URL:        t.req.URL,
		Header:     header,
		BodyURI:    t.req.BodyURI,
		BodyOffset: t.req.BodyOffset,
		BodyLength: t.req.BodyLength,
		ResumeFile: t.req.ResumeFile,
		UpdatedAt:  time.Now(),
	}

	if res := t.result; res != nil {
		if res.Header != nil {
			rec.ResponseHeader, err = json.Marshal(res.Header)
			if err != nil {
				return storage.TaskRecord{}, fmt.Errorf("failed to encode response header: %w", err)
			}
		}

		rec.StatusCode = res.StatusCode
		rec.ResponseBody = res.Body
		rec.FileURI = res.FileURI
		rec.Bytes = res.Bytes

		if res.ResumeFile != "" {
			rec.ResumeFile = res.ResumeFile
		}

		if res.Err != nil {
			rec.ErrorKind = errorKind(res.Err)
			rec.ErrorMessage = res.Err.Error()
		}
	}

	return rec, nil
}

func taskFromRecord(rec storage.TaskRecord) (*task, error) {
	t := &task{
		id:    rec.TaskID,
		kind:  Kind(rec.Kind),
		state: TaskState(rec.State),
		req: Request{
			Method:     rec.Method,
			URL:        rec.URL,
			BodyURI:    rec.BodyURI,
			BodyOffset: rec.BodyOffset,
			BodyLength: rec.BodyLength,
			ResumeFile: rec.ResumeFile,
		},
	}

	if len(rec.Header) > 0 {
		if err := json.Unmarshal(rec.Header, &t.req.Header); err != nil {
			return nil, fmt.Errorf("failed to decode request header: %w", err)
		}
	}

	if t.state != TaskCompleted {
		t.state = TaskRunning

		return t, nil
	}

	res := &Result{
		SessionID:  rec.SessionID,
		TaskID:     rec.TaskID,
		Kind:       t.kind,
		StatusCode: rec.StatusCode,
		Body:       rec.ResponseBody,
		FileURI:    rec.FileURI,
		Bytes:      rec.Bytes,
		Err:        restoreError(rec.ErrorKind, rec.ErrorMessage),
	}

	if res.Err != nil {
		res.ResumeFile = rec.ResumeFile
	}

	if len(rec.ResponseHeader) > 0 {
		var h http.Header
		if err := json.Unmarshal(rec.ResponseHeader, &h); err != nil {
			return nil, fmt.Errorf("failed to decode response header: %w", err)
		}

		res.Header = h
	}

	t.result = res
	t.started = true

	return t, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return errKindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return errKindTimeout
	default:
		return errKindTransport
	}
}

// restoreError rebuilds a journaled error so that errors.Is keeps working on
// the context sentinels.
func restoreError(kind, message string) error {
	switch kind {
	case "":
		return nil
	case errKindCancelled:
		return fmt.Errorf("%s: %w", message, context.Canceled)
	case errKindTimeout:
		return fmt.Errorf("%s: %w", message, context.DeadlineExceeded)
	default:
		return errors.New(message)
	}
}
