package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/cloudsdk/internal/cloud"
	"github.com/italolelis/cloudsdk/internal/item"
	"github.com/italolelis/cloudsdk/internal/logctx"
	"github.com/italolelis/cloudsdk/internal/transfer"
)

// Transfers is the part of the transfer manager exposed over HTTP.
type Transfers interface {
	ScheduleDownload(ctx context.Context, it *item.Item, opts transfer.DownloadOptions) (transfer.Snapshot, error)
	ScheduleUpload(ctx context.Context, it *item.Item, opts transfer.UploadOptions) (transfer.Snapshot, error)
	TransfersOfType(ctx context.Context, typ transfer.Type) []transfer.Snapshot
	Transfer(ctx context.Context, id string) (transfer.Snapshot, bool)
	ClearTransfer(ctx context.Context, id string)
	ClearFailedTransfers(ctx context.Context)
	ClearFinishedTransfers(ctx context.Context)
	Cancel(ctx context.Context, id string) error
	Suspend(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error
	SetOverwrite(ctx context.Context, id string, overwrite bool) error
}

type TransferResponse struct {
	ID                   string     `json:"id"`
	SessionID            string     `json:"session_id"`
	Type                 string     `json:"type"`
	State                string     `json:"state"`
	Priority             string     `json:"priority"`
	Background           bool       `json:"background"`
	AllowsCellularAccess bool       `json:"allows_cellular_access"`
	Overwrite            bool       `json:"overwrite"`
	Item                 *item.Item `json:"item"`
	BytesTransferred     int64      `json:"bytes_transferred"`
	BytesTotal           int64      `json:"bytes_total"`
	Speed                float64    `json:"speed"`
	DownloadedFile       string     `json:"downloaded_file,omitempty"`
	UploadedItem         *item.Item `json:"uploaded_item,omitempty"`
	Error                string     `json:"error,omitempty"`
	ErrorKind            string     `json:"error_kind,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
}

type DownloadRequest struct {
	ID                   string `json:"id"`
	Path                 string `json:"path"`
	Size                 int64  `json:"size"`
	Priority             string `json:"priority"`
	Background           bool   `json:"background"`
	AllowsCellularAccess bool   `json:"allows_cellular_access"`
}

type UploadRequest struct {
	SourceURI            string `json:"source_uri"`
	Path                 string `json:"path"`
	Revision             string `json:"revision"`
	Overwrite            bool   `json:"overwrite"`
	Priority             string `json:"priority"`
	Background           bool   `json:"background"`
	AllowsCellularAccess bool   `json:"allows_cellular_access"`
}

type OverwriteRequest struct {
	Overwrite bool `json:"overwrite"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type TransferHandler struct {
	username  string
	password  string
	transfers Transfers
}

// NewTransferHandler creates the transfer admin handler. Basic auth is
// enforced when username is set.
func NewTransferHandler(username, password string, transfers Transfers) *TransferHandler {
	return &TransferHandler{
		username:  username,
		password:  password,
		transfers: transfers,
	}
}

func (h *TransferHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Get("/transfers", h.HandleList)
	r.Delete("/transfers", h.HandleClear)
	r.Post("/transfers/downloads", h.HandleScheduleDownload)
	r.Post("/transfers/uploads", h.HandleScheduleUpload)

	r.Route("/transfers/{id}", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Delete("/", h.HandleDelete)
		r.Post("/cancel", h.action("cancel", h.transfers.Cancel))
		r.Post("/suspend", h.action("suspend", h.transfers.Suspend))
		r.Post("/resume", h.action("resume", h.transfers.Resume))
		r.Post("/retry", h.action("retry", h.transfers.Retry))
		r.Put("/overwrite", h.HandleSetOverwrite)
	})

	return r
}

// HandleList lists the transfers, optionally filtered by ?type=download|upload.
func (h *TransferHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	typ := transfer.TypeAll

	switch q := r.URL.Query().Get("type"); q {
	case "", string(transfer.TypeAll):
	case string(transfer.TypeDownload), string(transfer.TypeUpload):
		typ = transfer.Type(q)
	default:
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("unknown transfer type %q", q))

		return
	}

	snaps := h.transfers.TransfersOfType(r.Context(), typ)

	out := make([]TransferResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, toResponse(s))
	}

	writeJSON(w, r, http.StatusOK, out)
}

func (h *TransferHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.transfers.Transfer(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, transfer.ErrTransferNotFound)

		return
	}

	writeJSON(w, r, http.StatusOK, toResponse(snap))
}

func (h *TransferHandler) HandleScheduleDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))

		return
	}

	priority, err := transfer.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)

		return
	}

	it := item.New(req.Path)
	it.ID = req.ID
	it.Size = req.Size

	snap, err := h.transfers.ScheduleDownload(r.Context(), it, transfer.DownloadOptions{
		AllowsCellularAccess: req.AllowsCellularAccess,
		Priority:             priority,
		Background:           req.Background,
	})
	if err != nil {
		writeError(w, r, statusFor(err), err)

		return
	}

	writeJSON(w, r, http.StatusCreated, toResponse(snap))
}

func (h *TransferHandler) HandleScheduleUpload(w http.ResponseWriter, r *http.Request) {
	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))

		return
	}

	priority, err := transfer.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)

		return
	}

	snap, err := h.transfers.ScheduleUpload(r.Context(), item.ForUpload(req.SourceURI, req.Path, req.Revision), transfer.UploadOptions{
		Overwrite:            req.Overwrite,
		AllowsCellularAccess: req.AllowsCellularAccess,
		Priority:             priority,
		Background:           req.Background,
	})
	if err != nil {
		writeError(w, r, statusFor(err), err)

		return
	}

	writeJSON(w, r, http.StatusCreated, toResponse(snap))
}

// HandleDelete clears a terminal transfer. Transfers still running are left
// alone and reported as a conflict.
func (h *TransferHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, ok := h.transfers.Transfer(r.Context(), id)
	if !ok {
		writeError(w, r, http.StatusNotFound, transfer.ErrTransferNotFound)

		return
	}

	if !snap.State.Terminal() {
		writeError(w, r, http.StatusConflict, transfer.ErrInvalidState)

		return
	}

	h.transfers.ClearTransfer(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleClear clears every transfer in ?state=failed or ?state=finished.
func (h *TransferHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	switch state := r.URL.Query().Get("state"); state {
	case string(transfer.StateFailed):
		h.transfers.ClearFailedTransfers(r.Context())
	case string(transfer.StateFinished):
		h.transfers.ClearFinishedTransfers(r.Context())
	default:
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("state must be failed or finished, got %q", state))

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *TransferHandler) HandleSetOverwrite(w http.ResponseWriter, r *http.Request) {
	var req OverwriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))

		return
	}

	id := chi.URLParam(r, "id")
	if err := h.transfers.SetOverwrite(r.Context(), id, req.Overwrite); err != nil {
		writeError(w, r, statusFor(err), err)

		return
	}

	h.HandleGet(w, r)
}

func (h *TransferHandler) action(name string, fn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		logctx.LoggerFromContext(r.Context()).Debug("received transfer action", "action", name, "transfer_id", id)

		if err := fn(r.Context(), id); err != nil {
			writeError(w, r, statusFor(err), err)

			return
		}

		h.HandleGet(w, r)
	}
}

func (h *TransferHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func toResponse(s transfer.Snapshot) TransferResponse {
	resp := TransferResponse{
		ID:                   s.ID,
		SessionID:            s.SessionID,
		Type:                 string(s.Type),
		State:                string(s.State),
		Priority:             s.Priority.String(),
		Background:           s.Background,
		AllowsCellularAccess: s.AllowsCellularAccess,
		Overwrite:            s.Overwrite,
		Item:                 s.Item,
		BytesTransferred:     s.BytesTransferred,
		BytesTotal:           s.BytesTotal,
		Speed:                s.LastRecordedSpeed,
		DownloadedFile:       s.DownloadedFile,
		UploadedItem:         s.UploadedItem,
		CreatedAt:            s.CreatedAt,
	}

	if !s.FinishedAt.IsZero() {
		finishedAt := s.FinishedAt
		resp.FinishedAt = &finishedAt
	}

	if s.Err != nil {
		resp.Error = s.Err.Error()
		resp.ErrorKind = cloud.KindOf(s.Err).String()
	}

	return resp
}

// statusFor maps manager and SDK errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, transfer.ErrTransferNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrClosed):
		return http.StatusServiceUnavailable
	}

	switch cloud.KindOf(err) {
	case cloud.KindInvalidItem, cloud.KindInvalidParameters:
		return http.StatusUnprocessableEntity
	case cloud.KindResourceNotFound:
		return http.StatusNotFound
	case cloud.KindResourceAlreadyExists:
		return http.StatusConflict
	case cloud.KindUnauthorized, cloud.KindAccessForbidden:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	logger := logctx.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("failed to handle request", "path", r.URL.Path, "err", err)
	} else {
		logger.Debug("rejected request", "path", r.URL.Path, "status", status, "err", err)
	}

	resp := errorResponse{Error: err.Error()}
	if kind := cloud.KindOf(err); kind != cloud.KindUnknown {
		resp.Kind = kind.String()
	}

	writeJSON(w, r, status, resp)
}
