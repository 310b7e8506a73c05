// Package rest implements cloud.Client against the service's REST API.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/italolelis/cloudsdk/internal/cloud"
	"github.com/italolelis/cloudsdk/internal/item"
	"github.com/italolelis/cloudsdk/internal/logctx"
	"github.com/italolelis/cloudsdk/internal/session"
)

const (
	// Timestamps in API responses, e.g. "Tue, 19 Jan 2038 03:14:07 +0000".
	timeLayout = time.RFC1123Z

	maxErrorBody = 4096
)

type Config struct {
	// APIURL serves metadata endpoints.
	APIURL string
	// ContentURL serves upload endpoints.
	ContentURL string
	// Root is the access root of the application (e.g. "meocloud" or "sandbox").
	Root      string
	ChunkSize int64
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a client. httpClient must sign requests (see cloud.NewHTTPClient).
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.APIURL == "" || cfg.ContentURL == "" {
		return nil, errors.New("api and content urls are required")
	}

	if cfg.Root == "" {
		cfg.Root = "meocloud"
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = cloud.DefaultChunkSize
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{cfg: cfg, httpClient: httpClient}, nil
}

type linkResponse struct {
	URL     string `json:"url"`
	Expires string `json:"expires"`
}

type chunkResponse struct {
	UploadID string `json:"upload_id"`
	Offset   int64  `json:"offset"`
	Expires  string `json:"expires"`
}

type metadata struct {
	Path      string `json:"path"`
	Bytes     int64  `json:"bytes"`
	IsDir     bool   `json:"is_dir"`
	Rev       string `json:"rev"`
	MimeType  string `json:"mime_type"`
	Modified  string `json:"modified"`
	IsDeleted bool   `json:"is_deleted"`
}

func (m metadata) item() *item.Item {
	it := &item.Item{
		Path:     item.Clean(m.Path),
		Type:     item.TypeFile,
		Size:     m.Bytes,
		Revision: m.Rev,
		MimeType: m.MimeType,
		Deleted:  m.IsDeleted,
	}

	if m.IsDir {
		it.Type = item.TypeFolder
	}

	it.Modified, _ = time.Parse(timeLayout, m.Modified)

	return it
}

// DownloadURL implements cloud.Client.
func (c *Client) DownloadURL(ctx context.Context, it *item.Item) (*cloud.Link, error) {
	const op = "download_url"

	if !it.IsFile() {
		return nil, cloud.NewError(cloud.KindInvalidItem, op, "only files can be downloaded")
	}

	endpoint, err := url.JoinPath(c.cfg.APIURL, "Media", c.cfg.Root, escapePath(it.TrimmedPath()))
	if err != nil {
		return nil, cloud.NewError(cloud.KindInvalidItem, op, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?download=true", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	var out linkResponse
	if err := c.do(ctx, op, req, &out); err != nil {
		return nil, err
	}

	if out.URL == "" {
		return nil, cloud.NewError(cloud.KindInvalidResponse, op, "response has no url")
	}

	link := &cloud.Link{URL: out.URL}
	link.Expires, _ = time.Parse(timeLayout, out.Expires)

	return link, nil
}

// ChunkRequest implements cloud.Client.
func (c *Client) ChunkRequest(_ context.Context, uploadID string, offset, length int64, it *item.Item) (session.Request, error) {
	if it == nil || it.SourceURI == "" {
		return session.Request{}, cloud.NewError(cloud.KindInvalidItem, "upload_chunk", "item has no source payload")
	}

	q := url.Values{}
	if uploadID != "" {
		q.Set("upload_id", uploadID)
		q.Set("offset", strconv.FormatInt(offset, 10))
	}

	endpoint, err := url.JoinPath(c.cfg.ContentURL, "ChunkedUpload")
	if err != nil {
		return session.Request{}, fmt.Errorf("failed to build chunk url: %w", err)
	}

	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	return session.Request{
		Method:     http.MethodPut,
		URL:        endpoint,
		Header:     http.Header{"Content-Type": []string{"application/octet-stream"}},
		BodyURI:    it.SourceURI,
		BodyOffset: offset,
		BodyLength: length,
	}, nil
}

// ParseChunkResponse implements cloud.Client.
func (c *Client) ParseChunkResponse(res session.Result) (*cloud.Chunk, error) {
	const op = "upload_chunk"

	if res.Err != nil {
		return nil, cloud.FromTransport(op, res.Err)
	}

	if !res.OK() {
		return nil, cloud.FromStatus(op, res.StatusCode, bodyError(res.Body))
	}

	var out chunkResponse
	if err := json.Unmarshal(res.Body, &out); err != nil {
		return nil, &cloud.Error{Kind: cloud.KindInvalidResponse, Operation: op, Message: err.Error(), Err: err}
	}

	if out.UploadID == "" {
		return nil, cloud.NewError(cloud.KindInvalidResponse, op, "response has no upload id")
	}

	chunk := &cloud.Chunk{UploadID: out.UploadID, Offset: out.Offset}
	chunk.Expires, _ = time.Parse(timeLayout, out.Expires)

	return chunk, nil
}

// CommitUpload implements cloud.Client.
func (c *Client) CommitUpload(ctx context.Context, uploadID string, it *item.Item, overwrite bool) (*item.Item, error) {
	const op = "commit_upload"

	logger := logctx.LoggerFromContext(ctx).With("path", it.Path)

	endpoint, err := url.JoinPath(c.cfg.ContentURL, "CommitChunkedUpload", c.cfg.Root, escapePath(it.TrimmedPath()))
	if err != nil {
		return nil, cloud.NewError(cloud.KindInvalidItem, op, err.Error())
	}

	form := url.Values{}
	form.Set("upload_id", uploadID)
	form.Set("overwrite", strconv.FormatBool(overwrite))

	if it.Revision != "" {
		form.Set("parent_rev", it.Revision)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out metadata
	if err := c.do(ctx, op, req, &out); err != nil {
		logger.ErrorContext(ctx, "failed to commit upload", "err", err)

		return nil, err
	}

	logger.InfoContext(ctx, "upload committed", "rev", out.Rev)

	return out.item(), nil
}

func (c *Client) ChunkSize() int64 {
	return c.cfg.ChunkSize
}

func (c *Client) do(ctx context.Context, op string, req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cloud.FromTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		logctx.LoggerFromContext(ctx).DebugContext(ctx, "api request failed", "operation", op, "status", resp.StatusCode)

		return cloud.FromStatus(op, resp.StatusCode, bodyError(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &cloud.Error{Kind: cloud.KindInvalidResponse, Operation: op, Message: err.Error(), Err: err}
	}

	return nil
}

func bodyError(body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return nil
	}

	return errors.New(msg)
}

// escapePath escapes every segment of p so that names holding '%', '?' or '#'
// survive url.JoinPath.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	return strings.Join(segments, "/")
}
