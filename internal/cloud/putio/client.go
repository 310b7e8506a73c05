// Package putio implements cloud.Client on top of put.io. Metadata goes through
// the put.io API, uploads use the tus protocol of the put.io upload server.
package putio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/putdotio/go-putio"

	"github.com/italolelis/cloudsdk/internal/cloud"
	"github.com/italolelis/cloudsdk/internal/item"
	"github.com/italolelis/cloudsdk/internal/logctx"
	"github.com/italolelis/cloudsdk/internal/session"
)

const (
	tusVersion = "1.0.0"

	// DefaultUploadURL is the tus endpoint of put.io.
	DefaultUploadURL = "https://upload.put.io/files/"

	rootFolderID int64 = 0
)

type Client struct {
	putioClient *putio.Client
	uploadURL   *url.URL
	chunkSize   int64
}

// NewClient creates a client. httpClient must sign requests (see cloud.NewHTTPClient).
func NewClient(httpClient *http.Client, uploadURL string, chunkSize int64) (*Client, error) {
	if uploadURL == "" {
		uploadURL = DefaultUploadURL
	}

	u, err := url.Parse(uploadURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upload url: %w", err)
	}

	if chunkSize <= 0 {
		chunkSize = cloud.DefaultChunkSize
	}

	return &Client{
		putioClient: putio.NewClient(httpClient),
		uploadURL:   u,
		chunkSize:   chunkSize,
	}, nil
}

// SetBaseURL points the API client at another put.io compatible server.
func (c *Client) SetBaseURL(baseURL string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}

	c.putioClient.BaseURL = u

	return nil
}

// DownloadURL implements cloud.Client.
func (c *Client) DownloadURL(ctx context.Context, it *item.Item) (*cloud.Link, error) {
	const op = "download_url"

	logger := logctx.LoggerFromContext(ctx).With("path", it.Path)

	if !it.IsFile() {
		return nil, cloud.NewError(cloud.KindInvalidItem, op, "only files can be downloaded")
	}

	id, err := c.fileID(ctx, it)
	if err != nil {
		return nil, apiError(op, err)
	}

	u, err := c.putioClient.Files.URL(ctx, id, false)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get file download url", "file_id", id, "err", err)

		return nil, apiError(op, err)
	}

	return &cloud.Link{URL: u}, nil
}

// ChunkRequest implements cloud.Client. The first chunk creates the tus
// upload and carries its payload, later chunks PATCH the upload location.
func (c *Client) ChunkRequest(ctx context.Context, uploadID string, offset, length int64, it *item.Item) (session.Request, error) {
	const op = "upload_chunk"

	if it == nil || it.SourceURI == "" {
		return session.Request{}, cloud.NewError(cloud.KindInvalidItem, op, "item has no source payload")
	}

	header := http.Header{}
	header.Set("Tus-Resumable", tusVersion)
	header.Set("Content-Type", "application/offset+octet-stream")

	req := session.Request{
		Header:     header,
		BodyURI:    it.SourceURI,
		BodyOffset: offset,
		BodyLength: length,
	}

	if uploadID != "" {
		req.Method = http.MethodPatch
		req.URL = uploadID
		header.Set("Upload-Offset", strconv.FormatInt(offset, 10))

		return req, nil
	}

	parentID, err := c.folderID(ctx, it.Parent())
	if err != nil {
		return session.Request{}, apiError(op, err)
	}

	req.Method = http.MethodPost
	req.URL = c.uploadURL.String()
	header.Set("Upload-Length", strconv.FormatInt(it.Size, 10))
	header.Set("Upload-Metadata", uploadMetadata(map[string]string{
		"name":       it.Name(),
		"parent_id":  strconv.FormatInt(parentID, 10),
		"no-torrent": "true",
	}))

	return req, nil
}

// ParseChunkResponse implements cloud.Client. Only the creation response
// carries the upload location, later responses leave UploadID empty.
func (c *Client) ParseChunkResponse(res session.Result) (*cloud.Chunk, error) {
	const op = "upload_chunk"

	if res.Err != nil {
		return nil, cloud.FromTransport(op, res.Err)
	}

	if !res.OK() {
		var cause error
		if msg := strings.TrimSpace(string(res.Body)); msg != "" {
			cause = errors.New(msg)
		}

		return nil, cloud.FromStatus(op, res.StatusCode, cause)
	}

	offset, err := strconv.ParseInt(res.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		return nil, &cloud.Error{Kind: cloud.KindInvalidResponse, Operation: op, Message: "missing upload offset", Err: err}
	}

	chunk := &cloud.Chunk{Offset: offset}

	if loc := res.Header.Get("Location"); loc != "" {
		ref, err := url.Parse(loc)
		if err != nil {
			return nil, &cloud.Error{Kind: cloud.KindInvalidResponse, Operation: op, Message: "invalid upload location", Err: err}
		}

		chunk.UploadID = c.uploadURL.ResolveReference(ref).String()
	}

	return chunk, nil
}

// CommitUpload implements cloud.Client. tus uploads complete with their last
// chunk, so committing resolves the stored file. With overwrite, older files
// of the same name in the folder are deleted. Without it, an older file makes
// the upload conflict and the uploaded copy is deleted.
func (c *Client) CommitUpload(ctx context.Context, _ string, it *item.Item, overwrite bool) (*item.Item, error) {
	const op = "commit_upload"

	logger := logctx.LoggerFromContext(ctx).With("path", it.Path)

	parentID, err := c.folderID(ctx, it.Parent())
	if err != nil {
		return nil, apiError(op, err)
	}

	children, _, err := c.putioClient.Files.List(ctx, parentID)
	if err != nil {
		return nil, apiError(op, err)
	}

	var (
		newest *putio.File
		older  []int64
	)

	for i := range children {
		f := children[i]
		if f.Name != it.Name() || f.IsDir() {
			continue
		}

		if newest == nil || f.ID > newest.ID {
			if newest != nil {
				older = append(older, newest.ID)
			}

			newest = &f

			continue
		}

		older = append(older, f.ID)
	}

	if newest == nil {
		return nil, cloud.NewError(cloud.KindResourceNotFound, op, "uploaded file not found in folder")
	}

	if !overwrite && len(older) > 0 {
		logger.InfoContext(ctx, "file already exists, discarding upload", "file_id", newest.ID)

		if err := c.putioClient.Files.Delete(ctx, newest.ID); err != nil {
			return nil, apiError(op, err)
		}

		return nil, cloud.NewError(cloud.KindResourceAlreadyExists, op, it.Path)
	}

	if overwrite && len(older) > 0 {
		logger.InfoContext(ctx, "overwriting previous versions", "count", len(older))

		if err := c.putioClient.Files.Delete(ctx, older...); err != nil {
			return nil, apiError(op, err)
		}
	}

	return fileItem(it.Parent(), *newest), nil
}

func (c *Client) ChunkSize() int64 {
	return c.chunkSize
}

// fileID returns the put.io identifier of it, resolving its path when the
// item was built locally.
func (c *Client) fileID(ctx context.Context, it *item.Item) (int64, error) {
	if it.ID != "" {
		id, err := strconv.ParseInt(it.ID, 10, 64)
		if err == nil {
			return id, nil
		}
	}

	return c.resolve(ctx, it.Path, false)
}

func (c *Client) folderID(ctx context.Context, p string) (int64, error) {
	return c.resolve(ctx, p, true)
}

// resolve walks the folder tree from the root following the segments of p.
func (c *Client) resolve(ctx context.Context, p string, folder bool) (int64, error) {
	p = item.Clean(p)
	if p == "/" {
		return rootFolderID, nil
	}

	id := rootFolderID
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")

	for i, name := range segments {
		children, _, err := c.putioClient.Files.List(ctx, id)
		if err != nil {
			return 0, err
		}

		wantDir := folder || i < len(segments)-1
		found := false

		for _, f := range children {
			if f.Name == name && f.IsDir() == wantDir {
				id = f.ID
				found = true

				break
			}
		}

		if !found {
			return 0, cloud.NewError(cloud.KindResourceNotFound, "resolve_path", p)
		}
	}

	return id, nil
}

func fileItem(parent string, f putio.File) *item.Item {
	it := &item.Item{
		ID:       strconv.FormatInt(f.ID, 10),
		Path:     item.Clean(parent + "/" + f.Name),
		Type:     item.TypeFile,
		Size:     f.Size,
		MimeType: f.ContentType,
	}

	if f.IsDir() {
		it.Type = item.TypeFolder
	}

	return it
}

func uploadMetadata(values map[string]string) string {
	keys := []string{"name", "parent_id", "no-torrent"}
	pairs := make([]string, 0, len(keys))

	for _, k := range keys {
		if v, ok := values[k]; ok {
			pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(v)))
		}
	}

	return strings.Join(pairs, ",")
}

// apiError maps go-putio failures to the SDK error kinds.
func apiError(op string, err error) error {
	var ce *cloud.Error
	if errors.As(err, &ce) {
		return ce
	}

	var pe *putio.ErrorResponse
	if errors.As(err, &pe) && pe.Response != nil {
		return cloud.FromStatus(op, pe.Response.StatusCode, err)
	}

	return cloud.FromTransport(op, err)
}
