package cloud

import (
	"context"

	"github.com/italolelis/cloudsdk/internal/item"
	"github.com/italolelis/cloudsdk/internal/session"
	"github.com/italolelis/cloudsdk/internal/telemetry"
)

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	client     Client
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedClient creates a new instrumented API client.
func NewInstrumentedClient(client Client, tel *telemetry.Telemetry, clientType string) *InstrumentedClient {
	return &InstrumentedClient{
		client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

// DownloadURL resolves a download URL with telemetry.
func (c *InstrumentedClient) DownloadURL(ctx context.Context, it *item.Item) (*Link, error) {
	var result *Link

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "download_url", func(ctx context.Context) error {
		var err error

		result, err = c.client.DownloadURL(ctx, it)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ChunkRequest builds a chunk request with telemetry.
func (c *InstrumentedClient) ChunkRequest(ctx context.Context, uploadID string, offset, length int64, it *item.Item) (session.Request, error) {
	var result session.Request

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "chunk_request", func(ctx context.Context) error {
		var err error

		result, err = c.client.ChunkRequest(ctx, uploadID, offset, length, it)

		return err
	})

	return result, err
}

// ParseChunkResponse interprets a chunk response and counts the chunk outcome.
func (c *InstrumentedClient) ParseChunkResponse(res session.Result) (*Chunk, error) {
	chunk, err := c.client.ParseChunkResponse(res)

	status := "success"
	if err != nil {
		status = "error"
	}

	c.telemetry.RecordChunk(status)

	return chunk, err
}

// CommitUpload commits an upload with telemetry.
func (c *InstrumentedClient) CommitUpload(ctx context.Context, uploadID string, it *item.Item, overwrite bool) (*item.Item, error) {
	var result *item.Item

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "commit_upload", func(ctx context.Context) error {
		var err error

		result, err = c.client.CommitUpload(ctx, uploadID, it, overwrite)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (c *InstrumentedClient) ChunkSize() int64 {
	return c.client.ChunkSize()
}
