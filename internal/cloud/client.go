// Package cloud is the boundary between the transfer manager and the cloud
// storage service: URL resolution for downloads, chunk requests and the commit
// of uploads.
package cloud

import (
	"context"
	"time"

	"github.com/italolelis/cloudsdk/internal/item"
	"github.com/italolelis/cloudsdk/internal/session"
)

// DefaultChunkSize is the upload chunk size used when a backend does not choose one.
const DefaultChunkSize int64 = 4 * 1024 * 1024

// Link is a time limited URL to the contents of an item.
type Link struct {
	URL     string
	Expires time.Time
}

// Chunk is the acknowledgement of an upload chunk.
type Chunk struct {
	// UploadID identifies the server side upload session.
	UploadID string
	// Offset is the number of bytes the server holds after the chunk.
	Offset  int64
	Expires time.Time
}

// Client is implemented by the service backends.
type Client interface {
	// DownloadURL resolves a direct URL for the contents of a file item.
	DownloadURL(ctx context.Context, it *item.Item) (*Link, error)
	// ChunkRequest builds the request that sends length bytes of the item payload
	// starting at offset. An empty uploadID opens a new upload session.
	ChunkRequest(ctx context.Context, uploadID string, offset, length int64, it *item.Item) (session.Request, error)
	// ParseChunkResponse interprets the result of a chunk request.
	ParseChunkResponse(res session.Result) (*Chunk, error)
	// CommitUpload finalizes an upload session at the item path and returns the stored item.
	CommitUpload(ctx context.Context, uploadID string, it *item.Item, overwrite bool) (*item.Item, error)
	// ChunkSize is the size of every chunk but the last one.
	ChunkSize() int64
}
