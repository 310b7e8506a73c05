package item

import (
	"path"
	"strings"
	"time"
)

// Type identifies whether an item is a file or a folder.
type Type int

const (
	TypeFile Type = iota
	TypeFolder
)

func (t Type) String() string {
	if t == TypeFolder {
		return "folder"
	}

	return "file"
}

// Item is the metadata of a file or folder in the user's cloud storage.
type Item struct {
	ID       string    `json:"id,omitempty"`
	Path     string    `json:"path"`
	Type     Type      `json:"type"`
	Size     int64     `json:"size"`
	Revision string    `json:"revision,omitempty"`
	MimeType string    `json:"mime_type,omitempty"`
	Modified time.Time `json:"modified,omitempty"`
	Deleted  bool      `json:"deleted,omitempty"`

	// SourceURI points at the local payload of an item that is about to be uploaded.
	// Any URI understood by vfssimple is accepted (file://, mem://, s3://, gs://).
	SourceURI string `json:"source_uri,omitempty"`

	// Hollow items are built locally and carry only what the caller provided.
	Hollow bool `json:"hollow,omitempty"`
}

// New returns a hollow file item at the given remote path.
func New(p string) *Item {
	return &Item{Path: Clean(p), Type: TypeFile, Hollow: true}
}

// NewFolder returns a hollow folder item at the given remote path.
func NewFolder(p string) *Item {
	return &Item{Path: Clean(p), Type: TypeFolder, Hollow: true}
}

// ForUpload returns a hollow item describing a local payload that should end up at remote path p.
func ForUpload(sourceURI, p, revision string) *Item {
	return &Item{
		Path:      Clean(p),
		Type:      TypeFile,
		Revision:  revision,
		SourceURI: sourceURI,
		Hollow:    true,
	}
}

// Name is the base name of the item path.
func (i *Item) Name() string {
	if i.Path == "/" || i.Path == "" {
		return ""
	}

	return path.Base(i.Path)
}

// Parent is the remote folder containing the item.
func (i *Item) Parent() string {
	return path.Dir(i.Path)
}

func (i *Item) IsFile() bool {
	return i != nil && i.Type == TypeFile
}

// TrimmedPath returns the path without the leading slash, as used in API endpoints.
func (i *Item) TrimmedPath() string {
	return strings.TrimPrefix(i.Path, "/")
}

// Clone returns a copy that can be handed out without sharing memory.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}

	c := *i

	return &c
}

// Clean normalizes a remote path so it always starts with a slash.
func Clean(p string) string {
	if p == "" {
		return "/"
	}

	return path.Clean("/" + p)
}
