package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("memo not found")
	ErrAlreadyExists = errors.New("memo already exists")
)

// DocumentInfo holds memo metadata and content.
type DocumentInfo struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Revision is one accepted save of a memo.
type Revision struct {
	Version    int64     `json:"version"`
	Content    string    `json:"content"`
	EditorID   string    `json:"editorId,omitempty"`
	EditorName string    `json:"editorName"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DocumentStore abstracts memo persistence for the authority.
// Implementations: MemoryStore, SQLiteStore, FirestoreStore, and CachedStore
// in front of any of them.
type DocumentStore interface {
	Create(ctx context.Context, id, content string) error
	Get(ctx context.Context, id string) (*DocumentInfo, error)
	List(ctx context.Context) ([]DocumentInfo, error)
	UpdateContent(ctx context.Context, id, content string, version int64) error
	AppendRevision(ctx context.Context, id string, rev Revision) error
	// GetRevisions returns the revisions with a version above fromVersion,
	// oldest first.
	GetRevisions(ctx context.Context, id string, fromVersion int64) ([]Revision, error)
}
