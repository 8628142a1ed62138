package graph

import (
	"context"
	"time"
)

// Record is one artifact as read from a backing store.
type Record struct {
	URI      string
	Content  []byte
	Modified time.Time
}

// Change is one persisted effect of a transaction. Content is nil for deletes.
type Change struct {
	URI      string
	Kind     ChangeKind
	Content  []byte
	Modified time.Time
}

// ContentSource reloads the bytes of a dehydrated node.
type ContentSource interface {
	ReloadContent(ctx context.Context, uri string) ([]byte, error)
}

// Store is the durable side of a FileSystem.
type Store interface {
	ContentSource
	Load(ctx context.Context) ([]Record, error)
	WriteBackChanges(ctx context.Context, changes []Change) error
}
