// Package storage persists chat records behind a pluggable backend.
//
// Two backends implement the same Store interface: an embedded SQLite
// key-value store (always available) and a directory-backed file store
// (one file per record, requires a user-granted folder). Callers go
// through a Manager and never branch on which backend is active.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a record namespace.
type Kind string

const (
	KindConversations Kind = "conversations"
	KindEmbeddings    Kind = "embeddings"
	KindSummaries     Kind = "summaries"
	KindMedia         Kind = "media"
)

// Kinds lists every namespace, in migration order.
var Kinds = []Kind{KindConversations, KindEmbeddings, KindSummaries, KindMedia}

// ErrAccessRevoked is returned by the directory backend when the granted
// folder is no longer accessible. Distinct from a missing record, which
// is never an error.
var ErrAccessRevoked = errors.New("storage: directory access revoked")

// Store is the backend contract. Get returns (nil, nil) for a missing
// key; only genuine I/O failures surface as errors.
type Store interface {
	Get(ctx context.Context, kind Kind, id string) ([]byte, error)
	Set(ctx context.Context, kind Kind, id string, data []byte) error
	Delete(ctx context.Context, kind Kind, id string) error
	ListIDs(ctx context.Context, kind Kind) ([]string, error)

	// SaveBlob/LoadBlob store binary media under a caller-chosen name,
	// conventionally "{hash}.{ext}".
	SaveBlob(ctx context.Context, name string, data []byte) error
	LoadBlob(ctx context.Context, name string) ([]byte, error)

	// Size reports best-effort total stored bytes.
	Size(ctx context.Context) (int64, error)

	Close() error
}

func validateKey(kind Kind, id string) error {
	if id == "" {
		return fmt.Errorf("storage: empty id for kind %q", kind)
	}
	return nil
}
