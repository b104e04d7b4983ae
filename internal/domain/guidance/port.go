package guidance

import (
	"context"
	"errors"
)

// ErrArtifactNotFound indicates a model blob is absent from durable storage.
// Absence of either blob means cold-start mode, not an error condition.
var ErrArtifactNotFound = errors.New("model artifact not found")

// ArtifactStore port for the two co-versioned model blobs (scaler,
// classifier). Writers fully replace a blob; readers load the latest
// persisted version per invocation. Last-writer-wins, no locking.
type ArtifactStore interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
}
