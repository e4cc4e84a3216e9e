package store

import "context"

// SnapshotReader loads previously saved snapshots.
type SnapshotReader interface {
	// If no such snapshot exists, Load should return an error for which errors.Is(err, os.ErrNotExist) is true.
	Load(ctx context.Context, name string) ([]byte, error)
}

// SnapshotStore persists opaque snapshot blobs by name.
type SnapshotStore interface {
	SnapshotReader
	// Save writes data under the given name, replacing any earlier
	// snapshot saved with the same name.
	Save(ctx context.Context, name string, data []byte) error
}
