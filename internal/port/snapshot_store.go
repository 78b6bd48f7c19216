package port

import "context"

// SnapshotStore persists serialized conversation snapshots by key. Put returns
// *domain.QuotaExceededError when the value does not fit; Get returns
// domain.ErrSnapshotNotFound for a missing key.
type SnapshotStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
