package store

import (
	"context"
	"time"
)

// KV is the plain key-value persistence collaborator used for session,
// room, message and snapshot durability. Get returns domain.ErrNotFound
// for a missing key.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Keys used by the realtime layer. Everything is namespaced by driver id so
// one store can back several agents.
func SnapshotKey(driverID string) string  { return "progress:snapshot:" + driverID }
func WatermarkKey(driverID string) string { return "progress:watermark:" + driverID }
func SessionKey(driverID string) string   { return "chat:session:" + driverID }
func PresenceKey(driverID string) string  { return "presence:" + driverID }
