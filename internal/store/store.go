// Package store persists feedback items, theme groups, runtime source
// settings, the sync watermark, and the shared sync lock. Two backends exist:
// Postgres (production, JSONB documents) and SQLite (local/dev).
package store

import (
	"context"
	"time"

	"github.com/grumble-app/feedback-sync/internal/model"
)

// Config names the storage backend.
type Config struct {
	Driver string      `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DSN    string      `yaml:"dsn" mapstructure:"dsn"`
	Pool   *PoolConfig `yaml:"pool" mapstructure:"pool"`

	// UpsertBatch caps the statements per write batch.
	UpsertBatch int `yaml:"upsert_batch" mapstructure:"upsert_batch"`
}

// defaultUpsertBatch bounds one write batch. Carried over from the original
// deployment's backend batch ceiling; also keeps batches reasonably sized for
// Postgres.
const defaultUpsertBatch = 450

// Store is the persistence interface the sync pipeline runs against. Items
// and groups are stored as JSON documents keyed by their stable ids; upserts
// are at-least-once safe because replays merge into the same document.
type Store interface {
	// SourceSettings reads the per-source runtime configuration documents.
	// A missing document leaves that source disabled.
	SourceSettings(ctx context.Context) (*model.SourceSettings, error)

	// ExistingItemIDs reports which of the given ids are already persisted.
	ExistingItemIDs(ctx context.Context, ids []string) (map[string]struct{}, error)

	// UpsertItems merge-writes items in bounded batches and returns the
	// number written.
	UpsertItems(ctx context.Context, items []model.FeedbackItem) (int, error)

	// UpsertGroups merge-writes theme groups in bounded batches.
	UpsertGroups(ctx context.Context, groups []model.Group) (int, error)

	// ListGroups returns every persisted group.
	ListGroups(ctx context.Context) ([]model.Group, error)

	// SyncState reads the cross-run watermark; (nil, nil) before first sync.
	SyncState(ctx context.Context) (*model.SyncState, error)

	// SetSyncState advances the watermark.
	SetSyncState(ctx context.Context, state model.SyncState) error

	// RecordSyncRun appends one audit record per pipeline execution.
	RecordSyncRun(ctx context.Context, run model.SyncRun) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Locker is the cross-process mutual exclusion used to serialize sync runs.
type Locker interface {
	// TryAcquire takes the lock if it is free or expired. It never blocks;
	// false means another sync holds an unexpired lock.
	TryAcquire(ctx context.Context, ttl time.Duration) (bool, error)

	// Release frees the lock unconditionally.
	Release(ctx context.Context) error
}

// Settings document names inside the config table. They mirror the documents
// the dashboard writes.
const (
	settingsTwitter   = "twitter"
	settingsGitHub    = "github"
	settingsDiscourse = "discourse"
	syncStateDoc      = "sync-state"
	syncLockName      = "sync"
)

func batchSize(configured int) int {
	if configured > 0 {
		return configured
	}
	return defaultUpsertBatch
}
