package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/grumble-app/feedback-sync/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses; pgxmock implements it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
	Close()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// PostgresStore implements Store and Locker using pgxpool.
type PostgresStore struct {
	pool    Pool
	batch   int
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, cfg Config) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if cfg.Pool != nil {
		if cfg.Pool.MaxConns > 0 {
			maxConns = cfg.Pool.MaxConns
		}
		if cfg.Pool.MinConns > 0 {
			minConns = cfg.Pool.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, batch: batchSize(cfg.UpsertBatch), closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS feedback_items (
	id         TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS feedback_groups (
	id         TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_config (
	name       TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_lock (
	name        TEXT PRIMARY KEY,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	report      JSONB,
	error       TEXT,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_items_updated_at ON feedback_items(updated_at);
CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const selectSettingsSQL = `SELECT name, data FROM sync_config WHERE name = ANY($1)`

func (s *PostgresStore) SourceSettings(ctx context.Context) (*model.SourceSettings, error) {
	rows, err := s.pool.Query(ctx, selectSettingsSQL,
		[]string{settingsTwitter, settingsGitHub, settingsDiscourse})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: read source settings")
	}
	defer rows.Close()

	settings := &model.SourceSettings{}
	for rows.Next() {
		var name string
		var data []byte
		if err := rows.Scan(&name, &data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source settings")
		}

		var dst any
		switch name {
		case settingsTwitter:
			dst = &settings.Twitter
		case settingsGitHub:
			dst = &settings.GitHub
		case settingsDiscourse:
			dst = &settings.Discourse
		default:
			continue
		}
		if err := json.Unmarshal(data, dst); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal %s settings", name)
		}
	}
	return settings, eris.Wrap(rows.Err(), "postgres: iterate source settings")
}

const existingItemsSQL = `SELECT id FROM feedback_items WHERE id = ANY($1)`

func (s *PostgresStore) ExistingItemIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}

	rows, err := s.pool.Query(ctx, existingItemsSQL, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query existing items")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan existing item id")
		}
		existing[id] = struct{}{}
	}
	return existing, eris.Wrap(rows.Err(), "postgres: iterate existing items")
}

// Merge-upserts keep fields a replayed write does not carry: the JSONB
// concatenation overlays the new document on the stored one.
const upsertItemSQL = `INSERT INTO feedback_items (id, data, created_at, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (id) DO UPDATE SET data = feedback_items.data || EXCLUDED.data, updated_at = now()`

func (s *PostgresStore) UpsertItems(ctx context.Context, items []model.FeedbackItem) (int, error) {
	written := 0
	for start := 0; start < len(items); start += s.batch {
		end := min(start+s.batch, len(items))
		chunk := items[start:end]

		b := &pgx.Batch{}
		for _, item := range chunk {
			data, err := json.Marshal(item)
			if err != nil {
				return written, eris.Wrapf(err, "postgres: marshal item %s", item.ID)
			}
			b.Queue(upsertItemSQL, item.ID, data, item.CreatedAt.UTC())
		}
		if err := s.sendBatch(ctx, b); err != nil {
			return written, eris.Wrap(err, "postgres: upsert items")
		}
		written += len(chunk)
	}
	return written, nil
}

const upsertGroupSQL = `INSERT INTO feedback_groups (id, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (id) DO UPDATE SET data = feedback_groups.data || EXCLUDED.data, updated_at = now()`

func (s *PostgresStore) UpsertGroups(ctx context.Context, groups []model.Group) (int, error) {
	written := 0
	for start := 0; start < len(groups); start += s.batch {
		end := min(start+s.batch, len(groups))
		chunk := groups[start:end]

		b := &pgx.Batch{}
		for _, group := range chunk {
			data, err := json.Marshal(group)
			if err != nil {
				return written, eris.Wrapf(err, "postgres: marshal group %s", group.ID)
			}
			b.Queue(upsertGroupSQL, group.ID, data)
		}
		if err := s.sendBatch(ctx, b); err != nil {
			return written, eris.Wrap(err, "postgres: upsert groups")
		}
		written += len(chunk)
	}
	return written, nil
}

func (s *PostgresStore) sendBatch(ctx context.Context, b *pgx.Batch) error {
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return eris.Wrapf(err, "batch statement %d", i)
		}
	}
	return nil
}

const listGroupsSQL = `SELECT data FROM feedback_groups ORDER BY id`

func (s *PostgresStore) ListGroups(ctx context.Context) ([]model.Group, error) {
	rows, err := s.pool.Query(ctx, listGroupsSQL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list groups")
	}
	defer rows.Close()

	var groups []model.Group
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan group")
		}
		var g model.Group
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal group")
		}
		groups = append(groups, g)
	}
	return groups, eris.Wrap(rows.Err(), "postgres: iterate groups")
}

const selectSyncStateSQL = `SELECT data FROM sync_config WHERE name = $1`

func (s *PostgresStore) SyncState(ctx context.Context) (*model.SyncState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, selectSyncStateSQL, syncStateDoc).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: read sync state")
	}

	var state model.SyncState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal sync state")
	}
	return &state, nil
}

const setSyncStateSQL = `INSERT INTO sync_config (name, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET data = sync_config.data || EXCLUDED.data, updated_at = now()`

func (s *PostgresStore) SetSyncState(ctx context.Context, state model.SyncState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal sync state")
	}
	_, err = s.pool.Exec(ctx, setSyncStateSQL, syncStateDoc, data)
	return eris.Wrap(err, "postgres: write sync state")
}

const insertSyncRunSQL = `INSERT INTO sync_runs (id, status, report, error, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6)`

func (s *PostgresStore) RecordSyncRun(ctx context.Context, run model.SyncRun) error {
	var report []byte
	if run.Report != nil {
		var err error
		report, err = json.Marshal(run.Report)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal sync report")
		}
	}
	_, err := s.pool.Exec(ctx, insertSyncRunSQL,
		run.ID, string(run.Status), report, run.Error,
		run.StartedAt.UTC(), run.FinishedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: record sync run %s", run.ID)
}

// acquireLockSQL takes the lock in one statement: the insert wins when no row
// exists, the conditional update wins only over an expired holder. Zero rows
// affected means a live lock belongs to someone else.
const acquireLockSQL = `INSERT INTO sync_lock (name, acquired_at, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
WHERE sync_lock.expires_at <= now()`

func (s *PostgresStore) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, acquireLockSQL, syncLockName, now, now.Add(ttl))
	if err != nil {
		return false, eris.Wrap(err, "postgres: acquire sync lock")
	}
	return tag.RowsAffected() == 1, nil
}

const releaseLockSQL = `DELETE FROM sync_lock WHERE name = $1`

func (s *PostgresStore) Release(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, releaseLockSQL, syncLockName)
	return eris.Wrap(err, "postgres: release sync lock")
}
