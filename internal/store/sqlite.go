package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/grumble-app/feedback-sync/internal/model"
)

// SQLiteStore implements Store and Locker using modernc.org/sqlite. It is the
// local/dev backend; the lock acquisition is read-then-write and therefore
// racy across processes, which is acceptable for a single-node setup.
type SQLiteStore struct {
	db    *sql.DB
	batch int

	// lockMu serializes lock operations within this process; the cross-process
	// race remains.
	lockMu sync.Mutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(cfg Config) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, batch: batchSize(cfg.UpsertBatch)}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS feedback_items (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS feedback_groups (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_config (
	name       TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_lock (
	name        TEXT PRIMARY KEY,
	acquired_at TEXT NOT NULL,
	expires_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	report      TEXT,
	error       TEXT,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_items_updated_at ON feedback_items(updated_at);
CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SourceSettings(ctx context.Context) (*model.SourceSettings, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, data FROM sync_config WHERE name IN (?, ?, ?)`,
		settingsTwitter, settingsGitHub, settingsDiscourse,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: read source settings")
	}
	defer rows.Close()

	settings := &model.SourceSettings{}
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source settings")
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
		if err := json.Unmarshal([]byte(data), dst); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal %s settings", name)
		}
	}
	return settings, eris.Wrap(rows.Err(), "sqlite: iterate source settings")
}

// sqliteInChunk bounds IN-list sizes well under SQLite's variable limit.
const sqliteInChunk = 500

func (s *SQLiteStore) ExistingItemIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(ids))

	for start := 0; start < len(ids); start += sqliteInChunk {
		end := min(start+sqliteInChunk, len(ids))
		chunk := ids[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT id FROM feedback_items WHERE id IN (%s)`, placeholders),
			args...,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: query existing items")
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, eris.Wrap(err, "sqlite: scan existing item id")
			}
			existing[id] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: iterate existing items")
		}
		rows.Close()
	}
	return existing, nil
}

const sqliteUpsertItemSQL = `INSERT INTO feedback_items (id, data, created_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET data = json_patch(feedback_items.data, excluded.data), updated_at = excluded.updated_at`

func (s *SQLiteStore) UpsertItems(ctx context.Context, items []model.FeedbackItem) (int, error) {
	written := 0
	for start := 0; start < len(items); start += s.batch {
		end := min(start+s.batch, len(items))
		chunk := items[start:end]

		err := s.inTx(ctx, func(tx *sql.Tx) error {
			now := time.Now().UTC().Format(time.RFC3339Nano)
			for _, item := range chunk {
				data, err := json.Marshal(item)
				if err != nil {
					return eris.Wrapf(err, "marshal item %s", item.ID)
				}
				if _, err := tx.ExecContext(ctx, sqliteUpsertItemSQL,
					item.ID, string(data), item.CreatedAt.UTC().Format(time.RFC3339Nano), now,
				); err != nil {
					return eris.Wrapf(err, "upsert item %s", item.ID)
				}
			}
			return nil
		})
		if err != nil {
			return written, eris.Wrap(err, "sqlite: upsert items")
		}
		written += len(chunk)
	}
	return written, nil
}

const sqliteUpsertGroupSQL = `INSERT INTO feedback_groups (id, data, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET data = json_patch(feedback_groups.data, excluded.data), updated_at = excluded.updated_at`

func (s *SQLiteStore) UpsertGroups(ctx context.Context, groups []model.Group) (int, error) {
	written := 0
	for start := 0; start < len(groups); start += s.batch {
		end := min(start+s.batch, len(groups))
		chunk := groups[start:end]

		err := s.inTx(ctx, func(tx *sql.Tx) error {
			now := time.Now().UTC().Format(time.RFC3339Nano)
			for _, group := range chunk {
				data, err := json.Marshal(group)
				if err != nil {
					return eris.Wrapf(err, "marshal group %s", group.ID)
				}
				if _, err := tx.ExecContext(ctx, sqliteUpsertGroupSQL,
					group.ID, string(data), now,
				); err != nil {
					return eris.Wrapf(err, "upsert group %s", group.ID)
				}
			}
			return nil
		})
		if err != nil {
			return written, eris.Wrap(err, "sqlite: upsert groups")
		}
		written += len(chunk)
	}
	return written, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "commit tx")
}

func (s *SQLiteStore) ListGroups(ctx context.Context) ([]model.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM feedback_groups ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list groups")
	}
	defer rows.Close()

	var groups []model.Group
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan group")
		}
		var g model.Group
		if err := json.Unmarshal([]byte(data), &g); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal group")
		}
		groups = append(groups, g)
	}
	return groups, eris.Wrap(rows.Err(), "sqlite: iterate groups")
}

func (s *SQLiteStore) SyncState(ctx context.Context) (*model.SyncState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sync_config WHERE name = ?`, syncStateDoc,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: read sync state")
	}

	var state model.SyncState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal sync state")
	}
	return &state, nil
}

func (s *SQLiteStore) SetSyncState(ctx context.Context, state model.SyncState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal sync state")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_config (name, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET data = json_patch(sync_config.data, excluded.data), updated_at = excluded.updated_at`,
		syncStateDoc, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return eris.Wrap(err, "sqlite: write sync state")
}

func (s *SQLiteStore) RecordSyncRun(ctx context.Context, run model.SyncRun) error {
	var report sql.NullString
	if run.Report != nil {
		data, err := json.Marshal(run.Report)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal sync report")
		}
		report = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, status, report, error, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), report, run.Error,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	return eris.Wrapf(err, "sqlite: record sync run %s", run.ID)
}

func (s *SQLiteStore) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	var acquiredAt, expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT acquired_at, expires_at FROM sync_lock WHERE name = ?`, syncLockName,
	).Scan(&acquiredAt, &expiresAt)
	switch {
	case err == nil:
		held, perr := parseLock(acquiredAt, expiresAt)
		if perr != nil {
			return false, perr
		}
		if held.ExpiresAt.After(time.Now().UTC()) {
			return false, nil
		}
	case errors.Is(err, sql.ErrNoRows):
		// free
	default:
		return false, eris.Wrap(err, "sqlite: read sync lock")
	}

	now := time.Now().UTC()
	lock := model.SyncLock{AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sync_lock (name, acquired_at, expires_at) VALUES (?, ?, ?)`,
		syncLockName,
		lock.AcquiredAt.Format(time.RFC3339Nano),
		lock.ExpiresAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: acquire sync lock")
	}
	return true, nil
}

func parseLock(acquiredAt, expiresAt string) (model.SyncLock, error) {
	acquired, err := time.Parse(time.RFC3339Nano, acquiredAt)
	if err != nil {
		return model.SyncLock{}, eris.Wrap(err, "sqlite: parse lock acquired_at")
	}
	expires, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return model.SyncLock{}, eris.Wrap(err, "sqlite: parse lock expires_at")
	}
	return model.SyncLock{AcquiredAt: acquired, ExpiresAt: expires}, nil
}

func (s *SQLiteStore) Release(ctx context.Context) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_lock WHERE name = ?`, syncLockName)
	return eris.Wrap(err, "sqlite: release sync lock")
}
