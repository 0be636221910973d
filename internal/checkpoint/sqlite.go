package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_key    TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL DEFAULT '',
	job_name   TEXT NOT NULL DEFAULT '',
	lock_token TEXT,
	locked_at  TEXT,
	lock_pid   INTEGER,
	lock_host  TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	finalized  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS entries (
	run_key   TEXT NOT NULL REFERENCES runs(run_key),
	position  INTEGER NOT NULL,
	record_id TEXT NOT NULL,
	cost      REAL NOT NULL,
	payload   TEXT NOT NULL,
	PRIMARY KEY (run_key, record_id)
);
CREATE INDEX IF NOT EXISTS entries_position ON entries (run_key, position);
`

// SQLiteStore keeps every run in one database file. The lock is a conditional
// update of the run row, so it survives only as long as the row is not cleared.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
	alive  func(pid int) bool
}

func NewSQLiteStore(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	if err := addLockHolderColumns(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger, now: time.Now, alive: processAlive}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// addLockHolderColumns upgrades databases created before the lock holder was
// recorded.
func addLockHolderColumns(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info('runs')`)
	if err != nil {
		return err
	}
	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, col := range []string{"lock_pid INTEGER", "lock_host TEXT"} {
		name := strings.Fields(col)[0]
		if have[name] {
			continue
		}
		if _, err := db.ExecContext(ctx, `ALTER TABLE runs ADD COLUMN `+col); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Lock(ctx context.Context, key string) (Token, error) {
	now := s.timestamp()
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (run_key, created_at, updated_at) VALUES (?, ?, ?)`,
		key, now, now,
	); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	token, err := s.acquire(ctx, key, sql.NullString{})
	if !errors.Is(err, ErrConcurrentRun) {
		return token, err
	}

	var (
		held  sql.NullString
		since sql.NullString
		pid   sql.NullInt64
		host  sql.NullString
	)
	if qerr := s.db.QueryRowContext(ctx,
		`SELECT lock_token, locked_at, lock_pid, lock_host FROM runs WHERE run_key = ?`, key,
	).Scan(&held, &since, &pid, &host); qerr != nil {
		return "", err
	}

	ourHost, _ := os.Hostname()
	if !held.Valid || !pid.Valid || pid.Int64 <= 0 || ourHost == "" || host.String != ourHost || s.alive(int(pid.Int64)) {
		return "", fmt.Errorf("%w: %s (pid %d on %s since %s)", ErrConcurrentRun, key, pid.Int64, host.String, since.String)
	}

	s.logger.Warn("Removing stale checkpoint lock",
		zap.String("run_key", key),
		zap.Int64("pid", pid.Int64),
		zap.String("host", host.String),
		zap.String("locked_at", since.String),
	)
	// Matching on the stale token keeps a concurrent takeover from being undone.
	return s.acquire(ctx, key, held)
}

// acquire takes the lock when it is free, or when it is still held by the
// given stale token.
func (s *SQLiteStore) acquire(ctx context.Context, key string, stale sql.NullString) (Token, error) {
	token := Token(uuid.NewString())
	host, _ := os.Hostname()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET lock_token = ?, locked_at = ?, lock_pid = ?, lock_host = ?
		 WHERE run_key = ? AND ((? IS NULL AND lock_token IS NULL) OR lock_token = ?)`,
		string(token), s.timestamp(), os.Getpid(), host, key, stale, stale,
	)
	if err != nil {
		return "", fmt.Errorf("lock run: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return "", fmt.Errorf("%w: %s", ErrConcurrentRun, key)
	}
	return token, nil
}

func (s *SQLiteStore) Unlock(ctx context.Context, key string, token Token) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET lock_token = NULL, locked_at = NULL, lock_pid = NULL, lock_host = NULL WHERE run_key = ? AND lock_token = ?`,
		key, string(token),
	)
	if err != nil {
		return fmt.Errorf("unlock run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, key)
	}
	return nil
}

func (s *SQLiteStore) ForceUnlock(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET lock_token = NULL, locked_at = NULL, lock_pid = NULL, lock_host = NULL WHERE run_key = ?`,
		key,
	); err != nil {
		return fmt.Errorf("force unlock run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) (*Checkpoint, error) {
	var (
		cp        = &Checkpoint{RunKey: key}
		created   string
		updated   string
		finalized int
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, job_name, created_at, updated_at, finalized FROM runs WHERE run_key = ?`, key,
	).Scan(&cp.Meta.JobID, &cp.Meta.JobName, &created, &updated, &finalized)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}

	if cp.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("%w: run %s created_at: %v", ErrCorrupt, key, err)
	}
	if cp.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("%w: run %s updated_at: %v", ErrCorrupt, key, err)
	}
	cp.Finalized = finalized != 0

	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, payload FROM entries WHERE run_key = ? ORDER BY position`, key,
	)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil || e.Record.ID != id {
			return nil, fmt.Errorf("%w: entry %s of %s", ErrCorrupt, id, key)
		}
		cp.Entries = append(cp.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}

	if len(cp.Entries) == 0 && !cp.Finalized {
		return nil, nil
	}

	cp.recount()
	return cp, nil
}

func (s *SQLiteStore) Append(ctx context.Context, key string, token Token, meta Meta, entries ...Entry) error {
	return s.withLockedTx(ctx, key, token, func(tx *sql.Tx) error {
		var position int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position), -1) + 1 FROM entries WHERE run_key = ?`, key,
		).Scan(&position); err != nil {
			return fmt.Errorf("next position: %w", err)
		}

		for _, e := range entries {
			payload, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode entry %s: %w", e.Record.ID, err)
			}
			res, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO entries (run_key, position, record_id, cost, payload) VALUES (?, ?, ?, ?, ?)`,
				key, position, e.Record.ID, e.Result.Cost, string(payload),
			)
			if err != nil {
				return fmt.Errorf("insert entry %s: %w", e.Record.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				position++
			}
		}

		return s.touch(ctx, tx, key, meta, false)
	})
}

func (s *SQLiteStore) Finalize(ctx context.Context, key string, token Token, meta Meta) error {
	return s.withLockedTx(ctx, key, token, func(tx *sql.Tx) error {
		return s.touch(ctx, tx, key, meta, true)
	})
}

func (s *SQLiteStore) withLockedTx(ctx context.Context, key string, token Token, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var holder sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT lock_token FROM runs WHERE run_key = ?`, key).Scan(&holder)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check lock: %w", err)
	}
	if !holder.Valid || holder.String != string(token) {
		return fmt.Errorf("%w: %s", ErrLockLost, key)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) touch(ctx context.Context, tx *sql.Tx, key string, meta Meta, finalize bool) error {
	_, err := tx.ExecContext(ctx, `
UPDATE runs SET
	job_id = CASE WHEN ? <> '' THEN ? ELSE job_id END,
	job_name = CASE WHEN ? <> '' THEN ? ELSE job_name END,
	updated_at = ?,
	finalized = CASE WHEN ? THEN 1 ELSE finalized END
WHERE run_key = ?`,
		meta.JobID, meta.JobID, meta.JobName, meta.JobName, s.timestamp(), finalize, key,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}
