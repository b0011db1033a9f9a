// Package store is the SQLite-backed durable store: per-bot state records, user credit
// balances, the user -> bots ownership index and global settings.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

// DefaultCredits 新用户的初始积分（settings 表里没有配置时使用）
const DefaultCredits = 60

// Store wraps a single-connection SQLite database.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string, log *logrus.Entry) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store: empty database path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create database dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // SQLite：单连接，写操作天然串行

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Store{db: db, log: log.WithField("component", "store")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS users (
  username TEXT PRIMARY KEY,
  credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
  created_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS user_bots (
  username TEXT NOT NULL REFERENCES users(username) ON DELETE CASCADE,
  bot_id TEXT NOT NULL,
  PRIMARY KEY (username, bot_id)
);`,
		`CREATE INDEX IF NOT EXISTS idx_user_bots_bot ON user_bots(bot_id);`,
		// owner 是弱引用：用户删除后置空，不做外键
		`
CREATE TABLE IF NOT EXISTS bot_states (
  bot_id TEXT PRIMARY KEY,
  status TEXT NOT NULL DEFAULT 'stopped',
  is_folder INTEGER NOT NULL DEFAULT 0,
  folder TEXT,
  install_command TEXT NOT NULL DEFAULT '',
  owner TEXT,
  runtime TEXT NOT NULL DEFAULT 'javascript',
  lease_expiry INTEGER,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_bot_states_owner ON bot_states(owner);`,
		`
CREATE TABLE IF NOT EXISTS settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`,
		`INSERT OR IGNORE INTO settings (key, value) VALUES ('default_credits', '60');`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "migrate exec failed")
		}
	}

	// 兼容：早期库没有 runtime / lease_expiry 列时补齐
	for _, col := range []struct {
		name string
		ddl  string
	}{
		{"runtime", `ALTER TABLE bot_states ADD COLUMN runtime TEXT NOT NULL DEFAULT 'javascript';`},
		{"lease_expiry", `ALTER TABLE bot_states ADD COLUMN lease_expiry INTEGER;`},
	} {
		ok, err := hasColumn(ctx, s.db, "bot_states", col.name)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := s.db.ExecContext(ctx, col.ddl); err != nil {
				return errors.Wrapf(err, "alter bot_states add %s", col.name)
			}
		}
	}
	return nil
}

func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, `PRAGMA table_info(`+table+`);`)
	if err != nil {
		return false, errors.Wrapf(err, "table_info %s", table)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
