package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/betbot/bothost/internal/domain"
	"github.com/pkg/errors"
)

const upsertState = `
INSERT INTO bot_states (bot_id,status,is_folder,folder,install_command,owner,runtime,lease_expiry,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(bot_id) DO UPDATE SET
  status=excluded.status,
  is_folder=excluded.is_folder,
  folder=excluded.folder,
  install_command=excluded.install_command,
  owner=excluded.owner,
  runtime=excluded.runtime,
  lease_expiry=excluded.lease_expiry,
  updated_at=excluded.updated_at
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveState(ctx context.Context, db execer, rec domain.Record) error {
	if strings.TrimSpace(rec.BotID) == "" {
		return errors.New("save bot state: empty bot id")
	}
	var folder, owner sql.NullString
	if rec.Folder != "" {
		folder = sql.NullString{String: rec.Folder, Valid: true}
	}
	if rec.Owner != "" {
		owner = sql.NullString{String: rec.Owner, Valid: true}
	}
	var lease sql.NullInt64
	if rec.LeaseExpiry != nil {
		lease = sql.NullInt64{Int64: *rec.LeaseExpiry, Valid: true}
	}
	status := rec.Status
	if status == "" {
		status = domain.StatusStopped
	}
	runtime := rec.Runtime
	if runtime == "" {
		runtime = domain.RuntimeJavaScript
	}
	isFolder := 0
	if rec.IsFolder {
		isFolder = 1
	}
	_, err := db.ExecContext(ctx, upsertState,
		rec.BotID, string(status), isFolder, folder, rec.InstallCommand, owner, string(runtime), lease, nowString())
	if err != nil {
		return errors.Wrapf(err, "save bot state %s", rec.BotID)
	}
	return nil
}

// Save upserts one bot record.
func (s *Store) Save(ctx context.Context, rec domain.Record) error {
	return saveState(ctx, s.db, rec)
}

// SaveAll upserts every record in one transaction.
func (s *Store) SaveAll(ctx context.Context, recs []domain.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin checkpoint")
	}
	for _, rec := range recs {
		if err := saveState(ctx, tx, rec); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "commit checkpoint")
}

// LoadAll returns every bot record ordered by id.
func (s *Store) LoadAll(ctx context.Context) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT bot_id,status,is_folder,folder,install_command,owner,runtime,lease_expiry
FROM bot_states ORDER BY bot_id
`)
	if err != nil {
		return nil, errors.Wrap(err, "query bot states")
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		rec, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(sc scanner) (domain.Record, error) {
	var (
		rec             domain.Record
		status, runtime string
		isFolder        int
		folder, owner   sql.NullString
		lease           sql.NullInt64
	)
	if err := sc.Scan(&rec.BotID, &status, &isFolder, &folder, &rec.InstallCommand, &owner, &runtime, &lease); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, errors.Wrap(err, "scan bot state")
	}
	rec.Status = domain.ParseStatus(status)
	rec.Runtime = domain.ParseRuntime(runtime)
	rec.IsFolder = isFolder != 0
	if folder.Valid {
		rec.Folder = folder.String
	}
	if owner.Valid {
		rec.Owner = owner.String
	}
	if lease.Valid {
		v := lease.Int64
		rec.LeaseExpiry = &v
	}
	return rec, nil
}

// Delete removes a bot record. Missing records are not an error.
func (s *Store) Delete(ctx context.Context, botID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bot_states WHERE bot_id=?`, botID); err != nil {
		return errors.Wrapf(err, "delete bot state %s", botID)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_bots WHERE bot_id=?`, botID); err != nil {
		return errors.Wrapf(err, "delete ownership of %s", botID)
	}
	return nil
}

// ResetRunning marks every running record stopped and clears its lease.
func (s *Store) ResetRunning(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE bot_states SET status='stopped', lease_expiry=NULL, updated_at=? WHERE status='running'
`, nowString())
	if err != nil {
		return errors.Wrap(err, "reset running bot states")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.WithField("count", n).Info("reset running bot states to stopped")
	}
	return nil
}
