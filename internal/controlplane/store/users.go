package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/betbot/bothost/internal/domain"
	"github.com/pkg/errors"
)

// ErrUserExists is returned by CreateUser for a taken username.
var ErrUserExists = errors.New("user already exists")

// User is a credit account.
type User struct {
	Username string   `json:"username"`
	Credits  int      `json:"credits"`
	Bots     []string `json:"bots"`
}

// TryDebit atomically subtracts amount when the balance covers it. An unknown user is
// treated as having no credits.
func (s *Store) TryDebit(ctx context.Context, username string, amount int) error {
	if amount < 0 {
		return errors.Errorf("negative debit %d", amount)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET credits = credits - ? WHERE username = ? AND credits >= ?`,
		amount, username, amount)
	if err != nil {
		return errors.Wrapf(err, "debit %s", username)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "debit rows affected")
	}
	if n == 0 {
		return errors.Wrapf(domain.ErrInsufficientCredits, "%s needs %d", username, amount)
	}
	s.log.WithField("username", username).WithField("amount", amount).Debug("credits debited")
	return nil
}

// Credit adds amount to a user's balance.
func (s *Store) Credit(ctx context.Context, username string, amount int) error {
	if amount <= 0 {
		return errors.Errorf("credit amount must be positive, got %d", amount)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET credits = credits + ? WHERE username = ?`, amount, username)
	if err != nil {
		return errors.Wrapf(err, "credit %s", username)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("credit: unknown user %s", username)
	}
	return nil
}

// Balance returns the user's credits.
func (s *Store) Balance(ctx context.Context, username string) (int, error) {
	var credits int
	err := s.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE username=?`, username).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "balance of %s", username)
	}
	return credits, nil
}

// DefaultCredits reads settings.default_credits, falling back to DefaultCredits.
func (s *Store) DefaultCredits(ctx context.Context) int {
	var v string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key='default_credits'`).Scan(&v); err != nil {
		return DefaultCredits
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return DefaultCredits
	}
	return n
}

// SetSetting upserts a setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value
`, key, value)
	return errors.Wrapf(err, "set setting %s", key)
}

// CreateUser adds a user with the configured default balance.
func (s *Store) CreateUser(ctx context.Context, username string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, errors.New("empty username")
	}
	credits := s.DefaultCredits(ctx)
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (username, credits, created_at) VALUES (?,?,?)`,
		username, credits, nowString())
	if err != nil {
		return User{}, errors.Wrapf(err, "create user %s", username)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return User{}, errors.Wrap(ErrUserExists, username)
	}
	return User{Username: username, Credits: credits}, nil
}

// GetUser returns a user with the ids of the bots they own.
func (s *Store) GetUser(ctx context.Context, username string) (User, bool, error) {
	u := User{Username: username}
	err := s.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE username=?`, username).Scan(&u.Credits)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, errors.Wrapf(err, "get user %s", username)
	}
	bots, err := s.OwnedBots(ctx, username)
	if err != nil {
		return User{}, false, err
	}
	u.Bots = bots
	return u, true, nil
}

// DeleteUser removes the user and nulls the owner of their bots.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete user")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE bot_states SET owner=NULL, updated_at=? WHERE owner=?`, nowString(), username); err != nil {
		return errors.Wrapf(err, "orphan bots of %s", username)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_bots WHERE username=?`, username); err != nil {
		return errors.Wrapf(err, "delete ownership index of %s", username)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE username=?`, username); err != nil {
		return errors.Wrapf(err, "delete user %s", username)
	}
	return errors.Wrap(tx.Commit(), "commit delete user")
}

// EnsureOwned records botID in the user's ownership index. A missing user row is
// created with zero credits so that the index never dangles.
func (s *Store) EnsureOwned(ctx context.Context, username, botID string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (username, credits, created_at) VALUES (?, 0, ?)`,
		username, nowString()); err != nil {
		return errors.Wrapf(err, "ensure user %s", username)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_bots (username, bot_id) VALUES (?, ?)`, username, botID); err != nil {
		return errors.Wrapf(err, "own %s by %s", botID, username)
	}
	return nil
}

// Disown removes botID from the user's ownership index.
func (s *Store) Disown(ctx context.Context, username, botID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_bots WHERE username=? AND bot_id=?`, username, botID)
	return errors.Wrapf(err, "disown %s from %s", botID, username)
}

// OwnedBots lists the bot ids in the user's ownership index.
func (s *Store) OwnedBots(ctx context.Context, username string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bot_id FROM user_bots WHERE username=? ORDER BY bot_id`, username)
	if err != nil {
		return nil, errors.Wrapf(err, "owned bots of %s", username)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
