// Package kvstate keeps bot state records in Badger, one key per bot. It is the
// alternative to the SQLite bot_states table when state.backend is "badger".
package kvstate

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/betbot/bothost/internal/domain"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

const keyPrefix = "bot/"

// Store implements the registry persistence contract on Badger.
type Store struct {
	db *badger.DB
}

// Open opens the Badger directory at path. An empty path opens an in-memory store.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger state store")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func botKey(id string) []byte {
	return []byte(keyPrefix + id)
}

func putRecord(txn *badger.Txn, rec domain.Record) error {
	if strings.TrimSpace(rec.BotID) == "" {
		return errors.New("kvstate: empty bot id")
	}
	if rec.Status == "" {
		rec.Status = domain.StatusStopped
	}
	if rec.Runtime == "" {
		rec.Runtime = domain.RuntimeJavaScript
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "encode %s", rec.BotID)
	}
	return txn.Set(botKey(rec.BotID), b)
}

// Save upserts one record.
func (s *Store) Save(_ context.Context, rec domain.Record) error {
	return errors.Wrapf(s.db.Update(func(txn *badger.Txn) error {
		return putRecord(txn, rec)
	}), "save %s", rec.BotID)
}

// SaveAll upserts records in as few transactions as Badger allows.
func (s *Store) SaveAll(_ context.Context, recs []domain.Record) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, rec := range recs {
		if strings.TrimSpace(rec.BotID) == "" {
			return errors.New("kvstate: empty bot id")
		}
		if rec.Status == "" {
			rec.Status = domain.StatusStopped
		}
		if rec.Runtime == "" {
			rec.Runtime = domain.RuntimeJavaScript
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrapf(err, "encode %s", rec.BotID)
		}
		if err := wb.Set(botKey(rec.BotID), b); err != nil {
			return errors.Wrapf(err, "batch %s", rec.BotID)
		}
	}
	return errors.Wrap(wb.Flush(), "flush checkpoint")
}

// LoadAll returns every record in key (bot id) order.
func (s *Store) LoadAll(_ context.Context) ([]domain.Record, error) {
	var out []domain.Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec domain.Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return errors.Wrapf(err, "decode %s", it.Item().Key())
			}
			rec.Status = domain.ParseStatus(string(rec.Status))
			rec.Runtime = domain.ParseRuntime(string(rec.Runtime))
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "load bot states")
	}
	return out, nil
}

// Delete removes a record; missing keys are ignored.
func (s *Store) Delete(_ context.Context, botID string) error {
	return errors.Wrapf(s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(botKey(botID))
	}), "delete %s", botID)
}

// ResetRunning marks every running record stopped and clears its lease.
func (s *Store) ResetRunning(ctx context.Context) error {
	recs, err := s.LoadAll(ctx)
	if err != nil {
		return err
	}
	return errors.Wrap(s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range recs {
			if rec.Status != domain.StatusRunning {
				continue
			}
			rec.Status = domain.StatusStopped
			rec.LeaseExpiry = nil
			if err := putRecord(txn, rec); err != nil {
				return err
			}
		}
		return nil
	}), "reset running bot states")
}
