// Package badgerstore implements persist.Port on an embedded Badger database.
// Keys are laid out as <collection>/<key> so a collection is one prefix range.
package badgerstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"qazna.org/adminauth/internal/persist"
)

// Options configures Open.
type Options struct {
	Dir        string
	InMemory   bool
	SyncWrites bool
	Logger     *zap.Logger
}

// Store is a persist.Port backed by Badger.
type Store struct {
	db *badger.DB
}

var _ persist.Port = (*Store)(nil)

// Open opens (or creates) the database described by opts.
func Open(opts Options) (*Store, error) {
	dir := opts.Dir
	if opts.InMemory {
		dir = ""
	} else if dir == "" {
		return nil, errors.New("badgerstore: data dir required")
	}
	bopts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2)
	if opts.Logger != nil {
		bopts = bopts.WithLogger(badgerLogger{opts.Logger.Sugar()})
	} else {
		bopts = bopts.WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badgerstore: closed")
	}
	return ctx.Err()
}

func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(collection, key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badgerstore: get %s: %w", collection, err)
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, collection, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(collection, key), v)
	}); err != nil {
		return fmt.Errorf("badgerstore: put %s: %w", collection, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(collection, key))
	}); err != nil {
		return fmt.Errorf("badgerstore: delete %s: %w", collection, err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, collection string, match persist.Predicate) ([]persist.Record, error) {
	prefix := []byte(collection + "/")
	var out []persist.Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			key := string(item.Key()[len(prefix):])
			if match != nil && !match(key, value) {
				continue
			}
			out = append(out, persist.Record{Key: key, Value: value})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: scan %s: %w", collection, err)
	}
	return out, nil
}

func recordKey(collection, key string) []byte {
	return []byte(collection + "/" + key)
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}
