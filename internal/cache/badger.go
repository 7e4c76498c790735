package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Badger is a Store backed by an in-memory BadgerDB. Values are msgpack encoded and
// expiry uses badger's native entry TTL. Several stores share one DB under distinct
// key namespaces.
type Badger[V any] struct {
	db     *badger.DB
	prefix []byte
	ttl    time.Duration
}

var _ Store[string] = (*Badger[string])(nil)

// OpenBadger opens an in-memory badger instance routed to logger.
func OpenBadger(logger *slog.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	return badger.Open(opts)
}

// NewBadger creates a store under namespace. ttl <= 0 disables expiry.
func NewBadger[V any](db *badger.DB, namespace string, ttl time.Duration) *Badger[V] {
	return &Badger[V]{db: db, prefix: []byte(namespace + ":"), ttl: ttl}
}

func (b *Badger[V]) key(k string) []byte {
	out := make([]byte, 0, len(b.prefix)+len(k))
	out = append(out, b.prefix...)
	return append(out, k...)
}

func (b *Badger[V]) Get(_ context.Context, key string) (V, bool, error) {
	var (
		zero V
		raw  []byte
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	var v V
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return v, true, nil
}

func (b *Badger[V]) Set(_ context.Context, key string, value V) error {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(b.key(key), raw)
		if b.ttl > 0 {
			e = e.WithTTL(b.ttl)
		}
		return txn.SetEntry(e)
	})
}

func (b *Badger[V]) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *Badger[V]) Len(_ context.Context) int {
	n := 0
	_ = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = b.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(b.prefix); it.ValidForPrefix(b.prefix); it.Next() {
			n++
		}
		return nil
	})
	return n
}

// badgerLogger adapts slog to badger.Logger. Badger is chatty at info level, so
// everything below warning is logged at debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(f string, args ...any) {
	l.logger.Error("badger: " + fmt.Sprintf(f, args...))
}

func (l badgerLogger) Warningf(f string, args ...any) {
	l.logger.Warn("badger: " + fmt.Sprintf(f, args...))
}

func (l badgerLogger) Infof(f string, args ...any) {
	l.logger.Debug("badger: " + fmt.Sprintf(f, args...))
}

func (l badgerLogger) Debugf(f string, args ...any) {
	l.logger.Debug("badger: " + fmt.Sprintf(f, args...))
}
