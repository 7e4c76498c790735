// Package cache provides keyed capability caches shared by concurrent requests:
// provider conversation ids (TTL bound, keyed by sender) and media transcriptions and
// interpretations (process lifetime, keyed by message id).
//
// Two backends exist: an in-process map and an in-memory BadgerDB. Neither persists
// beyond the process. Concurrent writes to the same key are last-write-wins.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Store is a keyed cache with optional per-store TTL.
type Store[V any] interface {
	// Get returns the value and true on hit. Expired entries are misses.
	Get(ctx context.Context, key string) (V, bool, error)
	Set(ctx context.Context, key string, value V) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Len returns the number of live entries.
	Len(ctx context.Context) int
}

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// Options configures the cache set.
type Options struct {
	Backend         string
	ConversationTTL time.Duration
	Logger          *slog.Logger
}

// Set bundles the three capability caches used by the pipeline.
type Set struct {
	Conversations   Store[string]
	Transcripts     Store[string]
	Interpretations Store[string]

	closer func() error
}

// Close releases the backend, if any.
func (s *Set) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// NewSet builds the caches on the configured backend.
func NewSet(opts Options) (*Set, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return &Set{
			Conversations:   NewMemory[string](opts.ConversationTTL),
			Transcripts:     NewMemory[string](0),
			Interpretations: NewMemory[string](0),
		}, nil
	case BackendBadger:
		db, err := OpenBadger(opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("open badger cache: %w", err)
		}
		return &Set{
			Conversations:   NewBadger[string](db, "conv", opts.ConversationTTL),
			Transcripts:     NewBadger[string](db, "stt", 0),
			Interpretations: NewBadger[string](db, "img", 0),
			closer:          db.Close,
		}, nil
	default:
		return nil, errors.New("cache: unknown backend " + opts.Backend)
	}
}
