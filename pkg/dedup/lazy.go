package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"turnrelay/pkg/config"
)

// OpenFunc opens the backing store.
type OpenFunc func(ctx context.Context) (Store, error)

// LazyStore opens its backing store on first use and shares it afterwards.
// A failed open is attempted again on the next call.
type LazyStore struct {
	open OpenFunc

	mu     sync.Mutex
	store  Store
	closed bool
}

var _ Store = (*LazyStore)(nil)

func NewLazyStore(open OpenFunc) *LazyStore {
	return &LazyStore{open: open}
}

// FromConfig returns a lazily opened store for the configured driver, or nil
// when deduplication is disabled.
func FromConfig(cfg config.DedupConfig) Store {
	switch cfg.Driver {
	case config.DedupDriverSQL:
		return NewLazyStore(func(context.Context) (Store, error) {
			return OpenSQL(cfg.SQL)
		})
	case config.DedupDriverValkey:
		return NewLazyStore(func(ctx context.Context) (Store, error) {
			return OpenValkey(ctx, cfg.Valkey, cfg.Retention())
		})
	default:
		return nil
	}
}

func (l *LazyStore) get(ctx context.Context) (Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, errors.New("dedup store closed")
	}
	if l.store != nil {
		return l.store, nil
	}

	store, err := l.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open dedup store: %w", err)
	}
	l.store = store
	return store, nil
}

func (l *LazyStore) Exists(ctx context.Context, senderID string, messageID string, since time.Time) (bool, error) {
	store, err := l.get(ctx)
	if err != nil {
		return false, err
	}
	return store.Exists(ctx, senderID, messageID, since)
}

func (l *LazyStore) Record(ctx context.Context, senderID string, messageID string, at time.Time) error {
	store, err := l.get(ctx)
	if err != nil {
		return err
	}
	return store.Record(ctx, senderID, messageID, at)
}

// Prune delegates to the backing store when it supports pruning.
func (l *LazyStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	store, err := l.get(ctx)
	if err != nil {
		return 0, err
	}
	pruner, ok := store.(Pruner)
	if !ok {
		return 0, nil
	}
	return pruner.Prune(ctx, before)
}

func (l *LazyStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	if l.store == nil {
		return nil
	}
	err := l.store.Close()
	l.store = nil
	return err
}
