// Package dedup detects webhook messages that were already handled.
package dedup

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"turnrelay/pkg/config"
)

// Store persists processed (sender, message id) pairs.
type Store interface {
	// Exists reports whether a record for the pair was written at or after since.
	Exists(ctx context.Context, senderID string, messageID string, since time.Time) (bool, error)
	Record(ctx context.Context, senderID string, messageID string, at time.Time) error
	Close() error
}

// Pruner is implemented by stores that need explicit retention cleanup.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Filter answers duplicate lookups for the webhook and records handled
// messages for the agent runtime. A Filter without a store never deduplicates.
type Filter struct {
	store     Store
	retention time.Duration
	now       func() time.Time
	log       *slog.Logger
}

func NewFilter(store Store, retention time.Duration, log *slog.Logger) *Filter {
	if retention <= 0 {
		retention = config.DefaultDedupRetention
	}
	if log == nil {
		log = slog.Default()
	}
	return &Filter{
		store:     store,
		retention: retention,
		now:       time.Now,
		log:       log,
	}
}

// Seen reports whether senderID already delivered messageID within the
// retention window. Lookup failures are logged and reported as not seen.
func (f *Filter) Seen(ctx context.Context, senderID string, messageID string) bool {
	if f == nil || f.store == nil {
		return false
	}
	if strings.TrimSpace(senderID) == "" || strings.TrimSpace(messageID) == "" {
		return false
	}

	found, err := f.store.Exists(ctx, senderID, messageID, f.now().Add(-f.retention))
	if err != nil {
		f.log.Error("Dedup lookup failed", "sender_id", senderID, "message_id", messageID, "error", err)
		return false
	}

	return found
}

// Record marks messageID from senderID as handled.
func (f *Filter) Record(ctx context.Context, senderID string, messageID string) error {
	if f == nil || f.store == nil {
		return nil
	}
	if strings.TrimSpace(senderID) == "" || strings.TrimSpace(messageID) == "" {
		return nil
	}

	return f.store.Record(ctx, senderID, messageID, f.now())
}

// Retention is the window within which a repeated delivery counts as a duplicate.
func (f *Filter) Retention() time.Duration {
	return f.retention
}

func (f *Filter) Close() error {
	if f == nil || f.store == nil {
		return nil
	}
	return f.store.Close()
}
