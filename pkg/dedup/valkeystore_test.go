package dedup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"turnrelay/pkg/config"
)

func openTestValkeyStore(t *testing.T) *ValkeyStore {
	t.Helper()

	addr := os.Getenv("TURNRELAY_TEST_VALKEY_ADDR")
	if addr == "" {
		t.Skip("TURNRELAY_TEST_VALKEY_ADDR not set")
	}

	store, err := OpenValkey(context.Background(), config.ValkeyConfig{
		Address:   addr,
		KeyPrefix: "turnrelay-test-" + uuid.NewString(),
	}, time.Minute)
	if err != nil {
		t.Fatalf("OpenValkey() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestValkeyStoreRecordAndExists(t *testing.T) {
	store := openTestValkeyStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.Record(ctx, "A", "1", now); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	if found, err := store.Exists(ctx, "A", "1", now.Add(-time.Hour)); err != nil || !found {
		t.Fatalf("Exists() = %v, %v; want true, nil", found, err)
	}
	if found, err := store.Exists(ctx, "B", "1", now.Add(-time.Hour)); err != nil || found {
		t.Fatalf("Exists(other sender) = %v, %v; want false, nil", found, err)
	}
	if found, err := store.Exists(ctx, "A", "1", now.Add(time.Minute)); err != nil || found {
		t.Fatalf("Exists(after record) = %v, %v; want false, nil", found, err)
	}
}

func TestValkeyStoreKeyLayout(t *testing.T) {
	store := &ValkeyStore{prefix: "relay:"}
	if got := store.key("A", "wamid.1"); got != "relay:dedup:A:wamid.1" {
		t.Fatalf("key() = %q", got)
	}
}
