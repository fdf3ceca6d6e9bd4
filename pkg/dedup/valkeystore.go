package dedup

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"turnrelay/pkg/config"
)

const (
	defaultValkeyKeyPrefix = "turnrelay:"
	valkeyConnectTimeout   = 5 * time.Second
)

// ValkeyStore keeps one expiring key per processed message. The value is the
// record time in unix milliseconds.
type ValkeyStore struct {
	client    valkey.Client
	prefix    string
	retention time.Duration
}

var _ Store = (*ValkeyStore)(nil)

// OpenValkey connects to Valkey and verifies the connection with PING.
func OpenValkey(ctx context.Context, cfg config.ValkeyConfig, retention time.Duration) (*ValkeyStore, error) {
	opts := valkey.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, valkeyConnectTimeout)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultValkeyKeyPrefix
	} else if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	if retention <= 0 {
		retention = config.DefaultDedupRetention
	}

	return &ValkeyStore{client: client, prefix: prefix, retention: retention}, nil
}

func (s *ValkeyStore) key(senderID string, messageID string) string {
	return s.prefix + "dedup:" + senderID + ":" + messageID
}

func (s *ValkeyStore) Exists(ctx context.Context, senderID string, messageID string, since time.Time) (bool, error) {
	recordedAt, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(senderID, messageID)).Build()).AsInt64()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("get dedup key: %w", err)
	}

	return recordedAt >= since.UnixMilli(), nil
}

func (s *ValkeyStore) Record(ctx context.Context, senderID string, messageID string, at time.Time) error {
	cmd := s.client.B().Set().
		Key(s.key(senderID, messageID)).
		Value(strconv.FormatInt(at.UnixMilli(), 10)).
		Ex(s.retention).
		Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("set dedup key: %w", err)
	}

	return nil
}

func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}
