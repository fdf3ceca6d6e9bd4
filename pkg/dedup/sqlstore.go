package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"turnrelay/pkg/config"
)

// eventTypeUser marks an inbound user message in the events table.
const eventTypeUser = "user"

// eventRecord is a row of the tracker-style events table shared with the agent runtime.
type eventRecord struct {
	ID        uint    `gorm:"primaryKey"`
	SenderID  string  `gorm:"column:sender_id;size:255;index:idx_events_sender_timestamp,priority:1"`
	TypeName  string  `gorm:"column:type_name;size:255"`
	Timestamp float64 `gorm:"column:timestamp;index:idx_events_sender_timestamp,priority:2"`
	Data      string  `gorm:"column:data;type:text"`
}

func (eventRecord) TableName() string {
	return "events"
}

// SQLStore keeps dedup records in an events table through gorm.
type SQLStore struct {
	db *gorm.DB
}

var (
	_ Store  = (*SQLStore)(nil)
	_ Pruner = (*SQLStore)(nil)
)

// OpenSQL connects to the configured database and migrates the events table.
func OpenSQL(cfg config.SQLConfig) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch cfg.Dialect {
	case config.DedupDialectPostgres:
		dialector = postgres.Open(cfg.DSN)
	case config.DedupDialectSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported dedup sql dialect: %s", cfg.Dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect dedup database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB instance: %w", err)
	}
	if cfg.Dialect == config.DedupDialectPostgres {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
	} else {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&eventRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate events table: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// Exists matches the message id inside the JSON data column, written either
// compactly or with a space after the colon.
func (s *SQLStore) Exists(ctx context.Context, senderID string, messageID string, since time.Time) (bool, error) {
	quoted, err := json.Marshal(messageID)
	if err != nil {
		return false, fmt.Errorf("encode message id: %w", err)
	}
	id := escapeLike(string(quoted))

	var count int64
	err = s.db.WithContext(ctx).
		Model(&eventRecord{}).
		Where("sender_id = ? AND type_name = ? AND timestamp >= ?", senderID, eventTypeUser, epochSeconds(since)).
		Where(`(data LIKE ? ESCAPE '\' OR data LIKE ? ESCAPE '\')`,
			`%"message_id":`+id+`%`,
			`%"message_id": `+id+`%`,
		).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("query events: %w", err)
	}

	return count > 0, nil
}

func (s *SQLStore) Record(ctx context.Context, senderID string, messageID string, at time.Time) error {
	data, err := json.Marshal(map[string]string{"message_id": messageID})
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}

	record := eventRecord{
		SenderID:  senderID,
		TypeName:  eventTypeUser,
		Timestamp: epochSeconds(at),
		Data:      string(data),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return nil
}

// Prune deletes user events older than before and returns the number removed.
func (s *SQLStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("type_name = ? AND timestamp < ?", eventTypeUser, epochSeconds(before)).
		Delete(&eventRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("prune events: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func epochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(value string) string {
	return likeEscaper.Replace(value)
}
