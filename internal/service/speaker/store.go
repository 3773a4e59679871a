package speaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// MemoryStore keeps labels for the lifetime of the process.
type MemoryStore struct {
	mu     sync.RWMutex
	labels map[string]string
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{labels: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, rawTag string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	label, ok := s.labels[rawTag]
	return label, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, rawTag, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels[rawTag] = label
	return nil
}

// RedisStore keeps labels in Redis under "<prefix>:<rawTag>".
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "speaker-label"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) key(rawTag string) string {
	return s.keyPrefix + ":" + rawTag
}

func (s *RedisStore) Get(ctx context.Context, rawTag string) (string, bool, error) {
	label, err := s.client.Get(ctx, s.key(rawTag)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("label store get %q: %w", rawTag, err)
	}
	return label, true, nil
}

func (s *RedisStore) Set(ctx context.Context, rawTag, label string) error {
	if err := s.client.Set(ctx, s.key(rawTag), label, 0).Err(); err != nil {
		return fmt.Errorf("label store set %q: %w", rawTag, err)
	}
	return nil
}

// labelRecord is the row stored by SQLiteStore.
type labelRecord struct {
	RawTag    string `gorm:"primaryKey;size:128"`
	Label     string `gorm:"size:256;not null"`
	UpdatedAt time.Time
}

func (labelRecord) TableName() string { return "speaker_labels" }

// SQLiteStore keeps labels in a local SQLite file.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLiteStore opens (or creates) the database at path and migrates the
// label table. Use ":memory:" for a throwaway store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open label database %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open label database %s: %w", path, err)
	}
	// SQLite has a single writer, and ":memory:" is per connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&labelRecord{}); err != nil {
		return nil, fmt.Errorf("migrate label database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, rawTag string) (string, bool, error) {
	var rec labelRecord
	err := s.db.WithContext(ctx).Where("raw_tag = ?", rawTag).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("label store get %q: %w", rawTag, err)
	}
	return rec.Label, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, rawTag, label string) error {
	rec := labelRecord{RawTag: rawTag, Label: label}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "raw_tag"}},
		DoUpdates: clause.AssignmentColumns([]string{"label", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("label store set %q: %w", rawTag, err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
