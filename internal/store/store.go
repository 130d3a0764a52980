package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Nirovitsky/baltek-business-chat/internal/types"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("key not found")

const (
	keyTokens      = "auth.tokens"
	keySelectedOrg = "session.selected_organization"
)

// Entry is a single persisted key/value pair.
type Entry struct {
	Key       string `gorm:"primarykey;size:128"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

func (Entry) TableName() string {
	return "entries"
}

// Store is the durable client-side state (tokens, selected organization)
// backed by a local SQLite file.
type Store struct {
	db *gorm.DB
}

// Open opens or creates the state database at path. Use ":memory:" for an
// ephemeral store.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate state database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get underlying connection: %w", err)
	}
	return sqlDB.Close()
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (string, error) {
	var entry Entry
	if err := s.db.First(&entry, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read key %q: %w", key, err)
	}
	return entry.Value, nil
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(key, value string) error {
	entry := Entry{Key: key, Value: value, UpdatedAt: time.Now()}
	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&entry).Error; err != nil {
		return fmt.Errorf("write key %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if err := s.db.Delete(&Entry{}, "key = ?", key).Error; err != nil {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	return nil
}

func (s *Store) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode key %q: %w", key, err)
	}
	return s.Put(key, string(data))
}

func (s *Store) getJSON(key string, v any) error {
	data, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("decode key %q: %w", key, err)
	}
	return nil
}

// SaveTokens persists the access/refresh token pair.
func (s *Store) SaveTokens(pair types.TokenPair) error {
	return s.putJSON(keyTokens, pair)
}

// Tokens returns the persisted token pair, or ErrNotFound after logout.
func (s *Store) Tokens() (types.TokenPair, error) {
	var pair types.TokenPair
	err := s.getJSON(keyTokens, &pair)
	return pair, err
}

// ClearTokens removes the persisted token pair.
func (s *Store) ClearTokens() error {
	return s.Delete(keyTokens)
}

// SaveSelectedOrganization persists the active organization context.
func (s *Store) SaveSelectedOrganization(id int) error {
	return s.putJSON(keySelectedOrg, id)
}

// SelectedOrganization returns the persisted organization id, or
// ErrNotFound when none has been selected.
func (s *Store) SelectedOrganization() (int, error) {
	var id int
	err := s.getJSON(keySelectedOrg, &id)
	return id, err
}
