package history

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// KV is the string-keyed store the history ledger lives in.
type KV interface {
	// Get returns ok=false when key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// MultiGet returns the values of the keys that exist.
	MultiGet(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Update runs fn in one transaction; every write made through tx is
	// applied or none is.
	Update(ctx context.Context, fn func(tx KVTx) error) error
}

// KVTx is the view of the store inside Update.
type KVTx interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(keys ...string) error
}

// kvEntry is one row of the kv_entries table.
type kvEntry struct {
	Key       string    `gorm:"column:kv_key;primaryKey;size:512"`
	Value     string    `gorm:"column:kv_value;type:text"`
	UpdatedAt time.Time `gorm:"index"`
}

func (kvEntry) TableName() string { return "kv_entries" }

// multiGetChunk stays below SQLite's bound-parameter limit.
const multiGetChunk = 500

// SQLiteKV keeps every key in one SQLite table.
type SQLiteKV struct {
	db *gorm.DB
}

// OpenSQLiteKV opens (and migrates) the database at path. Use ":memory:"
// for a throwaway store.
func OpenSQLiteKV(path string) (*SQLiteKV, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection serializes statements
	// instead of failing them with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&kvEntry{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &SQLiteKV{db: db}, nil
}

// DB exposes the underlying handle for components sharing the database.
func (s *SQLiteKV) DB() *gorm.DB {
	return s.db
}

func (s *SQLiteKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return getEntry(s.db.WithContext(ctx), key)
}

func (s *SQLiteKV) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	db := s.db.WithContext(ctx)
	for start := 0; start < len(keys); start += multiGetChunk {
		end := min(start+multiGetChunk, len(keys))
		var rows []kvEntry
		if err := db.Where("kv_key IN ?", keys[start:end]).Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, r := range rows {
			out[r.Key] = []byte(r.Value)
		}
	}
	return out, nil
}

func (s *SQLiteKV) Set(ctx context.Context, key string, value []byte) error {
	return setEntry(s.db.WithContext(ctx), key, value)
}

func (s *SQLiteKV) Update(ctx context.Context, fn func(tx KVTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(sqliteTx{db: tx})
	})
}

func (s *SQLiteKV) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type sqliteTx struct {
	db *gorm.DB
}

func (t sqliteTx) Get(key string) ([]byte, bool, error) {
	return getEntry(t.db, key)
}

func (t sqliteTx) Set(key string, value []byte) error {
	return setEntry(t.db, key, value)
}

func (t sqliteTx) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return t.db.Where("kv_key IN ?", keys).Delete(&kvEntry{}).Error
}

func getEntry(db *gorm.DB, key string) ([]byte, bool, error) {
	var rows []kvEntry
	if err := db.Where("kv_key = ?", key).Limit(1).Find(&rows).Error; err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return []byte(rows[0].Value), true, nil
}

func setEntry(db *gorm.DB, key string, value []byte) error {
	e := kvEntry{Key: key, Value: string(value), UpdatedAt: time.Now().UTC()}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kv_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"kv_value", "updated_at"}),
	}).Create(&e).Error
}
