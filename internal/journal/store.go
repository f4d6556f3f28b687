// Package journal persists every order the agent submits, so operators can
// audit what the agent did after the fact.
package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OrderRecord is one accepted order.
type OrderRecord struct {
	ID          int64     `gorm:"column:id;primaryKey" json:"id"`
	OrderID     string    `gorm:"column:order_id;uniqueIndex" json:"orderId"`
	Ticker      string    `gorm:"column:ticker;index" json:"ticker"`
	Side        string    `gorm:"column:side" json:"side"`
	Type        string    `gorm:"column:type" json:"type"`
	TimeInForce string    `gorm:"column:time_in_force" json:"timeInForce"`
	Quantity    int64     `gorm:"column:quantity" json:"quantity"`
	LimitPrice  string    `gorm:"column:limit_price" json:"limitPrice,omitempty"`
	StopPrice   string    `gorm:"column:stop_price" json:"stopPrice,omitempty"`
	Broker      string    `gorm:"column:broker" json:"broker"`
	CreatedAt   time.Time `gorm:"column:created_at;index" json:"createdAt"`
}

// TableName sets the table name.
func (OrderRecord) TableName() string { return "orders" }

// Store is the sqlite-backed order journal.
type Store struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewStore opens (and migrates) the journal database at path.
func NewStore(log *zap.Logger, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("journal path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return NewStoreFromDB(log, db)
}

// NewStoreFromDB wraps an existing gorm connection.
func NewStoreFromDB(log *zap.Logger, db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("gorm db cannot be nil")
	}
	if err := db.AutoMigrate(&OrderRecord{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &Store{logger: log.Named("journal"), db: db}, nil
}

// Record saves an order.
func (s *Store) Record(ctx context.Context, rec *OrderRecord) error {
	if rec == nil {
		return errors.New("order record cannot be nil")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

// List returns the most recent orders, newest first. An empty ticker
// matches every ticker; limit <= 0 means 100.
func (s *Store) List(ctx context.Context, ticker string, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit)
	if ticker != "" {
		q = q.Where("ticker = ?", ticker)
	}
	var out []OrderRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
