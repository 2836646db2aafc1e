package gormstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"riptide/internal/results"
)

// runModel 是 gorm 后端的 runs 表结构，config 用 JSON 列整存。
type runModel struct {
	ID           string `gorm:"primaryKey"`
	Status       string `gorm:"index"`
	Strategy     string
	Symbols      string
	InitialCash  float64
	FinalEquity  float64
	NetPnL       float64
	Trades       int
	RunDir       string
	Config       datatypes.JSON
	ErrorMessage string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

func (runModel) TableName() string { return "runs" }

// Store 是 serve API 的 gorm/SQLite 持久层变体。
// 是 results.Store 裸 SQL 后端之外的另一实现；server 只装配
// results.Store，不引用本包。
type Store struct {
	db *gorm.DB
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 数据库路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&runModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL：给并发 HTTP 读留一点余量，写仍然串行。
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertRun 写入或更新一次运行摘要。
func (s *Store) UpsertRun(ctx context.Context, rec results.RunRecord) error {
	model := runModel{
		ID:           rec.ID,
		Status:       rec.Status,
		Strategy:     rec.Strategy,
		Symbols:      rec.Symbols,
		InitialCash:  rec.InitialCash,
		FinalEquity:  rec.FinalEquity,
		NetPnL:       rec.NetPnL,
		Trades:       rec.Trades,
		RunDir:       rec.RunDir,
		Config:       datatypes.JSON([]byte(rec.ConfigJSON)),
		ErrorMessage: rec.ErrorMessage,
		CreatedAt:    rec.CreatedAt,
	}
	if !rec.CompletedAt.IsZero() {
		completed := rec.CompletedAt
		model.CompletedAt = &completed
	}
	return s.db.WithContext(ctx).Save(&model).Error
}

// ListRuns 按创建时间倒序取运行摘要。
func (s *Store) ListRuns(ctx context.Context, limit int) ([]results.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []runModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]results.RunRecord, 0, len(models))
	for _, model := range models {
		rec := results.RunRecord{
			ID:           model.ID,
			Status:       model.Status,
			Strategy:     model.Strategy,
			Symbols:      model.Symbols,
			InitialCash:  model.InitialCash,
			FinalEquity:  model.FinalEquity,
			NetPnL:       model.NetPnL,
			Trades:       model.Trades,
			RunDir:       model.RunDir,
			ConfigJSON:   string(model.Config),
			ErrorMessage: model.ErrorMessage,
			CreatedAt:    model.CreatedAt,
		}
		if model.CompletedAt != nil {
			rec.CompletedAt = *model.CompletedAt
		}
		out = append(out, rec)
	}
	return out, nil
}
