package store

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/guireclegagne-dev/ecommerce-scraper/internal/model"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/pkg/metrics"
)

// PersistError 单条记录入库失败。
type PersistError struct {
	DedupKey string
	Site     string
	Err      error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist record %s (%s): %v", e.DedupKey, e.Site, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// PersistResult 一批记录入库的结果。单条失败不会中断整批。
type PersistResult struct {
	Persisted int
	Failed    int
	Errors    []error
}

// Store 商品记录的持久化网关。
//
// 入库统一走按 dedup_key 的 Upsert：已存在的记录只更新可变字段
// 与 updated_at，created_at 保持首次入库时间。
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open 连接 MySQL 并迁移表结构。
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	s := New(db, logger)
	if err := s.AutoMigrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// New 用现有连接创建 Store（测试用 SQLite 时走这里）。
func New(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// AutoMigrate 迁移表结构。
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&model.Product{}); err != nil {
		return fmt.Errorf("migrate products: %w", err)
	}
	return nil
}

// 冲突时更新的可变字段。created_at 不在其中。
var upsertColumns = []string{
	"brand", "model", "finish", "specs", "price",
	"url", "image_url", "availability", "collected_at", "updated_at",
}

// UpsertProducts 批量入库。逐条 Upsert，单条失败记入结果后继续。
func (s *Store) UpsertProducts(ctx context.Context, records []model.Product) PersistResult {
	var result PersistResult

	for i := range records {
		rec := &records[i]

		if !rec.Valid() || rec.DedupKey == "" {
			err := &PersistError{
				DedupKey: rec.DedupKey,
				Site:     rec.SiteSource,
				Err:      fmt.Errorf("record missing required fields"),
			}
			result.Failed++
			result.Errors = append(result.Errors, err)
			metrics.PersistErrorsTotal.WithLabelValues(rec.SiteSource).Inc()
			continue
		}

		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "dedup_key"}},
				DoUpdates: clause.AssignmentColumns(upsertColumns),
			}).
			Create(rec).Error
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, &PersistError{
				DedupKey: rec.DedupKey,
				Site:     rec.SiteSource,
				Err:      err,
			})
			metrics.PersistErrorsTotal.WithLabelValues(rec.SiteSource).Inc()
			s.logger.Warn("upsert record failed",
				slog.String("site", rec.SiteSource),
				slog.String("dedup_key", rec.DedupKey),
				slog.String("error", err.Error()))
			continue
		}

		result.Persisted++
		metrics.RecordsPersistedTotal.WithLabelValues(rec.SiteSource).Inc()
	}

	return result
}

// CountBySite 返回某站点已入库的记录数。
func (s *Store) CountBySite(ctx context.Context, site string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.Product{}).
		Where("site_source = ?", site).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count products for %s: %w", site, err)
	}
	return count, nil
}

// FindByDedupKey 按去重标识取单条记录，不存在返回 gorm.ErrRecordNotFound。
func (s *Store) FindByDedupKey(ctx context.Context, key string) (*model.Product, error) {
	var rec model.Product
	err := s.db.WithContext(ctx).
		Where("dedup_key = ?", key).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
