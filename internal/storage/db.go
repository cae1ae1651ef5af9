package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"cdpmock/internal/config"
	"cdpmock/internal/logger"
)

var (
	ErrOpenDB  = errors.New("open database")
	ErrMigrate = errors.New("migrate database")
)

// Setting 配置存储键值行
type Setting struct {
	Name      string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli"`
}

// Open 打开 sqlite 数据库并迁移表结构
func Open(cfg config.SqliteConfig, l logger.Logger) (*gorm.DB, error) {
	if l == nil {
		l = logger.NewNop()
	}
	if dir := filepath.Dir(cfg.Dsn); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOpenDB, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.Dsn), &gorm.Config{
		Logger:         NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: cfg.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenDB, err)
	}
	if err := db.AutoMigrate(&Setting{}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMigrate, err)
	}
	l.Debug("配置数据库已打开", "dsn", cfg.Dsn)
	return db, nil
}

// Close 关闭底层连接
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
