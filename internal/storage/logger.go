package storage

import (
	"context"
	"errors"
	"time"

	"cdpmock/internal/ctxkeys"
	ilog "cdpmock/internal/logger"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// slowQueryThreshold 慢查询阈值，配置存储只有小表，超过即为异常
const slowQueryThreshold = 200 * time.Millisecond

// GormLogger 将 gorm 日志转发到统一日志接口
type GormLogger struct {
	log      ilog.Logger
	LogLevel logger.LogLevel
}

// NewGormLogger 创建新的GormLogger实例
func NewGormLogger(l ilog.Logger) *GormLogger {
	return &GormLogger{
		log:      l,
		LogLevel: logger.Warn,
	}
}

// LogMode 设置日志级别
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

// Info 打印info级别日志
func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Info {
		l.log.Info(msg, "traceId", ctxkeys.TraceID(ctx), "data", data)
	}
}

// Warn 打印warn级别日志
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Warn {
		l.log.Warn(msg, "traceId", ctxkeys.TraceID(ctx), "data", data)
	}
}

// Error 打印error级别日志
func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Error {
		l.log.Error(msg, "traceId", ctxkeys.TraceID(ctx), "data", data)
	}
}

// Trace 打印SQL日志
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []any{
		"traceId", ctxkeys.TraceID(ctx),
		"sql", sql,
		"rows", rows,
		"timeMs", float64(elapsed.Nanoseconds()) / 1e6,
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.LogLevel >= logger.Error:
		l.log.Err(err, "SQL执行错误", fields...)
	case elapsed > slowQueryThreshold && l.LogLevel >= logger.Warn:
		l.log.Warn("慢SQL查询", append(fields, "threshold", slowQueryThreshold.String())...)
	case l.LogLevel == logger.Info:
		l.log.Debug("SQL执行", fields...)
	}
}
