package infra

import (
	"context"
	"errors"
	"time"

	applog "creditledger/internal/logger"

	"go.uber.org/zap"
	gormLogger "gorm.io/gorm/logger"
)

// GormZapLogger GORM 日志适配器（输出到 Zap）
// SQL 日志自动携带所在请求的 request_id，便于和访问日志对齐。
type GormZapLogger struct {
	zap           *zap.Logger
	level         gormLogger.LogLevel
	slowThreshold time.Duration
}

// NewGormZapLogger 创建适配器
func NewGormZapLogger(log *zap.Logger, level gormLogger.LogLevel, slowThreshold time.Duration) *GormZapLogger {
	return &GormZapLogger{
		zap:           log,
		level:         level,
		slowThreshold: slowThreshold,
	}
}

// LogMode 设置日志级别
func (l *GormZapLogger) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

// Info 日志
func (l *GormZapLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormLogger.Info {
		l.withRequestID(ctx).Sugar().Infof(msg, data...)
	}
}

// Warn 日志
func (l *GormZapLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormLogger.Warn {
		l.withRequestID(ctx).Sugar().Warnf(msg, data...)
	}
}

// Error 日志
func (l *GormZapLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormLogger.Error {
		l.withRequestID(ctx).Sugar().Errorf(msg, data...)
	}
}

// Trace SQL 执行日志
func (l *GormZapLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormLogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	log := l.withRequestID(ctx)

	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
	}

	switch {
	case err != nil && !errors.Is(err, gormLogger.ErrRecordNotFound):
		fields = append(fields, zap.Error(err))
		log.Error("SQL 执行错误", fields...)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold:
		log.Warn("SQL 慢查询", fields...)
	case l.level >= gormLogger.Info:
		log.Debug("SQL 执行", fields...)
	}
}

func (l *GormZapLogger) withRequestID(ctx context.Context) *zap.Logger {
	if requestID := applog.GetRequestID(ctx); requestID != "" {
		return l.zap.With(zap.String("request_id", requestID))
	}
	return l.zap
}
