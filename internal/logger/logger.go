package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"cdpmock/internal/config"
)

// Logger 统一日志接口，键值对形式附加字段
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

type zeroLogger struct {
	zl zerolog.Logger
}

// New 根据日志配置创建 zerolog 实现
func New(cfg config.LogConfig) Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	for _, w := range cfg.Writer {
		switch w {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
		case "file":
			file := cfg.File
			if file == "" {
				file = "logs/cdpmock.log"
			}
			_ = os.MkdirAll(filepath.Dir(file), 0o755)
			writers = append(writers, &lumberjack.Logger{
				Filename:   file,
				MaxSize:    10,
				MaxBackups: 5,
				MaxAge:     7,
				Compress:   true,
			})
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return &zeroLogger{zl: zl}
}

// NewWithWriter 输出到指定 writer，测试使用
func NewWithWriter(w io.Writer, level zerolog.Level) Logger {
	return &zeroLogger{zl: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// NewNop 丢弃所有日志
func NewNop() Logger {
	return &zeroLogger{zl: zerolog.Nop()}
}

func (l *zeroLogger) Debug(msg string, kv ...any) { l.zl.Debug().Fields(kv).Msg(msg) }

func (l *zeroLogger) Info(msg string, kv ...any) { l.zl.Info().Fields(kv).Msg(msg) }

func (l *zeroLogger) Warn(msg string, kv ...any) { l.zl.Warn().Fields(kv).Msg(msg) }

func (l *zeroLogger) Error(msg string, kv ...any) { l.zl.Error().Fields(kv).Msg(msg) }

func (l *zeroLogger) Err(err error, msg string, kv ...any) {
	l.zl.Error().Err(err).Fields(kv).Msg(msg)
}

func (l *zeroLogger) With(kv ...any) Logger {
	return &zeroLogger{zl: l.zl.With().Fields(kv).Logger()}
}
