// Package logging builds the zap logger used across the relay, rotating
// file output through lumberjack the way cppla-moto/utils/log.go does.
// Unlike that teacher package, the logger here is constructed and
// injected explicitly rather than stashed in a package-level global: the
// relay runs both a server and a client binary in the same module, each
// wanting its own fields and output path, so a shared global would force
// one to stomp on the other's configuration.
package logging

import (
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls where and how verbosely a logger writes.
type Config struct {
	Level      string // debug, info, warn, error
	FilePath   string // empty disables file rotation, logs to stderr only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Fields     []zap.Field
}

func levelFor(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a *zap.Logger per cfg. Console output always goes to stderr;
// when cfg.FilePath is set, a rotating file core is layered in alongside it.
func New(cfg Config) *zap.Logger {
	level := levelFor(cfg.Level)
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}
	if cfg.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    nonZero(cfg.MaxSizeMB, 100),
			MaxBackups: nonZero(cfg.MaxBackups, 5),
			MaxAge:     nonZero(cfg.MaxAgeDays, 28),
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if len(cfg.Fields) > 0 {
		logger = logger.With(cfg.Fields...)
	}
	return logger
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
