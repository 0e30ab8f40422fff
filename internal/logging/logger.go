// Package logging builds the zap logger shared by the server and workers.
package logging

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls level, encoding and the optional rotated log file.
type Options struct {
	Level  string
	Format string
	File   string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a zap.Logger writing to stdout and, when File is set, to a
// lumberjack-rotated file. The caller should defer logger.Sync().
func New(opts Options) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(opts.Level) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "warn", "warning":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if strings.ToLower(opts.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level),
	}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, err
		}
		ws := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    max(opts.MaxSizeMB, 10),
			MaxBackups: max(opts.MaxBackups, 1),
			MaxAge:     max(opts.MaxAgeDays, 7),
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// Component returns l scoped to a named component, or a no-op logger when l is nil.
func Component(l *zap.Logger, name string) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.With(zap.String("component", name))
}
