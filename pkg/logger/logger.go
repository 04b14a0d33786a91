// Package logger wires zap with console output and a size-rotated log file.
package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls the process logger.
type Options struct {
	Level      string // debug, info, warn, error
	FilePath   string // empty disables the rolling file
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Console    bool
}

// DefaultOptions matches the production layout: info level, console plus a
// 50 MB rolling file kept for 14 days.
func DefaultOptions(path string) Options {
	return Options{
		Level:      "info",
		FilePath:   path,
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 14,
		Console:    true,
	}
}

// New builds the root logger. Errors are annotated with caller file:line so
// operational failures can be traced to their origin.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(opts.Level); err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	if opts.Console {
		consoleEnc := zap.NewDevelopmentEncoderConfig()
		consoleEnc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleEnc),
			zapcore.Lock(os.Stdout),
			level,
		))
	}
	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err != nil {
			return nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			zapcore.AddSync(rotator),
			level,
		))
	}
	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
