package logging

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LoggerKey struct{}

func NewContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey{}, logger)
}

func FromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(LoggerKey{}).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}

// Named returns ctx carrying a sub-logger of the one already in ctx.
func Named(ctx context.Context, name string, fields ...zap.Field) (context.Context, *zap.Logger) {
	logger := FromContext(ctx).Named(name).With(fields...)
	return NewContext(ctx, logger), logger
}

// Rotation configures the optional log file.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var DefaultRotation = Rotation{
	MaxSizeMB:  100,
	MaxBackups: 3,
	MaxAgeDays: 28,
}

func New(level zapcore.LevelEnabler, logFileName string, json bool) *zap.Logger {
	return NewWithRotation(level, logFileName, json, DefaultRotation)
}

func NewWithRotation(level zapcore.LevelEnabler, logFileName string, json bool, rot Rotation) *zap.Logger {
	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if json {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	consoleSyncer := zapcore.Lock(os.Stdout)
	cores := []zapcore.Core{zapcore.NewCore(encoder, consoleSyncer, level)}

	if logFileName != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   logFileName,
			MaxSize:    rot.MaxSizeMB,
			MaxBackups: rot.MaxBackups,
			MaxAge:     rot.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(fileLogger), zap.DebugLevel))
	}

	return zap.New(zapcore.NewTee(cores...))
}
