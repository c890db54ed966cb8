// Package logging builds the structured logger the server and its
// components use. The connection state machine itself never calls into this
// package directly; it's the event loop, bootstrap, and shutdown path that
// log through it.
package logging

import (
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls how the logger writes.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// File, when non-empty, routes output through a rotating file writer
	// instead of stderr.
	File string
}

// New builds a zap.Logger from cfg. Callers should defer logger.Sync().
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(levelOrDefault(cfg.Level))
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer
	if cfg.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
			MaxAge:     28, // days
			Compress:   true,
		})
	} else {
		sink = zapcore.Lock(zapcore.AddSync(os.Stderr))
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, level)
	return zap.New(core, zap.AddCaller()), nil
}

func levelOrDefault(level string) string {
	if level == "" {
		return "info"
	}
	return level
}
