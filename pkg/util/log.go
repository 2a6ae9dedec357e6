package util

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func logEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(cfg)
}

// NewLogger returns a console-only JSON logger for tests and ephemeral runs.
func NewLogger() *zap.SugaredLogger {
	core := zapcore.NewCore(logEncoder(), zapcore.Lock(os.Stdout), zap.InfoLevel)
	return zap.New(core).Sugar()
}

// NewDaemonLogger logs JSON lines to stdout and, when logPath is non-empty,
// tees them into an append-only file, creating parent directories as needed.
func NewDaemonLogger(logPath string) (*zap.SugaredLogger, error) {
	core := zapcore.NewCore(logEncoder(), zapcore.Lock(os.Stdout), zap.InfoLevel)

	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return nil, err
		}
		file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		core = zapcore.NewTee(core,
			zapcore.NewCore(logEncoder(), zapcore.AddSync(file), zap.InfoLevel))
	}

	return zap.New(core).Sugar(), nil
}
