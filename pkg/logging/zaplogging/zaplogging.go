package zaplogging

import (
	"fmt"
	"strings"

	"github.com/core-tools/hsu-monitor/pkg/logging"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps a config log level string to a zap level
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewZapLogFuncs builds LogFuncs backed by a zap production logger.
// The returned sync func flushes buffered entries and should be deferred by the caller.
func NewZapLogFuncs(level string) (logging.LogFuncs, func() error, error) {
	zapLevel, err := ParseLevel(level)
	if err != nil {
		return logging.LogFuncs{}, nil, err
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.DisableStacktrace = true

	zapLogger, err := config.Build(zap.AddCallerSkip(2))
	if err != nil {
		return logging.LogFuncs{}, nil, fmt.Errorf("failed to build zap logger: %w", err)
	}

	return FromSugared(zapLogger.Sugar()), zapLogger.Sync, nil
}

func FromSugared(sugar *zap.SugaredLogger) logging.LogFuncs {
	return logging.LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	}
}
