// Package logger configures the global zap logger for quarry.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger instance.
	Logger *zap.SugaredLogger
	// JSONOutput tracks whether structured JSON output is enabled.
	JSONOutput bool
)

func init() {
	// Safe no-op logger at package load so early callers never hit a nil
	// pointer before Initialize runs.
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. With jsonOutput the production JSON
// encoder is used; otherwise a human-readable console encoder writes to
// stdout.
func Initialize(jsonOutput bool) error {
	JSONOutput = jsonOutput

	var zapLogger *zap.Logger
	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		built, err := config.Build()
		if err != nil {
			return err
		}
		zapLogger = built
	} else {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encoderCfg),
				zapcore.AddSync(os.Stdout),
				levelFromEnv(),
			),
		)
	}

	Logger = zapLogger.Sugar()
	return nil
}

// levelFromEnv reads QUARRY_LOG_LEVEL for console verbosity. Defaults to info.
func levelFromEnv() zapcore.Level {
	switch os.Getenv("QUARRY_LOG_LEVEL") {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Sync flushes any buffered log entries. Safe to call on shutdown.
func Sync() {
	_ = Logger.Sync()
}
