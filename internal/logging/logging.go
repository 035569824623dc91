// Package logging constructs the proxy's named zap loggers: a single root
// logger configured once at startup, with component loggers derived from
// it via zap.Logger.Named so log lines are attributable to the engine or
// the forward-proxy core without each package constructing its own
// encoder.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root logger for the given level ("debug", "info",
// "warn", "error") and format ("console" or "json"). console suits an
// interactive terminal; json suits production when stdout isn't a tty.
func New(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logging: unknown level %q: %w", level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch format {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", format)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), zapLevel)
	return zap.New(core), nil
}

// Named returns a child logger scoped to component (e.g.
// "forwardproxy", "engine"), so every line it emits is attributable.
func Named(root *zap.Logger, component string) *zap.Logger {
	return root.Named(component)
}
