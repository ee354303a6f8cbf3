package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log   *zap.Logger
	Sugar *zap.SugaredLogger
)

// Until Init runs every call is discarded, so packages and tests can log freely.
func init() {
	Replace(zap.NewNop())
}

// Init initializes the global logger configuration at the given level.
// Unknown levels fall back to info.
func Init(level string) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	encoder := zapcore.NewJSONEncoder(encoderConfig)
	writer := zapcore.AddSync(os.Stdout)

	core := zapcore.NewCore(encoder, writer, ParseLevel(level))

	Replace(zap.New(core, zap.AddCaller()))
}

// Replace swaps the global logger, mostly for tests that observe output.
func Replace(l *zap.Logger) {
	Log = l
	Sugar = l.Sugar()
}

// ParseLevel maps a textual level onto zap's levels.
func ParseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// Named returns a child sugared logger tagged with the component name.
func Named(component string) *zap.SugaredLogger {
	return Log.With(zap.String("component", component)).Sugar()
}
