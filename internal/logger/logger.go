// Package logger builds the process logger.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger on stdout tagged with the service name.
// An unknown level falls back to info.
func New(serviceName, level string) *zap.Logger {
	return zap.New(newCore(level, zapcore.AddSync(os.Stdout)), zap.AddCaller()).
		With(zap.String("service", serviceName))
}

func newCore(level string, out zapcore.WriteSyncer) zapcore.Core {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	return zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), out, ParseLevel(level))
}

func ParseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
