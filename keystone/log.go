package keystone

import (
	"fmt"

	"go.uber.org/zap"
)

// LogLevel classifies log sink messages.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// LogFunc is the configured log sink.
type LogFunc func(level LogLevel, message string)

// NewZapLogger adapts a zap logger into a LogFunc.
func NewZapLogger(logger *zap.Logger) LogFunc {
	sugar := logger.Sugar()
	return func(level LogLevel, message string) {
		switch level {
		case LogDebug:
			sugar.Debug(message)
		case LogInfo:
			sugar.Info(message)
		case LogWarn:
			sugar.Warn(message)
		case LogError:
			sugar.Error(message)
		}
	}
}
