// common/logger/zap_config.go
package logger

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func encoderConfig(dev bool) zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	if dev {
		ec = zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	// одинаковые ключи в обоих режимах
	ec.TimeKey = "ts"
	ec.CallerKey = "caller"
	ec.StacktraceKey = "stacktrace"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	ec.EncodeDuration = zapcore.StringDurationEncoder
	return ec
}

// newCore: dev → консоль без семплинга; prod → JSON в stdout с семплингом
// 100/100 в секунду, чтобы шторм одинаковых ошибок биржи не забил лог.
func newCore(dev bool, lvl zap.AtomicLevel) zapcore.Core {
	if dev {
		return zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig(true)), zapcore.Lock(os.Stderr), lvl)
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig(false)), zapcore.Lock(os.Stdout), lvl)
	return zapcore.NewSamplerWithOptions(core, time.Second, 100, 100)
}
