package httpserver

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/logger"
)

// RecoverMiddleware превращает панику handler'а в 500 и пишет стек в лог.
func RecoverMiddleware(log *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rcv := recover()
			if rcv == nil {
				return
			}
			if rcv == http.ErrAbortHandler {
				panic(rcv)
			}
			log.Error("http: handler panic",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rcv),
				zap.ByteString("stack", debug.Stack()),
			)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}
