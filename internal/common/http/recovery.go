package http

import (
	"net/http"
	"runtime/debug"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
)

// RecoveryMiddleware turns a handler panic into a 500 envelope. Panics from
// http.ErrAbortHandler are re-raised so the server aborts the response.
func RecoveryMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.WithFields(r.Context(), logger.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
					"action": "panic_recovered",
				}).Criticalf("panic recovered: %v\n%s", rec, debug.Stack())
				WriteErrorEnvelope(w, http.StatusInternalServerError, CodeUnknown, "internal server error", nil, traceIDFrom(r))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
