package http

import (
	"context"
	"net/http"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/constants"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/crypto"
)

const (
	traceIDHeader    = "X-Trace-ID"
	maxTraceIDLength = 64
)

var traceIDs crypto.IDGenerator = crypto.NewUUIDGenerator()

// TraceIDMiddleware stores the trace id under constants.TraceIDKey so the
// logger and the error handler pick it up. A caller-supplied id is kept
// when it is short enough.
func TraceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceIDHeader)
		if traceID == "" || len(traceID) > maxTraceIDLength {
			id, err := traceIDs.NewID()
			if err != nil {
				id = "untraced"
			}
			traceID = id
		}

		w.Header().Set(traceIDHeader, traceID)
		ctx := context.WithValue(r.Context(), constants.TraceIDKey, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
