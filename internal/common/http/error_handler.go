package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/constants"
	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/httpmetrics"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/observability/metrics"
)

// ErrorHandler renders errors returned by admin handlers as envelopes.
// Errors that are not domain errors become INTERNAL_ERROR and keep their
// text out of the response.
type ErrorHandler struct {
	log *logger.Logger
}

func NewErrorHandler(log *logger.Logger) *ErrorHandler {
	return &ErrorHandler{log: log}
}

func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	ctx := r.Context()
	traceID := getTraceIDFromContext(ctx)

	domainErr, ok := commonerrors.AsDomainError(err)
	if !ok {
		domainErr = commonerrors.ErrInternalError.WithCause(err)
	}
	if traceID != "" && domainErr.TraceID() == "" {
		domainErr = domainErr.WithTraceID(traceID)
	}

	status := domainErr.HTTPStatus()
	entry := h.log.WithFields(ctx, logger.Fields{
		"error_code": domainErr.Code(),
		"category":   string(domainErr.Category()),
		"status":     status,
		"path":       r.URL.Path,
	})
	switch {
	case !ok:
		entry.Errorf("unhandled error: %v", err)
	case status >= http.StatusInternalServerError:
		entry.Warnf("domain error: %v", err)
	case h.log.ShouldLog(logger.DEBUG):
		entry.Debugf("domain error: %v", err)
	}

	metrics.DomainErrorsTotal.WithLabelValues(string(domainErr.Category()), domainErr.Code(), strconv.Itoa(status)).Inc()
	metrics.AdminErrorsTotal.WithLabelValues(strconv.Itoa(status), httpmetrics.NormalizePath(r.URL.Path), r.Method).Inc()

	if traceID != "" {
		w.Header().Set("X-Trace-ID", traceID)
	}

	var details map[string]any
	if commonerrors.IsRetryable(domainErr) {
		details = map[string]any{"retryable": true}
	}
	WriteErrorEnvelope(w, status, domainErr.Code(), domainErr.Message(), details, traceID)
}

func getTraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, _ := ctx.Value(constants.TraceIDKey).(string)
	return traceID
}
