package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
)

func setupLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("", "test", "error")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return log
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) ErrorEnvelope {
	t.Helper()
	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("expected envelope body, got %q: %v", rec.Body.String(), err)
	}
	return env
}

func TestErrorHandler_DomainError(t *testing.T) {
	h := NewErrorHandler(setupLogger(t))
	req := httptest.NewRequest(http.MethodPost, "/api/prekeys/refresh", nil)
	rec := httptest.NewRecorder()

	h.HandleError(rec, req, fmt.Errorf("refresh: %w", commonerrors.ErrInvalidIdentity))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Code != "INVALID_IDENTITY" {
		t.Errorf("expected INVALID_IDENTITY, got %q", env.Code)
	}
	if env.Details != nil {
		t.Errorf("expected no details, got %v", env.Details)
	}
}

func TestErrorHandler_RetryableDetails(t *testing.T) {
	h := NewErrorHandler(setupLogger(t))
	req := httptest.NewRequest(http.MethodPost, "/api/prekeys/check", nil)
	rec := httptest.NewRecorder()

	h.HandleError(rec, req, commonerrors.ErrNetworkFailure.WithCause(errors.New("dial tcp: refused")))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Details["retryable"] != true {
		t.Errorf("expected retryable detail, got %v", env.Details)
	}
}

func TestErrorHandler_UnknownErrorIsHidden(t *testing.T) {
	h := NewErrorHandler(setupLogger(t))
	req := httptest.NewRequest(http.MethodGet, "/api/prekeys/status", nil)
	rec := httptest.NewRecorder()

	h.HandleError(rec, req, errors.New("password=hunter2"))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Errorf("expected cause to stay out of the response, got %q", rec.Body.String())
	}
	if env := decodeEnvelope(t, rec); env.Code != "INTERNAL_ERROR" {
		t.Errorf("expected INTERNAL_ERROR, got %q", env.Code)
	}
}

type bindTarget struct {
	Identity string `json:"identity" validate:"required,oneof=aci pni"`
}

func bind(t *testing.T, body string, limit int64) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	var ok bool
	handler := MaxRequestSizeMiddleware(limit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v bindTarget
		ok = BindJSON(w, r, &v)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/prekeys/refresh", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, ok
}

func TestBindJSON(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		limit  int64
		ok     bool
		status int
		code   string
	}{
		{"valid", `{"identity":"pni"}`, 1024, true, http.StatusOK, ""},
		{"unknown field", `{"identity":"pni","extra":1}`, 1024, false, http.StatusBadRequest, CodeInvalidJSON},
		{"trailing data", `{"identity":"pni"}{}`, 1024, false, http.StatusBadRequest, CodeInvalidJSON},
		{"failed rule", `{"identity":"e164"}`, 1024, false, http.StatusBadRequest, CodeValidationFailed},
		{"too large", `{"identity":"pni"}`, 4, false, http.StatusRequestEntityTooLarge, CodeRequestTooLarge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, ok := bind(t, tc.body, tc.limit)
			if ok != tc.ok {
				t.Fatalf("expected ok=%t, got %t", tc.ok, ok)
			}
			if rec.Code != tc.status {
				t.Errorf("expected %d, got %d", tc.status, rec.Code)
			}
			if tc.code != "" {
				if env := decodeEnvelope(t, rec); env.Code != tc.code {
					t.Errorf("expected %s, got %s", tc.code, env.Code)
				}
			}
		})
	}
}

func TestBindJSON_ValidationDetailsUseJSONNames(t *testing.T) {
	rec, _ := bind(t, `{}`, 1024)

	env := decodeEnvelope(t, rec)
	if env.Details["identity"] != "required" {
		t.Errorf("expected identity=required, got %v", env.Details)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := TraceIDMiddleware(RecoveryMiddleware(setupLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))
	req := httptest.NewRequest(http.MethodGet, "/api/prekeys/status", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.TraceID == "" || env.TraceID != rec.Header().Get("X-Trace-ID") {
		t.Errorf("expected trace id in body and header, got %q and %q", env.TraceID, rec.Header().Get("X-Trace-ID"))
	}
}

func TestTraceIDMiddleware_KeepsShortCallerID(t *testing.T) {
	var seen string
	handler := TraceIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = getTraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Trace-ID", "abc")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "abc" {
		t.Errorf("expected caller trace id, got %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Trace-ID", strings.Repeat("x", 65))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if len(seen) > maxTraceIDLength || seen == "" {
		t.Errorf("expected generated trace id, got %q", seen)
	}
}

func TestRequireMethod(t *testing.T) {
	handler := RequireMethod(http.MethodPost)(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/prekeys/check", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Errorf("expected Allow: POST, got %q", rec.Header().Get("Allow"))
	}
}

func TestGetClientIP(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"real ip", map[string]string{"X-Real-IP": "10.0.0.1"}, "192.0.2.1:1234", "10.0.0.1"},
		{"forwarded", map[string]string{"X-Forwarded-For": "10.0.0.2, 10.0.0.3"}, "192.0.2.1:1234", "10.0.0.2"},
		{"remote addr", nil, "192.0.2.1:1234", "192.0.2.1"},
		{"ipv6 remote", nil, "[2001:db8::1]:443", "2001:db8::1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := GetClientIP(req); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAdminRateLimiter_SeparateBuckets(t *testing.T) {
	limiter := &AdminRateLimiter{
		read:  NewRateLimiter(0.001, 1),
		write: NewRateLimiter(0.001, 1),
		keyFn: func(r *http.Request) string { return "ops" },
	}
	defer limiter.Stop()

	handler := limiter.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	serve := func(method string) int {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(method, "/api/prekeys/status", nil))
		return rec.Code
	}

	if code := serve(http.MethodPost); code != http.StatusOK {
		t.Fatalf("expected first write allowed, got %d", code)
	}
	if code := serve(http.MethodPost); code != http.StatusTooManyRequests {
		t.Errorf("expected second write limited, got %d", code)
	}
	if code := serve(http.MethodGet); code != http.StatusOK {
		t.Errorf("expected read bucket untouched, got %d", code)
	}
}
