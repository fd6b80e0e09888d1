package httpmetrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/observability/metrics"
)

// Collector records admin API traffic. Scrapes of /metrics are not counted.
type Collector struct {
	skip map[string]bool
}

func New() *Collector {
	return &Collector{skip: map[string]bool{"/metrics": true}}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (c *Collector) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := NormalizePath(r.URL.Path)
		if c.skip[path] {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		metrics.AdminRequestsTotal.WithLabelValues(r.Method, path).Inc()
		metrics.AdminRequestsInFlight.Inc()
		defer metrics.AdminRequestsInFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		class := strconv.Itoa(rec.status/100) + "xx"
		metrics.AdminRequestDurationSeconds.WithLabelValues(r.Method, path, class).Observe(time.Since(start).Seconds())
	})
}
