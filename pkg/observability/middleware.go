package observability

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records RED metrics for every request passing through it.
// Safe to use on a disabled provider, where it degrades to a passthrough.
func (p *Provider) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		attrs := []attribute.KeyValue{
			AttrMethod.String(r.Method),
			AttrRoute.String(r.URL.Path),
			AttrStatus.Int(rec.status),
		}
		p.RecordRequest(r.Context(), attrs...)
		p.RecordDuration(r.Context(), time.Since(start), attrs...)
		if rec.status >= http.StatusInternalServerError && p.errorCounter != nil {
			p.errorCounter.Add(r.Context(), 1, metric.WithAttributes(attrs...))
		}
	})
}
