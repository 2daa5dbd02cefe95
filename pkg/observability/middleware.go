package observability

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// collections are path segments whose following segment is an
// identifier. Collapsing identifiers keeps metric cardinality bounded.
var collections = map[string]bool{
	"tasks":       true,
	"api-keys":    true,
	"assignments": true,
}

// HTTPMiddleware records RED metrics and a server span per request.
// With telemetry disabled it returns next unchanged.
func (p *Provider) HTTPMiddleware(next http.Handler) http.Handler {
	if p.requestCounter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeTemplate(r.URL.Path)

		ctx, span := p.StartSpan(r.Context(), r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		attrs := HTTPOperation(r.Method, route, rec.status)
		span.SetAttributes(attrs...)

		p.RecordRequest(ctx, attrs...)
		p.RecordDuration(ctx, time.Since(start), attrs...)
		if rec.status >= http.StatusInternalServerError {
			p.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
	})
}

// routeTemplate collapses identifier segments:
// /api/v1/tasks/9f2c/wait becomes /api/v1/tasks/{id}/wait.
func routeTemplate(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i := 1; i < len(segs); i++ {
		if collections[segs[i-1]] && segs[i] != "" {
			segs[i] = "{id}"
		}
	}
	return "/" + strings.Join(segs, "/")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack delegates to the wrapped writer so websocket upgrades still
// work behind the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
