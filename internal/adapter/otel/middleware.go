package otel

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPMiddleware returns a chi-compatible middleware that creates spans for
// HTTP requests, named by method and route pattern.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
			// Long-lived streams would otherwise hold a span open for hours.
			otelhttp.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" && r.Header.Get("Upgrade") == "" && r.Header.Get("Accept") != "text/event-stream"
			}),
		)
	}
}
