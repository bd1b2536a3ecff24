package httpapi

import "net/http"

// withConcurrencyLimit bounds in-flight requests with a buffered
// semaphore, avoiding unbounded goroutine/pool queueing when the
// database is saturated.
func withConcurrencyLimit(max int) func(http.Handler) http.Handler {
	if max <= 0 {
		max = 64
	}
	sem := make(chan struct{}, max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				next.ServeHTTP(w, r)
			default:
				writeErr(w, http.StatusServiceUnavailable, "server busy")
			}
		})
	}
}
