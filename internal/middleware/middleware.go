// Package middleware carries the proxy's HTTP middleware: a per-client
// leaky-bucket request limiter and permissive CORS for dashboard access.
package middleware

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/kevinms/leakybucket-go"
)

// RequestLimiter rate-limits requests per client IP with a leaky bucket.
type RequestLimiter struct {
	collector *leakybucket.Collector
}

// NewRequestLimiter allows ratePerSec sustained requests per client with
// bursts up to capacity.
func NewRequestLimiter(ratePerSec float64, capacity int64) *RequestLimiter {
	return &RequestLimiter{
		collector: leakybucket.NewCollector(ratePerSec, capacity, true),
	}
}

// Wrap returns a handler that rejects over-limit clients with 429.
func (rl *RequestLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if rl.collector.Add(key, 1) == 0 {
			slog.Warn("request rate limit exceeded", "client", key, "path", r.URL.Path)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// CORS applies a permissive cross-origin policy. The proxy serves local
// agent runtimes and the operator dashboard; origin restrictions live at
// the deployment edge.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
