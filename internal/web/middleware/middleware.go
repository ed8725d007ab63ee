// Package middleware holds the HTTP middleware of the introspection server.
package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/txmanager/internal/metrics"
)

// Logger logs each request once it completes. Server errors log at warn.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := statusOf(ww)
		level := zerolog.DebugLevel
		if status >= http.StatusInternalServerError {
			level = zerolog.WarnLevel
		}
		log.WithLevel(level).
			Str("method", r.Method).
			Str("route", routeOf(r)).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("Request")
	})
}

// Metrics records request counts and latency per route pattern.
func Metrics(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if reg == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			reg.RecordHTTPRequest(r.Method, routeOf(r), strconv.Itoa(statusOf(ww)), time.Since(start))
		})
	}
}

// AllowSubnet rejects connections whose socket address is outside allowed.
// It must run before RealIP so proxies cannot spoof their way in. A nil
// subnet allows everything.
func AllowSubnet(allowed *net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if allowed == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r.RemoteAddr)
			if ip == nil || !allowed.Contains(ip) {
				log.Warn().
					Str("remote_addr", r.RemoteAddr).
					Str("allowed_subnet", allowed.String()).
					Msg("Connection rejected: source IP not in allowed subnet")
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// remoteIP accepts host:port or a bare address
func remoteIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return net.ParseIP(addr)
}

// routeOf prefers the matched chi pattern so /api/transactions/{id} stays
// one series
func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func statusOf(ww chimw.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}
