package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/betlink/betlinkd/internal/apperr"
	"github.com/betlink/betlinkd/internal/auth"
)

// apiKeyHeader is the partner credential header.
const apiKeyHeader = "X-API-Key"

type traceKey struct{}

func traceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// traceMiddleware assigns each request a trace id, honoring one supplied by
// an upstream proxy.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set("X-Trace-Id", traceID)
		ctx := context.WithValue(r.Context(), traceKey{}, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// deadlineMiddleware bounds every request by the configured timeout so a
// stuck dependency cannot hold partner connections open.
func (s *Server) deadlineMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// observeMiddleware records request logs and Prometheus metrics.
func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := routeTemplate(r)
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
			s.metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		}
		s.log.Debug("request",
			zap.String("trace_id", traceIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed))
	})
}

// authMiddleware authenticates the partner and enforces the route's
// permission. The permission namespace doubles as the rate-limit endpoint
// class ("wallet", "aml").
func (s *Server) authMiddleware(permission string, next http.HandlerFunc) http.HandlerFunc {
	class, _, _ := strings.Cut(permission, ":")
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authExcluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		id, err := s.auth.Authenticate(r.Context(), r.Header.Get(apiKeyHeader), clientIP(r), class)
		if err != nil {
			if s.metrics != nil {
				s.metrics.AuthFailures.WithLabelValues(string(apperr.CodeOf(err))).Inc()
			}
			s.writeError(w, r, err)
			return
		}
		if permission != "" && !id.Can(permission) {
			s.writeError(w, r, apperr.Newf(apperr.CodePermissionDenied,
				"permission %s is not granted", permission))
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	}
}

func (s *Server) authExcluded(path string) bool {
	for _, prefix := range s.cfg.AuthExcludePaths {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// clientIP prefers the upstream proxy header and falls back to the socket
// peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the client.
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}
