package server

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/mithril/internal"
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500. The quota admission release lives
// in a defer inside the handler, so a panic still decrements the counter
// before unwinding to here.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
					slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
				)
				writeJSON(w, http.StatusInternalServerError, errorBody(kindInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader uses the canonical MIME form so direct map access skips
// textproto.CanonicalMIMEHeaderKey on every request.
const requestIDHeader = "X-Request-Id"

// requestID assigns a UUID v7 request ID and surfaces it in the response
// header. Inbound IDs are not trusted; every request gets a fresh one.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.Must(uuid.NewV7()).String()
		w.Header()[requestIDHeader] = []string{id}
		ctx := gateway.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging logs each request with method, path, status, and duration.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		// LogAttrs with typed attrs keeps values on the stack instead of
		// boxing every key+value into any.
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// measure records request metrics. Paths are labeled by route pattern via
// URL.Path only for the fixed routes this server exposes; user IDs never
// appear because admin paths are collapsed.
func (s *server) measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.deps.Metrics.ActiveRequests.Inc()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		path := metricPath(r.URL.Path)
		s.deps.Metrics.ActiveRequests.Dec()
		s.deps.Metrics.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
		s.deps.Metrics.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// metricPath collapses parameterized admin paths to bound label cardinality.
func metricPath(p string) string {
	if strings.HasPrefix(p, "/admin/") {
		return "/admin"
	}
	return p
}

// rateLimit enforces the global per-identity admission rate limit before
// authentication, so rejected bursts never reach the key store. Identity is
// the bearer token's non-secret prefix when one is present, else the remote
// IP.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		res := s.deps.Limiter.Allow(limiterIdentity(r))
		if !res.Allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimitRejects.Inc()
			}
			retry := int(res.RetryAfterSeconds) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			body := errorBody(kindRateLimited, "rate limit exceeded")
			body["retry_after_seconds"] = retry
			writeJSON(w, http.StatusTooManyRequests, body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limiterIdentity(r *http.Request) string {
	if token, ok := bearerToken(r); ok && len(token) >= gateway.PrefixLen && strings.HasPrefix(token, gateway.TokenPrefix) {
		return token[:gateway.PrefixLen]
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const scheme = "Bearer "
	if len(auth) <= len(scheme) || !strings.EqualFold(auth[:len(scheme)], scheme) {
		return "", false
	}
	return auth[len(scheme):], true
}

// authenticate verifies the bearer token, loads the user, and binds the
// identity to the request context. Suspended or missing users are rejected
// with forbidden; every token-level failure is the same unauthorized.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, r, gateway.ErrUnauthorized)
			return
		}

		identity, err := s.deps.Keys.Verify(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}

		u, err := s.deps.Store.GetUser(r.Context(), identity.UserID)
		if err != nil || u.Status != gateway.UserActive {
			writeError(w, r, gateway.ErrForbidden)
			return
		}

		ctx := gateway.ContextWithIdentity(r.Context(), identity)
		if ctx == r.Context() {
			// Identity was stored via pointer mutation; skip Request.WithContext.
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// operatorAuth guards /admin with the static operator token. A missing
// bearer is unauthorized; a present but wrong one is forbidden. Comparison is
// constant-time.
func (s *server) operatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, r, gateway.ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminToken)) != 1 {
			writeError(w, r, gateway.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// Only the first WriteHeader is recorded, matching net/http semantics.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
