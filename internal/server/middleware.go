package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	plexus "github.com/plexushq/plexus/internal"
)

// a2aVersionHeader names the protocol version header required on the task
// surface.
const a2aVersionHeader = "A2A-Version"

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

// Flush forwards to the underlying writer so SSE streaming works through
// the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// recovery converts panics into 500 responses instead of dropped connections.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.deps.Log.Error("panic serving request",
					"panic", rec, "method", r.Method, "path", r.URL.Path)
				writeError(w, r, plexus.NewError(plexus.CodeInternalError, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestID assigns a UUIDv7 request ID, honoring a client-supplied
// X-Request-Id when present.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := plexus.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging emits one structured line per request.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false

		next.ServeHTTP(sw, r)

		status := sw.status
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)

		s.deps.Log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(start),
			"request_id", plexus.RequestIDFromContext(r.Context()),
		)
	})
}

// authenticate resolves the caller identity and stores it in the request
// context. Unauthenticated requests are rejected here.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, err := s.deps.Auth.Authenticate(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := plexus.ContextWithScope(r.Context(), scope)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// a2aVersion requires a supported protocol version header on the task
// surface.
func (s *server) a2aVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get(a2aVersionHeader) {
		case "0.3", "0.3.0":
			next.ServeHTTP(w, r)
		default:
			writeError(w, r, plexus.NewError(plexus.CodeInvalidRequest,
				"missing or unsupported %s header; expected 0.3", a2aVersionHeader))
		}
	})
}

// rateLimit applies the fixed-window limiter per (key, route) and stamps the
// X-RateLimit-* headers on every response.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		scope := plexus.ScopeFromContext(r.Context())
		keyName := ""
		if scope != nil {
			keyName = scope.KeyName
		}
		res := s.deps.Limiter.Check(keyName, r.URL.Path)

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimitRejects.WithLabelValues(routePattern(r)).Inc()
			}
			h.Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
			writeError(w, r, plexus.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}
