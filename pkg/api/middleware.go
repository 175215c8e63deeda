package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flotillahq/flotilla/pkg/log"
	"github.com/flotillahq/flotilla/pkg/metrics"
	"github.com/flotillahq/flotilla/pkg/types"
)

const requestIDHeader = "X-Request-Id"

// requestID tags every request with a correlation id, honoring one the
// client already supplied.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		log.WithComponent("api").Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Str("request_id", rec.Header().Get(requestIDHeader)).
			Msg("request")
	})
}

func (s *Server) measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		route := r.Method + " " + routePattern(r)
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// routePattern returns the matched chi pattern so metrics stay low
// cardinality; unmatched requests fall back to the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// authenticate enforces the bearer token on the API routes. An empty
// configured token disables authentication, which only makes sense on a
// loopback listener.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, types.NewFault(types.ErrKindAuthFailed, "invalid or missing bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// actor identifies the caller for the audit log. With token auth there
// is a single operator identity; a reverse proxy can inject a richer
// one.
func actor(r *http.Request) string {
	if who := r.Header.Get("X-Operator"); who != "" {
		return who
	}
	return "operator"
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error struct {
		Kind   string `json:"kind"`
		Detail string `json:"detail"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	var body errorBody
	body.Error.Kind = string(kind)
	body.Error.Detail = err.Error()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	_ = json.NewEncoder(w).Encode(body)
}

func statusFor(kind types.ErrKind) int {
	switch kind {
	case types.ErrKindNotFound:
		return http.StatusNotFound
	case types.ErrKindConflict:
		return http.StatusConflict
	case types.ErrKindConfigInvalid:
		return http.StatusBadRequest
	case types.ErrKindAuthFailed:
		return http.StatusUnauthorized
	case types.ErrKindCapacityExceeded:
		return http.StatusUnprocessableEntity
	case types.ErrKindTimeout:
		return http.StatusGatewayTimeout
	case types.ErrKindUnreachable, types.ErrKindDependencyMissing, types.ErrKindVerifyFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
