package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"secure-exec/internal/config"
	"secure-exec/internal/monitor"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyPrincipal contextKey = "principal"
)

// Principal is the authenticated caller. Identity keys the rate limiter and
// is recorded as the username in the execution log.
type Principal struct {
	Identity string
	Role     string
}

func (p Principal) IsAdmin() bool { return p.Role == config.RoleAdmin }

func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKeyPrincipal).(Principal)
	return p, ok
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), contextKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: 200}

		next.ServeHTTP(wrapped, r)

		evt := log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("duration", time.Since(start)).
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("remote_addr", r.RemoteAddr)
		if p, ok := wrapped.principal(); ok {
			evt = evt.Str("identity", p.Identity)
		}
		evt.Msg("request completed")
	})
}

// statusRecorder also carries the principal back out of the auth layer so
// the access log can name the caller.
type statusRecorder struct {
	http.ResponseWriter
	status int
	caller *Principal
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) principal() (Principal, bool) {
	if sr.caller == nil {
		return Principal{}, false
	}
	return *sr.caller, true
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// AuthMiddleware resolves the caller to a Principal. The API key header
// and Authorization bearer tokens are matched against the configured keys;
// a bearer that is not a known key is verified as a JWT when a signing
// secret is set. With neither keys nor a secret every request is rejected
// unless AllowAnonymous is set, in which case callers are identified by
// their remote IP with the user role.
func AuthMiddleware(sec config.SecurityConfig) func(http.Handler) http.Handler {
	header := sec.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}
	principals := make(map[string]Principal, len(sec.APIKeys))
	for _, k := range sec.APIKeys {
		if k.Key == "" {
			continue
		}
		principals[k.Key] = Principal{Identity: k.Identity, Role: k.Role}
	}
	tokens := newTokenVerifier(sec.JWTSecret, sec.JWTIssuer)
	anonymous := sec.AllowAnonymous && len(principals) == 0 && tokens == nil

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if anonymous {
				serveAs(next, w, r, Principal{Identity: clientIP(r), Role: config.RoleUser})
				return
			}

			if key := r.Header.Get(header); key != "" {
				if p, ok := principals[key]; ok {
					serveAs(next, w, r, p)
					return
				}
				unauthorized(w, r, "unauthorized")
				return
			}

			bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			bearer = strings.TrimSpace(bearer)
			if !ok || bearer == "" {
				unauthorized(w, r, "unauthorized")
				return
			}
			if p, ok := principals[bearer]; ok {
				serveAs(next, w, r, p)
				return
			}
			if tokens == nil {
				unauthorized(w, r, "unauthorized")
				return
			}

			p, err := tokens.verify(bearer)
			if err != nil {
				log.Debug().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("bearer token rejected")
				msg := "unauthorized"
				if errors.Is(err, errTokenExpired) {
					msg = "token expired"
				}
				unauthorized(w, r, msg)
				return
			}
			serveAs(next, w, r, p)
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, msg, "AUTH_REQUIRED", http.StatusUnauthorized, r)
}

func serveAs(next http.Handler, w http.ResponseWriter, r *http.Request, p Principal) {
	if sr, ok := w.(*statusRecorder); ok {
		sr.caller = &p
	}
	next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
}

func clientIP(r *http.Request) string {
	// X-Forwarded-For is client controlled and would let callers pick their
	// own rate limit identity.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func MetricsMiddleware(metrics *monitor.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.RequestsInFlight.Inc()
			defer metrics.RequestsInFlight.Dec()
			next.ServeHTTP(w, r)
		})
	}
}

func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Str("request_id", RequestIDFromContext(r.Context())).
					Msg("panic recovered")
				writeError(w, "internal server error", "INTERNAL", http.StatusInternalServerError, r)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func MaxBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
