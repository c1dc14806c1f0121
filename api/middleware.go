/*
middleware.go - Request logging, authentication and rate limiting

PURPOSE:
  Everything that runs before a handler: a request-scoped slog logger,
  resolution of the calling actor from a JWT bearer token, role gates for
  configuration routes, and a per-IP rate limit.

ACTOR RESOLUTION:
  Authorization: Bearer <HS256 token>
    sub   -> ledger.Actor.ID
    role  -> ledger.Actor.Role
  The ledger trusts the resolved actor and only compares its role against
  workflow configuration.

SEE ALSO:
  - server.go: middleware order
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/warp/school-ledger/ledger"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	actorKey
)

// =============================================================================
// LOGGING
// =============================================================================

// RequestLogger stores a request-scoped logger in the context and logs
// each completed request with its status and latency.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := base.With(
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), loggerKey, logger)))

			level := slog.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "request completed",
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("latency", time.Since(start)),
			)
		})
	}
}

// LoggerFromContext returns the request logger, or slog.Default outside a
// request.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

// ActorClaims is the token payload. Subject is the actor id.
type ActorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies actor tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
}

func NewTokenIssuer(secret, issuer string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for actor valid for ttl.
func (ti *TokenIssuer) Issue(actor ledger.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ActorClaims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    ti.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
}

// Parse verifies a token and returns the actor it names.
func (ti *TokenIssuer) Parse(token string) (ledger.Actor, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if ti.issuer != "" {
		opts = append(opts, jwt.WithIssuer(ti.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &ActorClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ti.secret, nil
	}, opts...)
	if err != nil {
		return ledger.Actor{}, err
	}
	claims, ok := parsed.Claims.(*ActorClaims)
	if !ok || !parsed.Valid {
		return ledger.Actor{}, errors.New("invalid token claims")
	}
	if claims.Subject == "" || claims.Role == "" {
		return ledger.Actor{}, errors.New("token must carry a subject and a role")
	}
	return ledger.Actor{ID: claims.Subject, Role: claims.Role}, nil
}

// Authenticate rejects requests without a valid bearer token and stores
// the resolved actor in the context.
func Authenticate(ti *TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || token == "" {
				writeProblem(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", nil)
				return
			}
			actor, err := ti.Parse(token)
			if err != nil {
				LoggerFromContext(r.Context()).Warn("token rejected", slog.Any("error", err))
				writeProblem(w, http.StatusUnauthorized, "unauthorized", "invalid token", nil)
				return
			}

			logger := LoggerFromContext(r.Context()).With(
				slog.String("actor_id", actor.ID),
				slog.String("actor_role", actor.Role),
			)
			ctx := context.WithValue(r.Context(), actorKey, actor)
			ctx = context.WithValue(ctx, loggerKey, logger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFromContext returns the authenticated actor.
func ActorFromContext(ctx context.Context) (ledger.Actor, bool) {
	a, ok := ctx.Value(actorKey).(ledger.Actor)
	return a, ok
}

// RequireRole lets through only actors holding one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok || !allowed[actor.Role] {
				writeProblem(w, http.StatusForbidden, "forbidden",
					fmt.Sprintf("role %q may not perform this action", actor.Role), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// RateLimit limits requests per client IP. rate uses the "<n>-<S|M|H|D>"
// format, e.g. "100-M".
func RateLimit(rate string) (func(http.Handler) http.Handler, error) {
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit %q: %w", rate, err)
	}
	mw := stdlib.NewMiddleware(limiter.New(memory.NewStore(), r),
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			writeProblem(w, http.StatusTooManyRequests, "rate_limited", "too many requests, try again later", nil)
		}),
	)
	return mw.Handler, nil
}
