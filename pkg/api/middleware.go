package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/store"
)

type ctxKey int

const (
	ctxTenant ctxKey = iota
	ctxAuthKeyID
)

// TenantFrom returns the authenticated tenant for the request, if any.
func TenantFrom(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(ctxTenant).(string)
	return t, ok && t != ""
}

// AuthKeyIDFrom returns the key id that authenticated the request.
func AuthKeyIDFrom(ctx context.Context) (string, bool) {
	k, ok := ctx.Value(ctxAuthKeyID).(string)
	return k, ok && k != ""
}

// HashSecret is the stored form of an auth key secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves the x-api-key header ("<keyId>:<secret>") against the
// store and binds the key's tenant to the request context. Missing or
// malformed credentials fail closed.
func Authenticate(st store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("x-api-key")
			if raw == "" {
				WriteFault(w, fault.New(fault.CodeAuthKeyMissing, "x-api-key header required"))
				return
			}
			keyID, secret, ok := strings.Cut(raw, ":")
			if !ok || keyID == "" || secret == "" {
				WriteFault(w, fault.New(fault.CodeAuthKeyMissing, "malformed x-api-key, want <keyId>:<secret>"))
				return
			}
			key, err := st.LookupAuthKey(r.Context(), keyID)
			if err != nil {
				WriteFault(w, fault.New(fault.CodeAuthKeyMissing, "unknown auth key"))
				return
			}
			if key.Status != contracts.AuthKeyActive {
				WriteFault(w, fault.New(fault.CodeSignerKeyNotActive, "auth key is not active").With("keyId", keyID))
				return
			}
			got := HashSecret(secret)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key.SecretHash)) != 1 {
				WriteFault(w, fault.New(fault.CodeAuthKeyMissing, "auth key secret mismatch"))
				return
			}
			ctx := context.WithValue(r.Context(), ctxTenant, key.TenantID)
			ctx = context.WithValue(ctx, ctxAuthKeyID, key.KeyID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Limiter gates a request for one logical actor. Implementations must be
// safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, actorID string) (bool, error)
}

// localLimiter keeps a per-actor token bucket in process memory and evicts
// idle buckets so the map does not grow with key churn.
type localLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLocalLimiter builds an in-process limiter allowing perMinute requests
// per actor.
func NewLocalLimiter(perMinute int) Limiter {
	if perMinute <= 0 {
		perMinute = 600
	}
	l := &localLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
	go l.cleanup()
	return l
}

func (l *localLimiter) Allow(_ context.Context, actorID string) (bool, error) {
	l.mu.Lock()
	v, ok := l.visitors[actorID]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[actorID] = v
	}
	v.seen = time.Now()
	l.mu.Unlock()
	return v.lim.Allow(), nil
}

func (l *localLimiter) cleanup() {
	for range time.Tick(time.Minute) {
		l.mu.Lock()
		for id, v := range l.visitors {
			if time.Since(v.seen) > 3*time.Minute {
				delete(l.visitors, id)
			}
		}
		l.mu.Unlock()
	}
}

// RateLimit applies the limiter per authenticated key (falling back to the
// remote address before auth). Limiter errors fail open: a broken Redis must
// not take the write path down with it.
func RateLimit(lim Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := r.RemoteAddr
			if keyID, ok := AuthKeyIDFrom(r.Context()); ok {
				actor = keyID
			}
			allowed, err := lim.Allow(r.Context(), actor)
			if err != nil {
				logger.Warn("rate limiter unavailable", "error", err)
				allowed = true
			}
			if !allowed {
				WriteProblem(w, http.StatusTooManyRequests, "", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LogRequests emits one structured line per request.
func LogRequests(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Recover converts handler panics into opaque 500s.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic", "panic", rec, "path", r.URL.Path)
					WriteProblem(w, http.StatusInternalServerError, "", "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// opsClaims binds an ops token to a tenant.
type opsClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// OpsJWT guards operator endpoints with an HS256 bearer token. An empty
// secret rejects everything: ops access is opt-in.
func OpsJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				WriteFault(w, fault.New(fault.CodeAuthKeyMissing, "ops access not configured"))
				return
			}
			header := r.Header.Get("Authorization")
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || scheme != "Bearer" || token == "" {
				WriteFault(w, fault.New(fault.CodeAuthKeyMissing, "bearer token required"))
				return
			}
			claims := &opsClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fault.Newf(fault.CodeAuthKeyMissing, "unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !parsed.Valid {
				WriteFault(w, fault.New(fault.CodeAuthKeyMissing, "invalid ops token"))
				return
			}
			ctx := r.Context()
			if claims.TenantID != "" {
				ctx = context.WithValue(ctx, ctxTenant, claims.TenantID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
