// Package guard fronts every management and notification route with an
// authentication gate and a per-client sliding-window rate limiter backed
// by redis.
package guard

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hooksmith/hooksmith/internal/domain"
)

const (
	// SecretHeader carries the caller credential.
	SecretHeader = "X-Webhook-Secret"

	defaultLimit  = 60
	defaultWindow = time.Minute
)

// Lua script for atomic sliding-window rate limiting. Removes expired
// entries, counts the window, and either admits the request or reports how
// long until the oldest entry ages out.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, math.ceil(window / 1000) + 1)
    return {1, count + 1, 0}
end

local reset = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
    reset = tonumber(oldest[2]) + window - now
end
return {0, count, reset}
`)

// Guard is chi middleware combining the auth gate and the rate limiter.
type Guard struct {
	redisClient *redis.Client
	secret      string
	limit       int
	window      time.Duration
	logger      *slog.Logger
	script      *redis.Script
}

func New(redisClient *redis.Client, secret string, limit int, logger *slog.Logger) *Guard {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Guard{
		redisClient: redisClient,
		secret:      secret,
		limit:       limit,
		window:      defaultWindow,
		logger:      logger,
		script:      slidingWindowScript,
	}
}

// Middleware enforces rate limiting then authentication. Rate-limit headers
// are attached to every response that passes the limiter.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callerSecret := extractSecret(r)

		allowed, remaining, retryAfter := g.allow(r, callerSecret)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(g.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(g.window).Unix(), 10))

		if !allowed {
			rlErr := &domain.RateLimitError{RetryAfterSeconds: retryAfter}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			respondError(w, http.StatusTooManyRequests, map[string]any{
				"error":               rlErr.Error(),
				"retry_after_seconds": rlErr.RetryAfterSeconds,
			})
			return
		}

		// A server with no secret configured cannot authenticate anyone.
		// That is an operator fault, not the caller's.
		if g.secret == "" {
			g.logger.Error("management secret is not configured")
			respondError(w, http.StatusInternalServerError, map[string]any{
				"error": "authentication is not configured",
			})
			return
		}

		if subtle.ConstantTimeCompare([]byte(callerSecret), []byte(g.secret)) != 1 {
			authErr := &domain.AuthError{Reason: "invalid or missing credential"}
			g.logger.Warn("authentication failed",
				"ip", clientIP(r),
				"user_agent", r.UserAgent(),
				"path", r.URL.Path,
			)
			respondError(w, http.StatusUnauthorized, map[string]any{
				"error": authErr.Error(),
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allow runs the sliding window for the (client ip, secret hash) key.
// Returns admission, remaining quota and the retry-after seconds on denial.
// Redis failures fail open so an outage never blocks management traffic.
func (g *Guard) allow(r *http.Request, callerSecret string) (bool, int, int) {
	key := fmt.Sprintf("guard:%s:%s", clientIP(r), hashSecret(callerSecret))
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d:%d", now, time.Now().UnixNano()%100000)

	result, err := g.script.Run(r.Context(), g.redisClient, []string{key},
		now, g.window.Milliseconds(), g.limit, member,
	).Int64Slice()
	if err != nil || len(result) < 3 {
		if err != nil {
			g.logger.Error("rate limiter script failed", "error", err)
		}
		return true, g.limit, 0
	}

	count := int(result[1])
	remaining := g.limit - count
	if remaining < 0 {
		remaining = 0
	}

	if result[0] == 0 {
		retryAfter := int((time.Duration(result[2]) * time.Millisecond).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, remaining, retryAfter
	}
	return true, remaining, 0
}

func extractSecret(r *http.Request) string {
	if s := r.Header.Get(SecretHeader); s != "" {
		return s
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:4])
}

func respondError(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
