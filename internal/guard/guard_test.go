package guard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupGuard(t *testing.T, secret string, limit int) *Guard {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(client, secret, limit, logger)
}

func doRequest(g *Guard, callerSecret, remoteAddr string) *httptest.ResponseRecorder {
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions", nil)
	req.RemoteAddr = remoteAddr
	if callerSecret != "" {
		req.Header.Set(SecretHeader, callerSecret)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestGuard_ValidSecretPasses(t *testing.T) {
	g := setupGuard(t, "hunter2", 10)

	rec := doRequest(g, "hunter2", "10.0.0.1:4000")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "10" {
		t.Errorf("X-RateLimit-Limit = %q, want 10", rec.Header().Get("X-RateLimit-Limit"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("X-RateLimit-Remaining should be set")
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset should be set")
	}
}

func TestGuard_WrongSecretRejected(t *testing.T) {
	g := setupGuard(t, "hunter2", 10)

	for _, caller := range []string{"wrong", ""} {
		rec := doRequest(g, caller, "10.0.0.1:4000")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("caller secret %q: status = %d, want 401", caller, rec.Code)
		}
	}
}

func TestGuard_BearerTokenAccepted(t *testing.T) {
	g := setupGuard(t, "hunter2", 10)
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions", nil)
	req.RemoteAddr = "10.0.0.1:4000"
	req.Header.Set("Authorization", "Bearer hunter2")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for bearer credential", rec.Code)
	}
}

func TestGuard_MissingConfiguredSecretIsServerError(t *testing.T) {
	g := setupGuard(t, "", 10)

	rec := doRequest(g, "anything", "10.0.0.1:4000")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 when no secret is configured", rec.Code)
	}
}

func TestGuard_RateLimitExceeded(t *testing.T) {
	g := setupGuard(t, "hunter2", 3)

	for i := 0; i < 3; i++ {
		if rec := doRequest(g, "hunter2", "10.0.0.1:4000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := doRequest(g, "hunter2", "10.0.0.1:4000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}

	var body struct {
		RetryAfterSeconds int `json:"retry_after_seconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("429 body is not JSON: %v", err)
	}
	if body.RetryAfterSeconds < 1 {
		t.Errorf("retry_after_seconds = %d, want >= 1", body.RetryAfterSeconds)
	}
}

func TestGuard_RateLimitIsolatedPerClient(t *testing.T) {
	g := setupGuard(t, "hunter2", 2)

	doRequest(g, "hunter2", "10.0.0.1:4000")
	doRequest(g, "hunter2", "10.0.0.1:4000")

	if rec := doRequest(g, "hunter2", "10.0.0.1:4000"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("first client should be limited, got %d", rec.Code)
	}
	if rec := doRequest(g, "hunter2", "10.0.0.2:4000"); rec.Code != http.StatusOK {
		t.Errorf("second client should be unaffected, got %d", rec.Code)
	}
}

func TestGuard_FailsOpenOnRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	g := New(client, "hunter2", 1, logger)

	mr.Close()

	rec := doRequest(g, "hunter2", "10.0.0.1:4000")
	if rec.Code != http.StatusOK {
		t.Errorf("redis outage should fail open, got %d", rec.Code)
	}
}
