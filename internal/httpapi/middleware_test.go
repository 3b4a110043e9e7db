package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"qazna.org/adminauth/internal/auth"
)

func TestRateLimitExceeded(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(NewIPRateLimiter(1, 1).Middleware(base))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	var body map[string]any
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body["error"] == "" {
		t.Fatalf("expected error message in body")
	}
	if body["request_id"] == "" {
		t.Fatalf("expected request_id in body")
	}

	// other clients keep their own bucket
	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("expected separate bucket, got %d", rr3.Code)
	}
}

func TestRateLimiterSweep(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewIPRateLimiter(2, 1)
	l.now = func() time.Time { return now }
	l.Allow("10.0.0.1")
	l.Allow("10.0.0.2")

	now = now.Add(10 * time.Minute)
	l.Allow("10.0.0.2")
	if n := l.Sweep(); n != 1 {
		t.Fatalf("expected 1 evicted bucket, got %d", n)
	}

	var disabled *IPRateLimiter
	if !disabled.Allow("x") || !NewIPRateLimiter(0, 0).Allow("x") {
		t.Fatalf("disabled limiter must allow")
	}
}

func TestLoginRouteIsRateLimited(t *testing.T) {
	c := newTestAPI(t, auth.Config{}, NewIPRateLimiter(2, 0.001))
	for i := 0; i < 2; i++ {
		_, resp := c.login(rootEmail, "wrong")
		expectStatus(t, resp, http.StatusUnauthorized)
		resp.Body.Close()
	}
	_, resp := c.login(rootEmail, rootPassword)
	expectStatus(t, resp, http.StatusTooManyRequests)
	resp.Body.Close()

	// other routes are not limited
	resp = c.do(http.MethodGet, "/healthz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestRequestIDPropagates(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != "abc-123" || rr.Header().Get("X-Request-ID") != "abc-123" {
		t.Fatalf("request id not propagated: %q", seen)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 36 {
		t.Fatalf("expected generated uuid, got %q", seen)
	}
}

func TestLoggingAndRecover(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	handler := RequestID(Recover(logger)(Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/panic" {
			panic("boom")
		}
		w.WriteHeader(http.StatusAccepted)
	}))))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 || entries[0].ContextMap()["status"] != int64(http.StatusAccepted) {
		t.Fatalf("unexpected request log %+v", entries)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", rr.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("panic not logged")
	}
}

func TestMaxBodyBytes(t *testing.T) {
	c := newTestAPI(t, auth.Config{}, nil)
	big := strings.Repeat("a", maxBodyBytes+1)
	resp := c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": rootEmail, "password": big})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
	}
	for header, want := range cases {
		got, err := extractBearerToken(header)
		if err != nil || got != want {
			t.Fatalf("extractBearerToken(%q) = %q, %v", header, got, err)
		}
	}
	for _, header := range []string{"", "Bearer", "Token abc", "Bearer    "} {
		if _, err := extractBearerToken(header); err == nil {
			t.Fatalf("expected error for %q", header)
		}
	}
}
