package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"qazna.org/adminauth/internal/auth"
	"qazna.org/adminauth/internal/persist"
)

const (
	rootEmail    = "root@example.com"
	rootPassword = "Secret123!"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	svc     *auth.Service
	t       *testing.T
}

func newTestAPI(t *testing.T, cfg auth.Config, limiter *IPRateLimiter) *apiClient {
	t.Helper()

	svc, err := auth.New(cfg, persist.NewMemory(),
		auth.WithHasher(auth.NewArgon2Hasher(auth.Argon2Params{Memory: 64, Iterations: 1, Parallelism: 1})),
		auth.WithLogger(zap.NewNop()),
	)
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	if _, err := svc.EnsureBootstrap(context.Background(), auth.BootstrapAdmin{Email: rootEmail, Password: rootPassword}); err != nil {
		t.Fatalf("EnsureBootstrap: %v", err)
	}

	api := New(svc, Options{Version: "test", Logger: zap.NewNop(), LoginLimit: limiter})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		svc:     svc,
		t:       t,
	}
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (c *apiClient) login(email, password string) (string, *http.Response) {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": email, "password": password})
	if resp.StatusCode != http.StatusOK {
		return "", resp
	}
	var out struct {
		Token string `json:"token"`
	}
	decodeBody(c.t, resp, &out)
	return out.Token, resp
}

func (c *apiClient) rootToken() string {
	c.t.Helper()
	token, resp := c.login(rootEmail, rootPassword)
	if token == "" {
		c.t.Fatalf("root login failed: %d", resp.StatusCode)
	}
	return token
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}
