package httpapi

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"qazna.org/adminauth/internal/auth"
)

func TestHealthAndReady(t *testing.T) {
	c := newTestAPI(t, auth.Config{}, nil)

	resp := c.do(http.MethodGet, "/healthz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	var health map[string]any
	decodeBody(t, resp, &health)
	if health["status"] != "ok" || health["version"] != "test" {
		t.Fatalf("unexpected health body %v", health)
	}

	resp = c.do(http.MethodGet, "/readyz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/nope", "", nil)
	expectStatus(t, resp, http.StatusNotFound)
	if resp.Header.Get("X-Request-ID") == "" || resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing middleware headers: %v", resp.Header)
	}
	resp.Body.Close()
}

func TestLoginSessionLogout(t *testing.T) {
	c := newTestAPI(t, auth.Config{}, nil)
	token := c.rootToken()

	resp := c.do(http.MethodGet, "/v1/auth/session", token, nil)
	expectStatus(t, resp, http.StatusOK)
	var view auth.SessionView
	decodeBody(t, resp, &view)
	if view.Email != rootEmail || view.RoleName != auth.SuperuserRoleName {
		t.Fatalf("unexpected session %+v", view)
	}

	resp = c.do(http.MethodPost, "/v1/auth/logout", token, nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/v1/auth/session", token, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestLoginErrors(t *testing.T) {
	c := newTestAPI(t, auth.Config{MaxFailedAttempts: 2, LockoutDuration: time.Hour}, nil)

	resp := c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": rootEmail})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/auth/login", "", map[string]any{"email": rootEmail, "password": "x", "otp": "1"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	_, resp = c.login("ghost@example.com", "whatever")
	expectStatus(t, resp, http.StatusUnauthorized)
	var unknown map[string]any
	decodeBody(t, resp, &unknown)

	_, resp = c.login(rootEmail, "wrong-one")
	expectStatus(t, resp, http.StatusUnauthorized)
	var wrong map[string]any
	decodeBody(t, resp, &wrong)
	if unknown["error"] != wrong["error"] {
		t.Fatalf("unknown email distinguishable: %v vs %v", unknown["error"], wrong["error"])
	}

	_, resp = c.login(rootEmail, "wrong-two")
	expectStatus(t, resp, http.StatusLocked)
	var locked map[string]any
	decodeBody(t, resp, &locked)
	if locked["locked_until"] == nil {
		t.Fatalf("expected locked_until in %v", locked)
	}

	_, resp = c.login(rootEmail, rootPassword)
	expectStatus(t, resp, http.StatusLocked)
	resp.Body.Close()
}

func TestBearerRequired(t *testing.T) {
	c := newTestAPI(t, auth.Config{}, nil)
	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer not-a-session"} {
		req, _ := http.NewRequest(http.MethodGet, c.baseURL+"/v1/stats", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		expectStatus(t, resp, http.StatusUnauthorized)
		resp.Body.Close()
	}
}

func TestAuditAndStats(t *testing.T) {
	c := newTestAPI(t, auth.Config{}, nil)
	_, resp := c.login(rootEmail, "bad-password")
	resp.Body.Close()
	token := c.rootToken()

	resp = c.do(http.MethodGet, "/v1/audit/logins?success=false", token, nil)
	expectStatus(t, resp, http.StatusOK)
	var history struct {
		Records []struct {
			Email         string `json:"email"`
			Success       bool   `json:"success"`
			FailureReason string `json:"failure_reason"`
			RequestID     string `json:"request_id"`
		} `json:"records"`
	}
	decodeBody(t, resp, &history)
	if len(history.Records) != 1 || history.Records[0].FailureReason != auth.ReasonWrongPassword {
		t.Fatalf("unexpected history %+v", history)
	}
	if history.Records[0].RequestID == "" {
		t.Fatalf("audit record missing request id")
	}

	for _, q := range []string{"?limit=0", "?success=maybe", "?since=yesterday"} {
		resp = c.do(http.MethodGet, "/v1/audit/logins"+q, token, nil)
		expectStatus(t, resp, http.StatusBadRequest)
		resp.Body.Close()
	}

	resp = c.do(http.MethodGet, "/v1/stats", token, nil)
	expectStatus(t, resp, http.StatusOK)
	var st auth.Statistics
	decodeBody(t, resp, &st)
	if st.TotalUsers != 1 || st.ActiveSessions != 1 || st.FailedLogins != 1 || st.SuccessfulLogins != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestPermissionsEnforced(t *testing.T) {
	c := newTestAPI(t, auth.Config{}, nil)
	root := c.rootToken()

	resp := c.do(http.MethodPost, "/v1/roles", root, auth.RoleInput{Name: "Auditor", Permissions: []string{auth.PermAuditRead}})
	expectStatus(t, resp, http.StatusCreated)
	var role auth.Role
	decodeBody(t, resp, &role)

	resp = c.do(http.MethodPost, "/v1/users", root, auth.UserInput{DisplayName: "Aud", Email: "aud@example.com", RoleID: role.ID, Password: "Secret123!"})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	token, resp := c.login("aud@example.com", "Secret123!")
	if token == "" {
		t.Fatalf("auditor login failed: %d", resp.StatusCode)
	}
	resp = c.do(http.MethodGet, "/v1/audit/logins", token, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	for _, path := range []string{"/v1/stats", "/v1/users", "/v1/roles"} {
		resp = c.do(http.MethodGet, path, token, nil)
		expectStatus(t, resp, http.StatusForbidden)
		var body map[string]any
		decodeBody(t, resp, &body)
		if !strings.Contains(body["error"].(string), "permission") {
			t.Fatalf("unexpected body %v", body)
		}
	}
}
