package auth

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"qazna.org/adminauth/internal/audit"
	"qazna.org/adminauth/internal/persist"
)

func TestLoginLockoutScenario(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, Config{MaxFailedAttempts: 3, LockoutDuration: 30 * time.Minute}, nil, clock)
	ctx := context.Background()

	role := mustRole(t, svc, RoleInput{Name: "Admin", Permissions: []string{"*"}, RolePrefix: "A", IsSystemRole: true})
	user := mustUser(t, svc, UserInput{DisplayName: "Root", Email: "a@x.com", RoleID: role.ID, Password: "Secret123!"})
	if !regexp.MustCompile(`^A-\d+$`).MatchString(user.EmployeeID) {
		t.Fatalf("unexpected employee id %q", user.EmployeeID)
	}

	for i := 1; i <= 3; i++ {
		_, err := svc.Login(ctx, "a@x.com", "nope", ClientInfo{IPAddress: "10.0.0.9"})
		var lerr *LoginError
		if !errors.As(err, &lerr) || !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected invalid credentials, got %v", i, err)
		}
		if lerr.NowLocked != (i == 3) {
			t.Fatalf("attempt %d: NowLocked = %v", i, lerr.NowLocked)
		}
	}

	_, err := svc.Login(ctx, "a@x.com", "Secret123!", ClientInfo{})
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked with correct password, got %v", err)
	}

	stats, err := svc.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.LockedUsers != 1 || stats.FailedLogins != 4 {
		t.Fatalf("unexpected stats while locked: %+v", stats)
	}

	clock.Advance(31 * time.Minute)
	res, err := svc.Login(ctx, "A@X.com ", "Secret123!", ClientInfo{})
	if err != nil {
		t.Fatalf("login after lockout expiry: %v", err)
	}
	if res.Token == "" || res.Session.UserID != user.ID {
		t.Fatalf("unexpected login result %+v", res)
	}

	got, err := svc.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.FailedLoginAttempts != 0 || got.LockedUntil != nil || got.LastLoginAt == nil {
		t.Fatalf("counters not reset: %+v", got)
	}
	stats, err = svc.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.LockedUsers != 0 || stats.ActiveSessions != 1 || stats.SuccessfulLogins != 1 || stats.TotalLoginAttempts != 5 {
		t.Fatalf("unexpected stats after recovery: %+v", stats)
	}
}

func TestLoginAuditsEveryAttempt(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, Config{MaxFailedAttempts: 2}, nil, clock)
	ctx := context.Background()
	role := mustRole(t, svc, RoleInput{Name: "Support", Permissions: []string{PermAuditRead}})
	user := mustUser(t, svc, UserInput{DisplayName: "Bo", Email: "bo@example.com", RoleID: role.ID, Password: "Secret123!"})
	other := mustUser(t, svc, UserInput{DisplayName: "Cy", Email: "cy@example.com", RoleID: role.ID, Password: "Secret123!"})
	if _, err := svc.DeactivateUser(ctx, other.ID); err != nil {
		t.Fatalf("DeactivateUser: %v", err)
	}

	client := ClientInfo{IPAddress: "192.0.2.1", UserAgent: "curl"}
	_, _ = svc.Login(ctx, "ghost@example.com", "whatever", client)
	_, _ = svc.Login(ctx, "bo@example.com", "bad", client)
	_, _ = svc.Login(ctx, "bo@example.com", "bad", client)
	_, _ = svc.Login(ctx, "bo@example.com", "Secret123!", client)
	_, _ = svc.Login(ctx, "cy@example.com", "Secret123!", client)

	recs, err := svc.LoginHistory(ctx, audit.Filter{})
	if err != nil {
		t.Fatalf("LoginHistory: %v", err)
	}
	want := []string{ReasonAccountInactive, ReasonAccountLocked, ReasonWrongPassword, ReasonWrongPassword, ReasonUserNotFound}
	if len(recs) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(recs))
	}
	for i, r := range recs {
		if r.Success || r.FailureReason != want[i] {
			t.Fatalf("record %d: %+v, want reason %q", i, r, want[i])
		}
		if r.IPAddress != client.IPAddress || r.UserAgent != client.UserAgent || r.Method != audit.MethodPassword {
			t.Fatalf("record %d missing client info: %+v", i, r)
		}
	}
	if recs[4].UserID != "" || recs[3].UserID != user.ID {
		t.Fatalf("unexpected user ids: %q %q", recs[4].UserID, recs[3].UserID)
	}

	mine, err := svc.LoginHistory(ctx, audit.Filter{UserID: user.ID, Limit: 2})
	if err != nil || len(mine) != 2 {
		t.Fatalf("filtered history: %v %v", mine, err)
	}
}

func TestLoginUnknownEmailIsGeneric(t *testing.T) {
	svc := newTestService(t, Config{}, nil, newFakeClock())
	ctx := context.Background()
	role := mustRole(t, svc, RoleInput{Name: "Ops", Permissions: []string{PermStatsRead}})
	mustUser(t, svc, UserInput{DisplayName: "Di", Email: "di@example.com", RoleID: role.ID, Password: "Secret123!"})

	_, unknown := svc.Login(ctx, "nobody@example.com", "Secret123!", ClientInfo{})
	_, wrong := svc.Login(ctx, "di@example.com", "wrong-pass", ClientInfo{})
	for _, err := range []error{unknown, wrong} {
		var lerr *LoginError
		if !errors.As(err, &lerr) {
			t.Fatalf("expected LoginError, got %v", err)
		}
		if lerr.Message() != "invalid email or password" {
			t.Fatalf("unexpected message %q", lerr.Message())
		}
	}
	if unknown.Error() != wrong.Error() {
		t.Fatalf("messages differ: %q vs %q", unknown, wrong)
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	svc := newTestService(t, Config{}, nil, newFakeClock())
	ctx := context.Background()
	role := mustRole(t, svc, RoleInput{Name: "Ops", Permissions: []string{PermStatsRead}})
	inactive := false
	user := mustUser(t, svc, UserInput{DisplayName: "Ed", Email: "ed@example.com", RoleID: role.ID, Password: "Secret123!", IsActive: &inactive})

	_, err := svc.Login(ctx, "ed@example.com", "Secret123!", ClientInfo{})
	var lerr *LoginError
	if !errors.As(err, &lerr) || !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
	if lerr.Message() != "account is disabled" {
		t.Fatalf("unexpected message %q", lerr.Message())
	}
	got, _ := svc.GetUser(ctx, user.ID)
	if got.FailedLoginAttempts != 0 {
		t.Fatalf("inactive refusal counted as failure")
	}
}

func TestUnlockUser(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, Config{MaxFailedAttempts: 1}, nil, clock)
	ctx := context.Background()
	role := mustRole(t, svc, RoleInput{Name: "Ops", Permissions: []string{PermStatsRead}})
	user := mustUser(t, svc, UserInput{DisplayName: "Fa", Email: "fa@example.com", RoleID: role.ID, Password: "Secret123!"})

	_, err := svc.Login(ctx, "fa@example.com", "bad", ClientInfo{})
	var lerr *LoginError
	if !errors.As(err, &lerr) || !lerr.NowLocked || lerr.LockedUntil == nil {
		t.Fatalf("expected immediate lock, got %v", err)
	}
	if !strings.Contains(lerr.Message(), "locked until") {
		t.Fatalf("unexpected message %q", lerr.Message())
	}
	if _, err := svc.UnlockUser(ctx, user.ID); err != nil {
		t.Fatalf("UnlockUser: %v", err)
	}
	if _, err := svc.Login(ctx, "fa@example.com", "Secret123!", ClientInfo{}); err != nil {
		t.Fatalf("login after unlock: %v", err)
	}
}

func TestDeleteSuperuserIsProtected(t *testing.T) {
	svc := newTestService(t, Config{}, nil, newFakeClock())
	ctx := context.Background()
	root, err := svc.EnsureBootstrap(ctx, BootstrapAdmin{Email: "root@example.com", Password: "Secret123!"})
	if err != nil {
		t.Fatalf("EnsureBootstrap: %v", err)
	}
	admin, err := svc.FindUserByEmail(ctx, "root@example.com")
	if err != nil {
		t.Fatalf("FindUserByEmail: %v", err)
	}
	if err := svc.DeleteUser(ctx, admin.ID); !errors.Is(err, ErrProtected) {
		t.Fatalf("expected ErrProtected, got %v", err)
	}
	if err := svc.DeleteRole(ctx, root.ID); !errors.Is(err, ErrProtected) {
		t.Fatalf("expected ErrProtected for system role, got %v", err)
	}
}

func TestEnsureBootstrapIsIdempotent(t *testing.T) {
	svc := newTestService(t, Config{}, nil, newFakeClock())
	ctx := context.Background()
	admin := BootstrapAdmin{Email: "root@example.com", DisplayName: "Root", Password: "Secret123!"}

	first, err := svc.EnsureBootstrap(ctx, admin)
	if err != nil {
		t.Fatalf("EnsureBootstrap: %v", err)
	}
	if !first.IsSuperuser() || first.Name != SuperuserRoleName {
		t.Fatalf("unexpected root role %+v", first)
	}
	second, err := svc.EnsureBootstrap(ctx, admin)
	if err != nil {
		t.Fatalf("second EnsureBootstrap: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("root role recreated")
	}
	roles, _ := svc.ListRoles(ctx)
	users, _ := svc.ListUsers(ctx)
	if len(roles) != 1 || len(users) != 1 {
		t.Fatalf("expected one role and one user, got %d and %d", len(roles), len(users))
	}
	res, err := svc.Login(ctx, "root@example.com", "Secret123!", ClientInfo{})
	if err != nil {
		t.Fatalf("bootstrap admin cannot log in: %v", err)
	}
	if !res.Session.HasPermission(PermRolesManage) {
		t.Fatalf("bootstrap admin lacks permissions: %v", res.Session.Permissions)
	}
}

func TestStorageFailuresSurface(t *testing.T) {
	port := newFlakyPort()
	svc := newTestService(t, Config{}, port, newFakeClock())
	ctx := context.Background()
	role := mustRole(t, svc, RoleInput{Name: "Ops", Permissions: []string{PermStatsRead}})
	mustUser(t, svc, UserInput{DisplayName: "Gi", Email: "gi@example.com", RoleID: role.ID, Password: "Secret123!"})

	port.set("scan", persist.CollectionUsers, true)
	if _, err := svc.Login(ctx, "gi@example.com", "Secret123!", ClientInfo{}); !errors.Is(err, ErrStorage) || !errors.Is(err, errDisk) {
		t.Fatalf("expected storage error, got %v", err)
	}
	port.set("scan", persist.CollectionUsers, false)

	port.set("put", persist.CollectionLoginLogs, true)
	_, err := svc.Login(ctx, "gi@example.com", "wrong-pass", ClientInfo{})
	if !errors.Is(err, ErrInvalidCredentials) || !errors.Is(err, ErrStorage) {
		t.Fatalf("expected refusal joined with audit failure, got %v", err)
	}
	_, err = svc.Login(ctx, "gi@example.com", "Secret123!", ClientInfo{})
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected audit failure to fail login, got %v", err)
	}
	port.set("put", persist.CollectionLoginLogs, false)
	if n, err := svc.sessions.CountActive(ctx, svc.now()); err != nil || n != 0 {
		t.Fatalf("session leaked after audit failure: %d %v", n, err)
	}

	port.set("put", persist.CollectionSessions, true)
	if _, err := svc.Login(ctx, "gi@example.com", "Secret123!", ClientInfo{}); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected session put failure, got %v", err)
	}
}

func TestDeleteUserKeepsUserWhenSessionCascadeFails(t *testing.T) {
	port := newFlakyPort()
	svc := newTestService(t, Config{}, port, newFakeClock())
	ctx := context.Background()
	role := mustRole(t, svc, RoleInput{Name: "Ops", Permissions: []string{PermStatsRead}})
	user := mustUser(t, svc, UserInput{DisplayName: "Gi", Email: "gi@example.com", RoleID: role.ID, Password: "Secret123!"})
	res, err := svc.Login(ctx, "gi@example.com", "Secret123!", ClientInfo{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	port.set("delete", persist.CollectionSessions, true)
	if err := svc.DeleteUser(ctx, user.ID); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if _, err := svc.GetUser(ctx, user.ID); err != nil {
		t.Fatalf("user removed despite failed cascade: %v", err)
	}
	if _, err := svc.ValidateSession(ctx, res.Token); err != nil {
		t.Fatalf("session should be untouched: %v", err)
	}

	port.set("delete", persist.CollectionSessions, false)
	if err := svc.DeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("retry DeleteUser: %v", err)
	}
	if _, err := svc.GetUser(ctx, user.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected user gone, got %v", err)
	}
	if _, err := svc.ValidateSession(ctx, res.Token); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected session gone, got %v", err)
	}
}

func TestVerifiedPasswordResetSurvivesSessionFailure(t *testing.T) {
	port := newFlakyPort()
	svc := newTestService(t, Config{}, port, newFakeClock())
	ctx := context.Background()
	role := mustRole(t, svc, RoleInput{Name: "Ops", Permissions: []string{PermStatsRead}})
	user := mustUser(t, svc, UserInput{DisplayName: "Gi", Email: "gi@example.com", RoleID: role.ID, Password: "Secret123!"})
	if _, err := svc.Login(ctx, "gi@example.com", "wrong-pass", ClientInfo{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}

	port.set("put", persist.CollectionSessions, true)
	if _, err := svc.Login(ctx, "gi@example.com", "Secret123!", ClientInfo{}); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	got, err := svc.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.FailedLoginAttempts != 0 || got.LastLoginAt == nil {
		t.Fatalf("expected reset committed by the verified password, got %+v", got)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := []Config{
		{MaxFailedAttempts: -1},
		{LockoutDuration: -time.Second},
		{SessionMaxAge: -time.Second},
		{AuditLogCap: -1},
		{MinPasswordLength: -1},
	}
	for _, cfg := range bad {
		if err := cfg.Validate(); !errors.Is(err, ErrValidation) {
			t.Fatalf("%+v: expected ErrValidation, got %v", cfg, err)
		}
		if _, err := New(cfg, persist.NewMemory()); err == nil {
			t.Fatalf("%+v: New accepted invalid config", cfg)
		}
	}
	svc := newTestService(t, Config{}, nil, newFakeClock())
	if svc.Config() != DefaultConfig() {
		t.Fatalf("zero config did not take defaults: %+v", svc.Config())
	}
	if _, err := New(Config{}, nil); err == nil {
		t.Fatalf("New accepted nil port")
	}
}

func TestRunJanitor(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, Config{SessionMaxAge: time.Minute}, nil, clock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	role := mustRole(t, svc, RoleInput{Name: "Ops", Permissions: []string{PermStatsRead}})
	user := mustUser(t, svc, UserInput{DisplayName: "Hu", Email: "hu@example.com", RoleID: role.ID, Password: "Secret123!"})
	if _, err := svc.sessions.Create(ctx, user.ID, ClientInfo{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	clock.Advance(2 * time.Minute)

	if err := svc.RunJanitor(ctx, 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for zero interval, got %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- svc.RunJanitor(ctx, 5*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		sessions, err := svc.ListSessions(ctx, user.ID)
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(sessions) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("janitor did not purge expired session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
