package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"qazna.org/adminauth/internal/persist"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// cheapHasher keeps argon2 fast in tests.
func cheapHasher() *Argon2Hasher {
	return NewArgon2Hasher(Argon2Params{Memory: 64, Iterations: 1, Parallelism: 1})
}

func newTestService(t *testing.T, cfg Config, port persist.Port, clock *fakeClock) *Service {
	t.Helper()
	if port == nil {
		port = persist.NewMemory()
	}
	svc, err := New(cfg, port, WithClock(clock.Now), WithHasher(cheapHasher()), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func mustRole(t *testing.T, svc *Service, in RoleInput) Role {
	t.Helper()
	role, err := svc.CreateRole(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	return role
}

func mustUser(t *testing.T, svc *Service, in UserInput) AdminUser {
	t.Helper()
	user, err := svc.CreateUser(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return user
}

// flakyPort fails the operations selected by fail.
type flakyPort struct {
	persist.Port
	mu   sync.Mutex
	fail map[string]bool
}

var errDisk = errors.New("disk on fire")

func newFlakyPort() *flakyPort {
	return &flakyPort{Port: persist.NewMemory(), fail: map[string]bool{}}
}

func (p *flakyPort) set(op, collection string, failing bool) {
	p.mu.Lock()
	p.fail[op+":"+collection] = failing
	p.mu.Unlock()
}

func (p *flakyPort) failing(op, collection string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fail[op+":"+collection]
}

func (p *flakyPort) Get(ctx context.Context, c, k string) ([]byte, error) {
	if p.failing("get", c) {
		return nil, errDisk
	}
	return p.Port.Get(ctx, c, k)
}

func (p *flakyPort) Put(ctx context.Context, c, k string, v []byte) error {
	if p.failing("put", c) {
		return errDisk
	}
	return p.Port.Put(ctx, c, k, v)
}

func (p *flakyPort) Delete(ctx context.Context, c, k string) error {
	if p.failing("delete", c) {
		return errDisk
	}
	return p.Port.Delete(ctx, c, k)
}

func (p *flakyPort) Scan(ctx context.Context, c string, m persist.Predicate) ([]persist.Record, error) {
	if p.failing("scan", c) {
		return nil, errDisk
	}
	return p.Port.Scan(ctx, c, m)
}
