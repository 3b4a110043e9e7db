// Package persist defines the storage port used by the admin identity
// components. Records are opaque JSON documents grouped into collections and
// addressed by string keys.
package persist

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("persist: not found")

// Collections used by the service.
const (
	CollectionRoles     = "roles"
	CollectionUsers     = "users"
	CollectionSessions  = "sessions"
	CollectionLoginLogs = "login_audit_logs"
)

// Record is one stored document.
type Record struct {
	Key   string
	Value []byte
}

// Predicate selects records during Scan. A nil predicate matches everything.
type Predicate func(key string, value []byte) bool

// Port is a minimal keyed document store. Put and Delete are atomic per
// record; Delete of an absent key is not an error; Scan returns matches in
// ascending key order.
type Port interface {
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Put(ctx context.Context, collection, key string, value []byte) error
	Delete(ctx context.Context, collection, key string) error
	Scan(ctx context.Context, collection string, match Predicate) ([]Record, error)
}

// Pinger is implemented by ports backed by a remote system.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping reports readiness of p when it supports it.
func Ping(ctx context.Context, p Port) error {
	if pp, ok := p.(Pinger); ok {
		return pp.Ping(ctx)
	}
	return ctx.Err()
}

// Close releases p when it holds resources.
func Close(p Port) error {
	if c, ok := p.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
