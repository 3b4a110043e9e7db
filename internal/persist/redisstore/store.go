// Package redisstore implements persist.Port with one Redis hash per
// collection.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"qazna.org/adminauth/internal/persist"
)

const scanBatch = 256

// Store is a persist.Port backed by Redis hashes named <namespace>:<collection>.
type Store struct {
	client    *redis.Client
	namespace string
}

var _ persist.Port = (*Store)(nil)

// Connect initializes a client from a redis:// URL or a host:port address.
func Connect(addr, namespace string) (*Store, error) {
	var client *redis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	return New(client, namespace), nil
}

// New wraps an existing client. An empty namespace defaults to "adminauth".
func New(client *redis.Client, namespace string) *Store {
	if namespace == "" {
		namespace = "adminauth"
	}
	return &Store{client: client, namespace: namespace}
}

func (s *Store) hash(collection string) string {
	return s.namespace + ":" + collection
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, error) {
	v, err := s.client.HGet(ctx, s.hash(collection), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get %s: %w", collection, err)
	}
	return v, nil
}

func (s *Store) Put(ctx context.Context, collection, key string, value []byte) error {
	if err := s.client.HSet(ctx, s.hash(collection), key, value).Err(); err != nil {
		return fmt.Errorf("redisstore: put %s: %w", collection, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if err := s.client.HDel(ctx, s.hash(collection), key).Err(); err != nil {
		return fmt.Errorf("redisstore: delete %s: %w", collection, err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, collection string, match persist.Predicate) ([]persist.Record, error) {
	seen := make(map[string][]byte)
	var cursor uint64
	for {
		kv, next, err := s.client.HScan(ctx, s.hash(collection), cursor, "*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: scan %s: %w", collection, err)
		}
		for i := 0; i+1 < len(kv); i += 2 {
			seen[kv[i]] = []byte(kv[i+1])
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]persist.Record, 0, len(keys))
	for _, k := range keys {
		if match != nil && !match(k, seen[k]) {
			continue
		}
		out = append(out, persist.Record{Key: k, Value: seen[k]})
	}
	return out, nil
}
