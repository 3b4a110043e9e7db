// Package bootstrap turns a config.Config into a ready auth.Service.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"qazna.org/adminauth/internal/auth"
	"qazna.org/adminauth/internal/config"
	"qazna.org/adminauth/internal/persist"
	"qazna.org/adminauth/internal/persist/badgerstore"
	"qazna.org/adminauth/internal/persist/redisstore"
	"qazna.org/adminauth/internal/persist/sqlstore"
)

// Retry bounds connection attempts on startup.
type Retry struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetry matches a database that needs a few seconds to accept
// connections after a container start.
var DefaultRetry = Retry{
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	MaxElapsedTime:  time.Minute,
}

func (r Retry) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialInterval
	b.MaxInterval = r.MaxInterval
	b.MaxElapsedTime = r.MaxElapsedTime
	return backoff.WithContext(b, ctx)
}

// OpenPort opens the storage adapter named by cfg and waits until it answers
// a ping. SQL stores are migrated before returning.
func OpenPort(ctx context.Context, cfg config.Storage, retry Retry, logger *zap.Logger) (persist.Port, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	port, err := open(cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := retryPing(ctx, port, retry, logger, cfg.Driver); err != nil {
		_ = persist.Close(port)
		return nil, err
	}

	if s, ok := port.(*sqlstore.Store); ok {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate %s: %w", cfg.Driver, err)
		}
	}
	logger.Info("storage ready", zap.String("driver", cfg.Driver))
	return port, nil
}

func retryPing(ctx context.Context, port persist.Port, retry Retry, logger *zap.Logger, driver string) error {
	attempt := 0
	ping := func() error {
		attempt++
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := persist.Ping(pctx, port)
		if err != nil {
			logger.Warn("storage not ready", zap.String("driver", driver), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}
	if err := backoff.Retry(ping, retry.backOff(ctx)); err != nil {
		return fmt.Errorf("storage %s unreachable after %d attempts: %w", driver, attempt, err)
	}
	return nil
}

func open(cfg config.Storage, logger *zap.Logger) (persist.Port, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return persist.NewMemory(), nil
	case config.DriverPostgres, config.DriverSQLite:
		d, err := sqlstore.ParseDialect(cfg.Driver)
		if err != nil {
			return nil, err
		}
		return sqlstore.Open(d, cfg.DSN)
	case config.DriverBadger:
		return badgerstore.Open(badgerstore.Options{Dir: cfg.Dir, Logger: logger.Named("badger")})
	case config.DriverRedis:
		return redisstore.Connect(cfg.DSN, cfg.Namespace)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// NewService builds the auth service over port and ensures the bootstrap
// superuser exists.
func NewService(ctx context.Context, cfg config.Config, port persist.Port, logger *zap.Logger) (*auth.Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	hasher, err := auth.NewHasher(cfg.Auth.Hasher)
	if err != nil {
		return nil, err
	}
	svc, err := auth.New(cfg.AuthConfig(), port,
		auth.WithHasher(hasher),
		auth.WithLogger(logger.Named("auth")),
	)
	if err != nil {
		return nil, err
	}
	if _, err := svc.EnsureBootstrap(ctx, cfg.BootstrapAdmin()); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return svc, nil
}
