package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"qazna.org/adminauth/internal/bootstrap"
	"qazna.org/adminauth/internal/config"
	"qazna.org/adminauth/internal/httpapi"
	"qazna.org/adminauth/internal/obs"
	"qazna.org/adminauth/internal/persist"
)

func main() {
	configPath := flag.String("config", os.Getenv("ADMINAUTH_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)

	// Инициализация observability (регистрация метрик)
	obs.Init()
	obs.InitBuildInfo(obs.Version, obs.Commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("adminauth stopped", zap.Error(err))
	}
	logger.Info("stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	port, err := bootstrap.OpenPort(ctx, cfg.Storage, bootstrap.DefaultRetry, logger.Named("storage"))
	if err != nil {
		return err
	}
	defer func() {
		if err := persist.Close(port); err != nil {
			logger.Warn("close storage", zap.Error(err))
		}
	}()

	svc, err := bootstrap.NewService(ctx, cfg, port, logger)
	if err != nil {
		return err
	}

	proxies, err := httpapi.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	limiter := httpapi.NewIPRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.PerSecond)
	api := httpapi.New(svc, httpapi.Options{
		Version:        obs.Version,
		Logger:         logger.Named("http"),
		LoginLimit:     limiter,
		TrustedProxies: proxies,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	health := httpapi.NewGRPCServer(httpapi.ReadyProbe{Port: port}, logger.Named("grpc"))
	health.Register(grpcServer)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", obs.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		health.WatchReadiness(ctx, 10*time.Second)
		return nil
	})

	g.Go(func() error {
		limiter.Run(ctx, time.Minute)
		return nil
	})

	g.Go(func() error {
		err := svc.RunJanitor(ctx, cfg.Auth.PurgeInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// graceful shutdown
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
