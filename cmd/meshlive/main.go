// Package main is the entry point for the meshlive service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/meshlive/internal/config"
	"github.com/Faultbox/meshlive/internal/logger"
	"github.com/Faultbox/meshlive/internal/mesh"
	"github.com/Faultbox/meshlive/internal/pipeline"
	"github.com/Faultbox/meshlive/internal/server"
	"github.com/Faultbox/meshlive/internal/watch"
)

// remoteKernelTimeout bounds one request to the mesh generation API.
const remoteKernelTimeout = 30 * time.Second

func main() {
	// Parse CLI flags first
	config.ParseFlags()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	err = logger.InitWithOptions(logger.Options{
		Level:   cfg.Logging.Level,
		JSON:    cfg.Logging.JSON,
		Console: true,
		File:    fileConfig(cfg.Logging.LogFile),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("=== meshlive ===")
	logger.Sugar.Debugf("Config: %+v", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("meshlive stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("meshlive stopped")
}

func fileConfig(path string) logger.FileConfig {
	if path == "" {
		return logger.FileConfig{}
	}
	return logger.DefaultFileConfig(path)
}

func run(ctx context.Context, cfg *config.Config) error {
	kernel, err := newKernel(cfg.Kernel)
	if err != nil {
		return err
	}
	cache, closeCache, err := newCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer closeCache()

	builder := mesh.NewBuilder(kernel,
		mesh.WithTimeout(cfg.Build.Timeout),
		mesh.WithCache(cache),
		mesh.WithLogger(logger.Named("mesh")))

	src, err := watch.NewFSSource()
	if err != nil {
		return fmt.Errorf("starting file watcher: %w", err)
	}
	filter := watch.DefaultFilter()
	if len(cfg.Watch.Extensions) > 0 {
		filter = watch.Filter{Extensions: cfg.Watch.Extensions}
	}
	det := watch.NewDetector(src,
		watch.WithClock(clockwork.NewRealClock()),
		watch.WithDebounce(cfg.Watch.Debounce),
		watch.WithFilter(filter),
		watch.WithLogger(logger.Named("watch")),
		watch.WithErrorHandler(func(err error) {
			logger.Warn("watch error", zap.Error(err))
		}))

	p := pipeline.New(det, builder, pipeline.Options{
		Params:     cfg.Build.Params(),
		AckTimeout: cfg.Sync.AckTimeout,
		Logger:     logger.Named("pipeline"),
	})
	for _, path := range cfg.Watch.Paths {
		if err := p.Watch(path); err != nil {
			_ = src.Close()
			return fmt.Errorf("watching %s: %w", path, err)
		}
	}

	srv := server.New(p, server.Options{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		LevelHandler:    logger.Level,
		Logger:          logger.Named("server"),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Closing the source ends the detector once the pipeline stops.
		defer src.Close()
		return p.Run(ctx)
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
	return g.Wait()
}

func newKernel(cfg config.KernelConfig) (mesh.Kernel, error) {
	switch cfg.Type {
	case config.KernelFile:
		return mesh.FileKernel{}, nil
	case config.KernelHTTP:
		return &mesh.HTTPKernel{
			Endpoint: cfg.Endpoint,
			Client:   &http.Client{Timeout: remoteKernelTimeout},
		}, nil
	case config.KernelExec:
		return &mesh.ExecKernel{
			Command:   cfg.Command,
			Dir:       cfg.WorkDir,
			OutputExt: cfg.OutputExt,
			KillGrace: cfg.KillGrace,
		}, nil
	}
	return nil, fmt.Errorf("unknown kernel type %q", cfg.Type)
}

func newCache(ctx context.Context, cfg config.CacheConfig) (mesh.Cache, func(), error) {
	switch cfg.Type {
	case config.CacheNone, "":
		return nil, func() {}, nil
	case config.CacheMemory:
		return mesh.NewMemoryCache(cfg.Entries), func() {}, nil
	case config.CacheRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			// Builds still work without the cache.
			logger.Warn("redis unavailable, cache disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			_ = client.Close()
			return nil, func() {}, nil
		}
		cache := mesh.NewRedisCache(client, cfg.Prefix, cfg.TTL, logger.Named("cache"))
		return cache, func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown cache type %q", cfg.Type)
}
