// Package app wires the sowdb components together and manages their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	grpcapi "github.com/sowdb/sowdb/internal/api/grpc"
	httpapi "github.com/sowdb/sowdb/internal/api/http"
	"github.com/sowdb/sowdb/internal/archive"
	"github.com/sowdb/sowdb/internal/config"
	"github.com/sowdb/sowdb/internal/ingest"
	"github.com/sowdb/sowdb/internal/notify"
	"github.com/sowdb/sowdb/internal/observability"
	"github.com/sowdb/sowdb/internal/registry"
	"github.com/sowdb/sowdb/internal/server"
	"github.com/sowdb/sowdb/internal/store"
	"github.com/sowdb/sowdb/internal/trust"
)

// App owns every long-lived resource of a sowdb process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	stores   *store.Manager
	registry *registry.Logger
	archiver *archive.Archiver
	stats    *observability.Stats
	notifier *notify.Notifier
	engine   *ingest.Engine
	shutdown *server.ShutdownManager

	httpServer *http.Server
	grpcServer *grpc.Server

	mu      sync.Mutex
	running bool
}

// New opens the stores, registry and archive named by cfg and builds the
// engine and servers. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		shutdown: server.NewShutdownManager(server.ShutdownConfig{
			ShutdownTimeout: cfg.Shutdown.Timeout,
			DrainTimeout:    cfg.Shutdown.DrainTimeout,
			Logger:          logger,
		}),
	}
	if err := a.init(ctx); err != nil {
		a.cleanup()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	var err error

	a.stores, err = store.NewManager(store.Options{
		Dir:          a.cfg.Storage.Dir,
		BusyTimeout:  a.cfg.Storage.BusyTimeout,
		MaxOpenConns: a.cfg.Storage.MaxOpenConns,
		Logger:       a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open stores: %w", err)
	}
	a.shutdown.RegisterCloser("stores", a.stores)
	a.logger.Info("app: stores ready", "dir", a.cfg.Storage.Dir)

	keyring, err := trust.NewKeyring(a.cfg.Trust.APIKeys)
	if err != nil {
		return fmt.Errorf("failed to load api keys: %w", err)
	}
	policy, err := trust.NewPolicy(trust.Config{
		DefaultStore:      a.cfg.Storage.DefaultStore,
		GuestStore:        a.cfg.Trust.GuestStore,
		GuestTables:       a.cfg.Trust.GuestTables,
		MaxBodyBytes:      a.cfg.Trust.MaxBodyBytes,
		GuestMaxBodyBytes: a.cfg.Trust.GuestMaxBodyBytes,
		GuestReads:        a.cfg.Trust.GuestReads,
		RequireCredential: a.cfg.Trust.RequireCredential,
	}, keyring)
	if err != nil {
		return fmt.Errorf("failed to build trust policy: %w", err)
	}
	if keyring.Len() == 0 {
		a.logger.Warn("app: no api keys configured; every caller is a guest")
	}

	if a.cfg.Registry.Enabled {
		a.registry, err = registry.Open(a.cfg.Registry.Path, a.logger)
		if err != nil {
			return fmt.Errorf("failed to open registry: %w", err)
		}
		a.shutdown.RegisterCloser("registry", a.registry)
		a.logger.Info("app: registry ready", "path", a.cfg.Registry.Path)
	}

	var hooks []ingest.Hook
	if a.cfg.Archive.Enabled {
		objects, err := a.openArchive(ctx)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		a.archiver = archive.New(objects, a.logger)
		hooks = append(hooks, ingest.ArchiveHook(a.archiver))
		a.logger.Info("app: archive ready", "type", a.cfg.Archive.Type)
	}

	if a.cfg.Stats.Enabled {
		a.stats = observability.NewStats(a.cfg.Stats.Window)
	}
	if a.cfg.Watch.Enabled {
		a.notifier = notify.NewNotifier(a.cfg.Watch.Buffer)
		a.shutdown.RegisterCloser("watch", a.notifier)
	}

	a.engine, err = ingest.New(ingest.Options{
		Stores:       a.stores,
		Policy:       policy,
		Registry:     a.registry,
		Stats:        a.stats,
		Notifier:     a.notifier,
		Hooks:        hooks,
		DefaultLimit: a.cfg.Query.DefaultLimit,
		MaxLimit:     a.cfg.Query.MaxLimit,
		Logger:       a.logger,
	})
	if err != nil {
		return err
	}

	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      httpapi.NewRouter(httpapi.NewHandler(a.engine, a.logger), a.shutdown),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	if a.cfg.GRPC.Enabled {
		a.grpcServer = grpcapi.NewServer(grpcapi.NewIngestServer(a.engine, a.logger))
		a.shutdown.RegisterCloser("grpc", server.CloserFunc(func() error {
			a.grpcServer.GracefulStop()
			return nil
		}))
	}
	return nil
}

func (a *App) openArchive(ctx context.Context) (archive.ObjectStore, error) {
	if a.cfg.Archive.Type == "s3" {
		s3 := a.cfg.Archive.S3
		a.logger.Info("app: s3 archive", "bucket", s3.Bucket, "region", s3.Region, "endpoint", s3.Endpoint)
	}
	return archive.Open(ctx, BackendFor(a.cfg.Archive))
}

// BackendFor maps the archive section of the configuration onto an
// archive backend.
func BackendFor(cfg config.ArchiveConfig) archive.Backend {
	return archive.Backend{
		Type:   cfg.Type,
		Path:   cfg.Path,
		Bucket: cfg.S3.Bucket,
		S3: archive.S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		},
	}
}

// Engine returns the ingest engine.
func (a *App) Engine() *ingest.Engine { return a.engine }

// Stores returns the store manager.
func (a *App) Stores() *store.Manager { return a.stores }

// Registry returns the registry, or nil when it is disabled.
func (a *App) Registry() *registry.Logger { return a.registry }

// Archiver returns the archive, or nil when it is disabled.
func (a *App) Archiver() *archive.Archiver { return a.archiver }

// Run listens on the configured addresses and serves until ctx is done or
// a server fails, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	httpLn, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	var grpcLn net.Listener
	if a.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", a.cfg.GRPC.Addr)
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("failed to listen on %s: %w", a.cfg.GRPC.Addr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("app: http listening", "addr", httpLn.Addr().String())
		return a.shutdown.Serve(a.httpServer, httpLn)
	})
	if grpcLn != nil {
		g.Go(func() error {
			a.logger.Info("app: grpc listening", "addr", grpcLn.Addr().String())
			return a.grpcServer.Serve(grpcLn)
		})
	}
	if a.notifier != nil {
		// Watch streams hold requests open; end them before the drain.
		go func() {
			<-a.shutdown.Done()
			a.notifier.Close()
		}()
	}
	if a.stats != nil {
		g.Go(func() error {
			a.pruneStats(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		reason := "context done"
		if cause := context.Cause(gctx); cause != nil && !errors.Is(cause, context.Canceled) {
			reason = cause.Error()
		}
		return a.shutdown.Shutdown(context.WithoutCancel(ctx), reason)
	})

	return g.Wait()
}

func (a *App) pruneStats(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Stats.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.stats.Prune()
		}
	}
}

// Close releases every resource without serving. It is for processes that
// built an App but never called Run.
func (a *App) Close(ctx context.Context) error {
	return a.shutdown.Shutdown(ctx, "close")
}

func (a *App) cleanup() {
	if err := a.shutdown.Shutdown(context.Background(), "startup failed"); err != nil {
		a.logger.Warn("app: cleanup failed", "error", err)
	}
}
