package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/ggoodman/session-scope-go/auth"
	"github.com/ggoodman/session-scope-go/config"
	"github.com/ggoodman/session-scope-go/internal/promsink"
	"github.com/ggoodman/session-scope-go/scope"
	"github.com/ggoodman/session-scope-go/sessionhttp"
	"github.com/ggoodman/session-scope-go/sessions"
	"github.com/ggoodman/session-scope-go/sessions/cleanup"
	"github.com/ggoodman/session-scope-go/storage"
	"github.com/ggoodman/session-scope-go/storage/dynamo"
	"github.com/ggoodman/session-scope-go/storage/memory"
	redisstore "github.com/ggoodman/session-scope-go/storage/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// repositories bundles the collaborators handed to the manager.
type repositories struct {
	orders        storage.OrderRepository
	customers     storage.CustomerRepository
	conversations storage.ConversationRepository
	close         func() error
}

func openRepositories(ctx context.Context, cfg *config.Config, log *slog.Logger) (*repositories, error) {
	var repos repositories
	switch cfg.StoreBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		store, err := redisstore.New(redisstore.Config{Client: client, KeyPrefix: cfg.RedisKeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		repos = repositories{orders: store, customers: store, conversations: store, close: store.Close}
	default:
		store, err := memory.New(cfg.MemoryStoreSize)
		if err != nil {
			return nil, err
		}
		repos = repositories{orders: store, customers: store, conversations: store, close: store.Close}
	}

	if cfg.ConversationTable != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			_ = repos.close()
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		convs, err := dynamo.New(awsdynamodb.NewFromConfig(awsCfg), cfg.ConversationTable, 0)
		if err != nil {
			_ = repos.close()
			return nil, err
		}
		repos.conversations = convs
		log.InfoContext(ctx, "storage.conversations.dynamo", slog.String("table", cfg.ConversationTable))
	}
	log.InfoContext(ctx, "storage.open.ok", slog.String("backend", cfg.StoreBackend))
	return &repos, nil
}

// registerServices registers the services handlers resolve from their scope.
func registerServices(root *scope.Container, repos *repositories, mgr *sessions.Manager, log *slog.Logger) {
	scope.RegisterInstance(root, log)
	scope.RegisterInstance[storage.OrderRepository](root, repos.orders)
	scope.RegisterInstance[storage.CustomerRepository](root, repos.customers)
	scope.Register(root, scope.Singleton, func(scope.Resolver) (*sessions.Manager, error) { return mgr, nil })
	scope.Register(root, scope.Scoped, func(r scope.Resolver) (*scopeAudit, error) {
		l, err := r.Resolve(loggerType)
		if err != nil {
			return nil, err
		}
		return &scopeAudit{log: l.(*slog.Logger)}, nil
	})
}

type app struct {
	mgr    *sessions.Manager
	router http.Handler
}

// newApp wires the manager, the scope container and the HTTP routes.
func newApp(cfg *config.Config, repos *repositories, log *slog.Logger, reg *prometheus.Registry, opts ...sessionhttp.Option) (*app, error) {
	// Child scopes share the root's registrations, so services may be
	// registered after the factory exists.
	root := scope.NewContainer()
	factory := scope.NewFactory(root)
	mgr, err := sessions.NewManager(sessions.ManagerConfig{
		DefaultDuration: cfg.DefaultDuration,
		Orders:          repos.orders,
		Customers:       repos.customers,
		Conversations:   repos.conversations,
		Scopes:          factory,
		Logger:          log,
		Metrics:         promsink.New(reg),
	})
	if err != nil {
		return nil, err
	}
	registerServices(root, repos, mgr, log)

	opts = append([]sessionhttp.Option{
		sessionhttp.WithBypassPaths(cfg.BypassPaths...),
		sessionhttp.WithLogger(log),
		sessionhttp.WithAnonymousDuration(cfg.AnonymousDuration),
	}, opts...)
	mw := sessionhttp.New(mgr, factory, opts...)
	return &app{mgr: mgr, router: newRouter(mgr, mw, reg)}, nil
}

func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	repos, err := openRepositories(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = repos.close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var opts []sessionhttp.Option
	if authn, err := newAuthenticator(ctx, cfg); err != nil {
		return fmt.Errorf("jwt authenticator: %w", err)
	} else if authn != nil {
		opts = append(opts, sessionhttp.WithAuthenticator(authn))
	}
	a, err := newApp(cfg, repos, log, reg, opts...)
	if err != nil {
		return err
	}
	mgr := a.mgr

	sweeper := cleanup.New(mgr, cleanup.Config{
		Interval:       cfg.CleanupInterval,
		MaxConcurrency: cfg.MaxConcurrentCleanup,
		Logger:         log,
	})
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sweeper.Close() }()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "http.listen", slog.String("addr", cfg.HTTPAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.ErrorContext(shutdownCtx, "http.shutdown.fail", slog.String("err", err.Error()))
	}
	if err := sweeper.Stop(shutdownCtx); err != nil {
		log.ErrorContext(shutdownCtx, "cleanup.stop.fail", slog.String("err", err.Error()))
	}
	return endAll(shutdownCtx, mgr, log)
}

// newAuthenticator builds the bearer token validator. An explicit JWKS_URL
// wins; otherwise the keys are discovered from JWT_ISSUER. It returns nil when
// neither is configured.
func newAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	switch {
	case cfg.JWKSURL != "":
		return auth.NewJWT(ctx, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWKSURL)
	case cfg.JWTIssuer != "":
		return auth.NewJWTFromDiscovery(ctx, cfg.JWTIssuer, cfg.JWTAudience)
	default:
		return nil, nil
	}
}

// endAll flushes every live session on shutdown.
func endAll(ctx context.Context, mgr *sessions.Manager, log *slog.Logger) error {
	var errs []error
	for _, sess := range mgr.Sessions() {
		if err := mgr.EndSession(ctx, sess); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.ErrorContext(ctx, "shutdown.flush.fail", slog.Int("failed", len(errs)))
		return err
	}
	return nil
}
