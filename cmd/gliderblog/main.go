package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/gliderblog/gliderblog/internal/accounts"
	"github.com/gliderblog/gliderblog/internal/app"
	"github.com/gliderblog/gliderblog/internal/auth"
	jobmetrics "github.com/gliderblog/gliderblog/internal/jobs"
	"github.com/gliderblog/gliderblog/internal/mail"
	"github.com/gliderblog/gliderblog/internal/observability"
	"github.com/gliderblog/gliderblog/internal/platform/cache"
	"github.com/gliderblog/gliderblog/internal/platform/db"
	"github.com/gliderblog/gliderblog/internal/rbac"
	"github.com/gliderblog/gliderblog/internal/sessions"
	"github.com/gliderblog/gliderblog/internal/tokens"
	"github.com/gliderblog/gliderblog/internal/users"
	"github.com/gliderblog/gliderblog/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gliderblog exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	redisClient, err := cache.New(ctx, cache.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	sessionManager, err := sessions.NewManager(redisClient, store, cfg.Sessions())
	if err != nil {
		return err
	}
	hasher, err := accounts.NewHasher(cfg.BcryptCost)
	if err != nil {
		return err
	}
	composer, err := mail.NewComposer(cfg.PublicBaseURL)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	var (
		dispatcher mail.Dispatcher
		inspector  jobs.QueueInspector
	)
	switch cfg.MailDispatch {
	case app.MailDispatchAsynq:
		client := jobs.NewClient(redisOpts, logger, jobMetrics)
		defer client.Close()
		asynqInspector := asynq.NewInspector(redisOpts)
		defer asynqInspector.Close()
		dispatcher, inspector = client, asynqInspector
	default:
		sender, err := newSender(cfg, logger)
		if err != nil {
			return err
		}
		pool := mail.NewPool(sender, logger, mail.PoolConfig{
			Workers:   cfg.MailWorkers,
			QueueSize: cfg.MailQueueSize,
			Metrics:   jobMetrics,
		})
		if err := pool.Start(context.WithoutCancel(gctx)); err != nil {
			return err
		}
		defer func() {
			if err := pool.Close(); err != nil {
				logger.Warn("mail pool close", slog.Any("error", err))
			}
		}()
		dispatcher = pool
	}

	authService, err := auth.NewService(auth.Deps{
		Store:    store,
		Hasher:   hasher,
		Tokens:   tokens.NewIssuer(store),
		Sessions: sessionManager,
		Mail:     dispatcher,
		Composer: composer,
		Logger:   logger,
	}, cfg.Auth())
	if err != nil {
		return err
	}

	rbacMiddleware := rbac.Middleware{Sessions: sessionManager, Logger: logger}
	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		AuthHandler:    auth.NewHandler(logger, authService, sessionManager).WithEvents(metrics),
		UsersHandler:   users.NewHandler(logger, users.NewService(authService), sessionManager, rbacMiddleware),
		JobHandler:     jobs.NewHandler(inspector, logger),
		RBACMiddleware: rbacMiddleware,
		CSRF:           sessionManager,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	if cfg.StoreDriver == app.StoreDriverMemory && cfg.TokenSweepInterval > 0 {
		sweep := jobs.NewTokenSweepJob(store, logger, jobMetrics)
		group.Go(func() error {
			return sweep.RunEvery(gctx, cfg.TokenSweepInterval)
		})
	}

	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("mail_dispatch", cfg.MailDispatch))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func openStore(ctx context.Context, cfg *app.Config, logger *slog.Logger) (accounts.Store, func(), error) {
	if cfg.StoreDriver == app.StoreDriverMemory {
		logger.Warn("using in-memory account store, data is lost on restart")
		return accounts.NewMemoryStore(), func() {}, nil
	}
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return accounts.NewPGStore(pool, cfg.RoleCodes()), pool.Close, nil
}

func newSender(cfg *app.Config, logger *slog.Logger) (mail.Sender, error) {
	if cfg.SMTPHost == "" {
		logger.Warn("SMTP_HOST not set, emails are written to the log")
		return mail.NewLogSender(logger), nil
	}
	return mail.NewSMTPSender(cfg.SMTP())
}
