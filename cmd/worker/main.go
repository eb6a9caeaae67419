package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/gliderblog/gliderblog/internal/accounts"
	"github.com/gliderblog/gliderblog/internal/app"
	jobmetrics "github.com/gliderblog/gliderblog/internal/jobs"
	"github.com/gliderblog/gliderblog/internal/mail"
	"github.com/gliderblog/gliderblog/internal/observability"
	"github.com/gliderblog/gliderblog/internal/platform/db"
	"github.com/gliderblog/gliderblog/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	var sender mail.Sender
	if cfg.SMTPHost == "" {
		logger.Warn("SMTP_HOST not set, emails are written to the log")
		sender = mail.NewLogSender(logger)
	} else {
		smtpSender, err := mail.NewSMTPSender(cfg.SMTP())
		if err != nil {
			return err
		}
		sender = smtpSender
	}

	handlers := []jobs.TaskHandler{
		{Type: jobs.TaskTypeSendEmail, Handler: jobs.NewSendEmailJob(sender, logger, jobMetrics).Handle},
	}
	var cron []jobs.CronRegistration

	if cfg.StoreDriver == app.StoreDriverPostgres {
		pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		sweep := jobs.NewTokenSweepJob(accounts.NewPGStore(pool, cfg.RoleCodes()), logger, jobMetrics)
		handlers = append(handlers, jobs.TaskHandler{Type: jobs.TaskTokenSweep, Handler: sweep.Handle})
		if cfg.TokenSweepCron != "" {
			cron = append(cron, jobs.CronRegistration{
				Spec:    cfg.TokenSweepCron,
				Task:    jobs.NewTokenSweepTask(),
				Options: []asynq.Option{asynq.MaxRetry(1)},
			})
		}
	} else {
		logger.Warn("token sweep disabled, it needs the postgres store")
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.MailWorkers,
		Handlers:    handlers,
		Cron:        cron,
	})
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return worker.Run(gctx)
	})
	group.Go(func() error {
		logger.Info("worker metrics listening", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
