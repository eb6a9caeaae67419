package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/gliderblog/gliderblog/internal/jobs"
)

// TokenSweeper is the store capability the sweep needs.
type TokenSweeper interface {
	SweepExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// TokenSweepJob clears expired tokens so stale fingerprints do not linger.
type TokenSweepJob struct {
	Store   TokenSweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewTokenSweepJob constructs the job handler.
func NewTokenSweepJob(store TokenSweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *TokenSweepJob {
	return &TokenSweepJob{
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the sweep.
func (j *TokenSweepJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("token sweep: store not configured")
	}
	tracker := j.Metrics.Track(TaskTokenSweep)
	n, err := j.Store.SweepExpiredTokens(ctx, j.clock())
	if err = tracker.End(err); err != nil {
		j.log().Error("sweep expired tokens", slog.Any("error", err))
		return err
	}
	j.Metrics.AddSwept(n)
	if n > 0 {
		j.log().Info("swept expired tokens", slog.Int64("count", n))
	}
	return nil
}

// RunEvery sweeps on every tick of interval until ctx is done. It serves deployments
// without an asynq worker, such as the in-memory store. Failed sweeps are logged and retried
// on the next tick.
func (j *TokenSweepJob) RunEvery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("token sweep: interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = j.Handle(ctx, nil)
		}
	}
}

func (j *TokenSweepJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
