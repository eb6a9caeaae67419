package mail

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/gliderblog/gliderblog/internal/jobs"
	"github.com/gliderblog/gliderblog/internal/shared"
)

// PoolConfig sizes the in-process dispatcher.
type PoolConfig struct {
	Workers   int
	QueueSize int
	Metrics   *jobmetrics.Metrics
}

// Pool is an in-process Dispatcher: a bounded queue drained by a fixed set of goroutines.
// A full queue drops the job and logs it.
type Pool struct {
	sender  Sender
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	workers int

	mu      sync.RWMutex
	queue   chan Job
	started bool
	closed  bool
	group   *errgroup.Group
}

// NewPool constructs a Pool. Call Start before enqueueing and Close on shutdown.
func NewPool(sender Sender, logger *slog.Logger, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sender:  sender,
		logger:  logger,
		metrics: cfg.Metrics,
		workers: cfg.Workers,
		queue:   make(chan Job, cfg.QueueSize),
	}
}

// Start launches the workers. Deliveries use ctx, so cancelling it fails in-flight sends
// without stopping the drain; use Close to stop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("mail pool: closed")
	}
	if p.started {
		return nil
	}
	p.started = true
	p.group = &errgroup.Group{}
	for i := 0; i < p.workers; i++ {
		p.group.Go(func() error {
			for job := range p.queue {
				p.deliver(ctx, job)
			}
			return nil
		})
	}
	return nil
}

// Enqueue queues job without blocking.
func (p *Pool) Enqueue(ctx context.Context, job Job) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop(job, "dispatcher closed")
		return
	}
	select {
	case p.queue <- job:
	default:
		p.drop(job, "queue full")
	}
}

// Close stops accepting jobs and waits for queued ones to be delivered.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	group := p.group
	p.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

func (p *Pool) deliver(ctx context.Context, job Job) {
	tracker := p.metrics.Track(JobName(job.Kind))
	err := tracker.End(p.sender.Send(ctx, job.To, job.Subject, job.Body))
	if err != nil {
		p.logger.Error("email delivery failed",
			slog.String("kind", string(job.Kind)),
			slog.String("to", job.To),
			slog.Any("error", errors.Join(shared.ErrEmailDeliveryFailed, err)))
	}
}

func (p *Pool) drop(job Job, reason string) {
	p.metrics.AddDropped(JobName(job.Kind))
	p.logger.Error("email delivery failed",
		slog.String("kind", string(job.Kind)),
		slog.String("to", job.To),
		slog.String("reason", reason),
		slog.Any("error", shared.ErrEmailDeliveryFailed))
}
