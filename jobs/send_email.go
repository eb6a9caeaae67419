package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/gliderblog/gliderblog/internal/jobs"
	"github.com/gliderblog/gliderblog/internal/mail"
	"github.com/gliderblog/gliderblog/internal/shared"
)

// SendEmailJob delivers queued account emails through a mail.Sender.
type SendEmailJob struct {
	Sender  mail.Sender
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSendEmailJob constructs the job handler.
func NewSendEmailJob(sender mail.Sender, logger *slog.Logger, metrics *jobmetrics.Metrics) *SendEmailJob {
	return &SendEmailJob{Sender: sender, Logger: logger, Metrics: metrics}
}

// Handle processes TaskTypeSendEmail tasks. Failures are logged and never retried.
func (j *SendEmailJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Sender == nil {
		return errors.New("send email: sender not configured")
	}
	var payload SendEmailPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		j.log().Error("decode email task", slog.Any("error", err))
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(mail.JobName(payload.Kind))
	err := tracker.End(j.Sender.Send(ctx, payload.To, payload.Subject, payload.Body))
	if err != nil {
		j.log().Error("email delivery failed",
			slog.String("kind", string(payload.Kind)),
			slog.String("to", payload.To),
			slog.Any("error", errors.Join(shared.ErrEmailDeliveryFailed, err)))
		return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
	}
	j.log().Info("email sent", slog.String("kind", string(payload.Kind)), slog.String("to", payload.To))
	return nil
}

func (j *SendEmailJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
