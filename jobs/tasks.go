package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/gliderblog/gliderblog/internal/mail"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending account emails.
	TaskTypeSendEmail = "mail:send"
	// TaskTokenSweep clears expired verification and reset tokens.
	TaskTokenSweep = "accounts:token-sweep"

	sendEmailTimeout = time.Minute
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Kind    mail.Kind `json:"kind"`
}

// NewSendEmailTask constructs a task that is delivered at most once.
func NewSendEmailTask(job mail.Job) (*asynq.Task, error) {
	data, err := json.Marshal(SendEmailPayload{To: job.To, Subject: job.Subject, Body: job.Body, Kind: job.Kind})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(0),
		asynq.Timeout(sendEmailTimeout),
	), nil
}

// NewTokenSweepTask builds the periodic sweep task.
func NewTokenSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTokenSweep, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}
