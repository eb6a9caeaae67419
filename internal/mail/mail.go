// Package mail composes account emails and hands them to a delivery backend without
// blocking the caller.
package mail

import "context"

// Kind identifies which account flow produced an email.
type Kind string

const (
	KindVerify Kind = "verify"
	KindReset  Kind = "reset"
)

// Job is one pending email. It is delivered at most once.
type Job struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Kind    Kind   `json:"kind"`
}

// Sender delivers a single message synchronously.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Dispatcher accepts jobs for asynchronous delivery. Enqueue returns promptly and
// never reports delivery outcomes; failures are logged by the implementation.
type Dispatcher interface {
	Enqueue(ctx context.Context, job Job)
}

// JobName is the metrics label for deliveries of kind.
func JobName(kind Kind) string {
	if kind == "" {
		return "mail"
	}
	return "mail_" + string(kind)
}
