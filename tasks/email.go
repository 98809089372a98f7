// Package tasks ships the built-in job types for the standard queues:
// email sending, signed webhook delivery, and kind-dispatched data
// processing. Each type comes with a payload struct, a Register
// function wiring its handler, and an Enqueue helper carrying the
// type's default options.
package tasks

import (
	"context"
	"fmt"

	"github.com/stackmesh/conveyor/engine"
	"github.com/stackmesh/conveyor/job"
)

// Built-in job type names.
const (
	TypeEmail   = "email:send"
	TypeWebhook = "webhook:deliver"
	TypeData    = "data:process"
)

// Default queues for the built-in types.
const (
	QueueEmails   = "emails"
	QueueWebhooks = "webhooks"
	QueueData     = "data"
)

// EmailPayload describes one outbound email.
type EmailPayload struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Template string `json:"template,omitempty"`
}

// EmailSender delivers a composed email.
type EmailSender interface {
	Send(ctx context.Context, msg EmailPayload) error
}

// EmailSenderFunc adapts a function to EmailSender.
type EmailSenderFunc func(ctx context.Context, msg EmailPayload) error

// Send calls f.
func (f EmailSenderFunc) Send(ctx context.Context, msg EmailPayload) error {
	return f(ctx, msg)
}

// RegisterEmail wires the email:send handler to the given sender.
func RegisterEmail(eng *engine.Engine, sender EmailSender) {
	engine.Register(eng, job.NewDefinition(TypeEmail, func(ctx context.Context, p EmailPayload) error {
		if p.To == "" {
			return fmt.Errorf("%s: missing recipient", TypeEmail)
		}
		return sender.Send(ctx, p)
	}))
}

// EnqueueEmail enqueues an email:send job on the emails queue.
func EnqueueEmail(ctx context.Context, eng *engine.Engine, p EmailPayload, opts ...job.Option) (*job.Job, error) {
	base := []job.Option{job.WithQueue(QueueEmails)}
	return engine.Enqueue(ctx, eng, TypeEmail, p, append(base, opts...)...)
}
