// Package notify delivers outbound mail: participant card confirmations as
// they are issued and officer daily digests. Delivery runs through a worker
// pool behind a circuit breaker; the attendance pipeline never blocks on mail.
package notify

import (
	"context"
	"fmt"
	"log"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer sends a single message. Implementations: LogMailer for development
// and tests, plus whatever SMTP/API relay the deployment wires in.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the process log instead of sending them.
type LogMailer struct {
	logger *log.Logger
}

// NewLogMailer creates a log-only mailer.
func NewLogMailer() *LogMailer {
	return &LogMailer{logger: log.New(log.Writer(), "[MAIL] ", log.LstdFlags)}
}

// Send logs the message.
func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Printf("To: %s | %s", msg.To, msg.Subject)
	return nil
}

// BreakerMailer wraps a Mailer with a circuit breaker so a dead relay fails
// fast instead of tying up delivery workers.
type BreakerMailer struct {
	inner   Mailer
	breaker *Breaker
}

// NewBreakerMailer wraps inner with the given breaker.
func NewBreakerMailer(inner Mailer, breaker *Breaker) *BreakerMailer {
	return &BreakerMailer{inner: inner, breaker: breaker}
}

// Send forwards through the breaker.
func (m *BreakerMailer) Send(ctx context.Context, msg Message) error {
	if err := m.breaker.Allow(); err != nil {
		return fmt.Errorf("mail to %s: %w", msg.To, err)
	}
	err := m.inner.Send(ctx, msg)
	m.breaker.Record(err == nil)
	return err
}
