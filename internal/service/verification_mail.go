package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitwise74/threadbond-api/internal/metrics"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Mailer delivers verification codes. Implementations must honour ctx.
type Mailer interface {
	SendVerificationCode(ctx context.Context, to, code string, expiresAt time.Time) error
}

type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	return &SMTPMailer{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

func (m *SMTPMailer) SendVerificationCode(ctx context.Context, to, code string, expiresAt time.Time) error {
	if to == m.from {
		return errors.New("invalid email address")
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", "Your ThreadBond verification code")
	msg.SetBody("text/html", fmt.Sprintf(
		"Your verification code is <b>%s</b>.<br><br>It expires at %s UTC. If you didn't request it you can ignore this mail.",
		code, expiresAt.UTC().Format("15:04")))

	// gomail has no context support, the dial itself is bounded by its own timeout
	done := make(chan error, 1)
	go func() {
		done <- m.dialer.DialAndSend(msg)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogMailer writes codes to the log instead of sending them. Development only.
type LogMailer struct{}

func (LogMailer) SendVerificationCode(_ context.Context, to, code string, expiresAt time.Time) error {
	zap.L().Debug("Verification code issued",
		zap.String("to", to),
		zap.String("code", code),
		zap.Time("expires_at", expiresAt))

	return nil
}

// MailDispatcher sends mails in the background. Delivery failures never
// reach the caller, they are logged and counted.
type MailDispatcher struct {
	mailer  Mailer
	timeout time.Duration
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

func NewMailDispatcher(m Mailer, timeout time.Duration, mt *metrics.Metrics) *MailDispatcher {
	return &MailDispatcher{
		mailer:  m,
		timeout: timeout,
		metrics: mt,
	}
}

func (d *MailDispatcher) Dispatch(to, code string, expiresAt time.Time) {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		err := d.mailer.SendVerificationCode(ctx, to, code, expiresAt)
		if err == nil {
			return
		}

		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}

		d.metrics.MailFailures.WithLabelValues(reason).Inc()
		zap.L().Error("Failed to send verification email",
			zap.Error(err),
			zap.String("reason", reason),
			zap.String("to", to))
	}()
}

// Wait blocks until every dispatched mail finished or gave up.
func (d *MailDispatcher) Wait() {
	d.wg.Wait()
}
