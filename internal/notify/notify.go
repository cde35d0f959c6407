// Package notify delivers operator notifications (new inbound messages, approval requests).
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// DefaultAsyncTimeout bounds a single background delivery.
const DefaultAsyncTimeout = 10 * time.Second

// Notifier sends a short notification to the human operator.
type Notifier interface {
	Notify(ctx context.Context, title, body, deepLink string) error
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct{}

// Notify logs the notification at info level.
func (LogNotifier) Notify(_ context.Context, title, body, deepLink string) error {
	slog.Info("LogNotifier.Notify", "title", title, "body", body, "link", deepLink)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify delivers to all notifiers, continuing past failures.
func (m Multi) Notify(ctx context.Context, title, body, deepLink string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, title, body, deepLink); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async delivers notifications on background goroutines so callers never wait on the network.
type Async struct {
	next    Notifier
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsync wraps next; a non-positive timeout uses DefaultAsyncTimeout.
func NewAsync(next Notifier, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = DefaultAsyncTimeout
	}
	return &Async{next: next, timeout: timeout}
}

// Notify schedules delivery and returns immediately. Delivery errors are logged.
func (a *Async) Notify(ctx context.Context, title, body, deepLink string) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.Notify(dctx, title, body, deepLink); err != nil {
			slog.Warn("Async.Notify: delivery failed", "title", title, "error", err)
		}
	}()
	return nil
}

// Wait blocks until all scheduled deliveries finished.
func (a *Async) Wait() {
	a.wg.Wait()
}

// mailClient is the part of the SendGrid client the notifier uses.
type mailClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*sendgridResponse, error)
}

// sendgridResponse mirrors the fields of the SendGrid REST response we inspect.
type sendgridResponse struct {
	StatusCode int
	Body       string
}

type sendgridClientAdapter struct {
	client *sendgrid.Client
}

func (a sendgridClientAdapter) SendWithContext(ctx context.Context, email *mail.SGMailV3) (*sendgridResponse, error) {
	resp, err := a.client.SendWithContext(ctx, email)
	if err != nil {
		return nil, err
	}
	return &sendgridResponse{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

// SendGridConfig holds the e-mail notifier settings.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	ToEmail   string
	// BaseURL is prefixed to relative deep links in the e-mail body.
	BaseURL string
}

// SendGridNotifier e-mails notifications to the operator through SendGrid.
type SendGridNotifier struct {
	client mailClient
	cfg    SendGridConfig
}

// NewSendGridNotifier returns nil when no API key or recipient is configured.
func NewSendGridNotifier(cfg SendGridConfig) *SendGridNotifier {
	if cfg.APIKey == "" || cfg.ToEmail == "" {
		return nil
	}
	if cfg.FromName == "" {
		cfg.FromName = "AgendaBot"
	}
	return &SendGridNotifier{
		client: sendgridClientAdapter{client: sendgrid.NewSendClient(cfg.APIKey)},
		cfg:    cfg,
	}
}

// Notify sends one plain-text e-mail.
func (s *SendGridNotifier) Notify(ctx context.Context, title, body, deepLink string) error {
	from := mail.NewEmail(s.cfg.FromName, s.cfg.FromEmail)
	to := mail.NewEmail("", s.cfg.ToEmail)
	text := body
	if deepLink != "" {
		text = fmt.Sprintf("%s\n\n%s%s", body, s.cfg.BaseURL, deepLink)
	}
	message := mail.NewSingleEmail(from, title, to, text, "")

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		slog.Error("SendGridNotifier.Notify: error status", "status", resp.StatusCode, "body", resp.Body)
		return fmt.Errorf("sendgrid returned status %d", resp.StatusCode)
	}
	slog.Debug("SendGridNotifier.Notify: sent", "title", title, "status", resp.StatusCode)
	return nil
}
