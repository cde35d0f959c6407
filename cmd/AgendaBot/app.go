package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Hugoapk93/agendabot/internal/booking"
	"github.com/Hugoapk93/agendabot/internal/config"
	"github.com/Hugoapk93/agendabot/internal/datetime"
	"github.com/Hugoapk93/agendabot/internal/flow"
	"github.com/Hugoapk93/agendabot/internal/flowconfig"
	"github.com/Hugoapk93/agendabot/internal/genai"
	"github.com/Hugoapk93/agendabot/internal/messaging"
	"github.com/Hugoapk93/agendabot/internal/metrics"
	"github.com/Hugoapk93/agendabot/internal/models"
	"github.com/Hugoapk93/agendabot/internal/notify"
	"github.com/Hugoapk93/agendabot/internal/recovery"
	"github.com/Hugoapk93/agendabot/internal/reminder"
	"github.com/Hugoapk93/agendabot/internal/session"
	"github.com/Hugoapk93/agendabot/internal/store"
	"github.com/Hugoapk93/agendabot/internal/twiliowhatsapp"
	"github.com/Hugoapk93/agendabot/internal/whatsapp"
	"github.com/prometheus/client_golang/prometheus"
)

// app holds the assembled components of one process.
type app struct {
	cfg      *config.Config
	loc      *time.Location
	store    store.Store
	flows    *flowconfig.Repo
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	msg      messaging.Service
	engine   *flow.Engine
	handler  *messaging.ResponseHandler
	reminder *reminder.Scheduler

	closers []func()
}

// openTransport connects the configured WhatsApp transport.
func openTransport(ctx context.Context, cfg *config.Config) (messaging.Service, func(), error) {
	switch cfg.Transport {
	case config.TransportTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), func() {}, nil
	default:
		opts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDSN())}
		if cfg.QROutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(cfg.QROutput))
		}
		if cfg.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), client.Disconnect, nil
	}
}

// newApp wires storage, the flow engine and the reminder scheduler around msg.
func newApp(ctx context.Context, cfg *config.Config, msg messaging.Service) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, loc: loc, msg: msg, registry: prometheus.NewRegistry()}
	a.metrics = metrics.New(a.registry)

	a.store, err = store.Open(cfg.AppDSN())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := a.store.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	})

	a.flows, err = flowconfig.NewRepo(cfg.FlowFile)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load flow: %w", err)
	}

	sessions, err := newSessionManager(cfg, a)
	if err != nil {
		a.Close()
		return nil, err
	}

	book := booking.NewBook(a.store, a.store, newExtractor(cfg), booking.WithLocation(loc))

	a.engine = flow.NewEngine(sessions, a.flows, msg,
		flow.WithBook(book),
		flow.WithSchedule(a.store),
		flow.WithContacts(a.store),
		flow.WithNotifier(newNotifier(cfg)),
		flow.WithMetrics(a.metrics),
		flow.WithLocation(loc),
		flow.WithTyping(flow.DefaultTypingPerChar, cfg.TypingMax),
	)
	a.handler = messaging.NewResponseHandler(msg, a.engine, a.store)
	a.reminder = reminder.New(a.store, a.store, a.engine,
		reminder.WithLocation(loc),
		reminder.WithPacing(cfg.ReminderPacing),
		reminder.WithMetrics(a.metrics),
	)
	return a, nil
}

func newSessionManager(cfg *config.Config, a *app) (*session.Manager, error) {
	if cfg.RedisURL == "" {
		return session.NewManager(a.store), nil
	}
	client, err := session.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { client.Close() })
	slog.Info("Using Redis session locks")
	return session.NewManager(a.store, session.WithLocker(session.NewRedisLocker(client, "agendabot:"))), nil
}

// newExtractor tries the Spanish rules first and asks the model only when they fail.
func newExtractor(cfg *config.Config) datetime.Chain {
	chain := datetime.Chain{datetime.NewRuleExtractor()}
	if cfg.OpenAIKey == "" {
		return chain
	}
	opts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey)}
	if cfg.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(cfg.OpenAIModel))
	}
	if cfg.GenAIDebug {
		opts = append(opts, genai.WithDebug(cfg.StateDir))
	}
	client, err := genai.NewClient(opts...)
	if err != nil {
		slog.Warn("GenAI client unavailable, date extraction uses rules only", "error", err)
		return chain
	}
	return append(chain, datetime.NewLLMExtractor(client))
}

func newNotifier(cfg *config.Config) notify.Notifier {
	targets := notify.Multi{notify.LogNotifier{}}
	sg := notify.NewSendGridNotifier(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFrom,
		FromName:  cfg.SendGridFromName,
		ToEmail:   cfg.OperatorEmail,
		BaseURL:   cfg.OperatorBaseURL,
	})
	if sg != nil {
		targets = append(targets, sg)
	}
	return targets
}

// recoverState re-arms the auto-advances interrupted by the previous shutdown.
func (a *app) recoverState(ctx context.Context) error {
	m := recovery.NewManager(a.store)
	m.Register(recovery.NewAutoAdvance(a.engine))
	m.Register(recovery.Func(a.checkMissedReminder))
	return m.RecoverAll(ctx)
}

// checkMissedReminder warns when the process was down at today's fire time.
func (a *app) checkMissedReminder(ctx context.Context, _ *recovery.Registry) error {
	cfg, err := a.store.GetSchedule(ctx)
	if err != nil {
		return err
	}
	rc := cfg.Reminder
	now := time.Now().In(a.loc)
	if rc.Active && rc.LastRunDate != now.Format(models.DateLayout) && now.Format(models.TimeLayout) > rc.FireTime {
		slog.Warn("Today's reminder sweep was missed; run `agendabot remind` to send it",
			"fire_time", rc.FireTime, "last_run", rc.LastRunDate)
	}
	return nil
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
