package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Hugoapk93/agendabot/internal/config"
	"github.com/Hugoapk93/agendabot/internal/lockfile"
	"github.com/Hugoapk93/agendabot/internal/messaging"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot (default command)",
	Long:  `Connects to WhatsApp, answers contacts through the flow and runs the daily reminder.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	addServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("transport", "", "whatsmeow or twilio (overrides $TRANSPORT)")
	cmd.Flags().String("qr-output", "", "path to write the login QR code")
	cmd.Flags().Bool("numeric-code", false, "use a numeric pairing code instead of a QR code")
	cmd.Flags().String("metrics-addr", "", "address serving /metrics (overrides $METRICS_ADDR)")
	cmd.Flags().String("webhook-addr", "", "address serving the Twilio webhook (overrides $WEBHOOK_ADDR)")
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	if v, _ := cmd.Flags().GetString("transport"); v != "" {
		cfg.Transport = v
	}
	if v, _ := cmd.Flags().GetString("qr-output"); v != "" {
		cfg.QROutput = v
	}
	if v, _ := cmd.Flags().GetBool("numeric-code"); v {
		cfg.NumericCode = true
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
	if v, _ := cmd.Flags().GetString("webhook-addr"); v != "" {
		cfg.WebhookAddr = v
	}
	cfg.Resolve()
	return cfg.Validate()
}

func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}

	lock, err := lockfile.Acquire(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	msg, closeTransport, err := openTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTransport()

	a, err := newApp(ctx, cfg, msg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := msg.Start(ctx); err != nil {
		return fmt.Errorf("start messaging: %w", err)
	}
	a.handler.Start(ctx)

	if err := a.recoverState(ctx); err != nil {
		slog.Warn("Recovery finished with errors", "error", err)
	}
	if err := a.reminder.Start(ctx); err != nil {
		return err
	}

	servers := a.httpServers()
	serverErrors := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			slog.Info("HTTP server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	slog.Info("AgendaBot running", "transport", cfg.Transport, "steps", len(a.flows.All().IDs))
	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			slog.Info("Shutdown signal received")
			break loop
		case <-reload:
			if err := a.flows.Reload(); err == nil {
				slog.Info("Flow reloaded", "steps", len(a.flows.All().IDs))
			}
		case runErr = <-serverErrors:
			slog.Error("HTTP server failed", "error", runErr)
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP server did not shut down cleanly", "addr", srv.Addr, "error", err)
		}
	}
	a.reminder.Stop()
	if err := msg.Stop(); err != nil {
		slog.Warn("Messaging stop failed", "error", err)
	}
	a.handler.Wait()
	slog.Info("AgendaBot stopped")
	return runErr
}

// httpServers builds the webhook and metrics servers, sharing one listener when both
// use the same address.
func (a *app) httpServers() []*http.Server {
	muxes := map[string]*http.ServeMux{}
	order := []string{}
	mux := func(addr string) *http.ServeMux {
		if m, ok := muxes[addr]; ok {
			return m
		}
		m := http.NewServeMux()
		m.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		muxes[addr] = m
		order = append(order, addr)
		return m
	}

	if tw, ok := a.msg.(*messaging.TwilioService); ok && a.cfg.WebhookAddr != "" {
		mux(a.cfg.WebhookAddr).HandleFunc("/twilio/webhook", tw.TwilioWebhookHandler)
	}
	if a.cfg.MetricsAddr != "" {
		mux(a.cfg.MetricsAddr).Handle("/metrics", a.metrics.Handler())
	}

	servers := make([]*http.Server, 0, len(order))
	for _, addr := range order {
		servers = append(servers, &http.Server{Addr: addr, Handler: muxes[addr], ReadHeaderTimeout: 10 * time.Second})
	}
	return servers
}
