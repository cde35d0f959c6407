package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hugoapk93/agendabot/internal/lockfile"
	"github.com/spf13/cobra"
)

var remindCmd = &cobra.Command{
	Use:   "remind",
	Short: "Send today's appointment reminders now",
	Long: `Runs the daily reminder sweep once, regardless of the configured fire time, and
records it so the scheduled sweep does not repeat it today. The bot must not be running.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRemind(cmd)
	},
}

func init() {
	remindCmd.Flags().String("transport", "", "whatsmeow or twilio (overrides $TRANSPORT)")
	rootCmd.AddCommand(remindCmd)
}

func runRemind(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("transport"); v != "" {
		cfg.Transport = v
		cfg.Resolve()
	}
	if err := cfg.Validate(); err != nil {
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

	sent, err := a.reminder.RunNow(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "Reminders sent: %d\n", sent)
	return err
}
