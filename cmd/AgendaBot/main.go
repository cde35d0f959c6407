// Command agendabot runs the WhatsApp appointment bot.
package main

import (
	"fmt"
	"log/slog"
	"os"

	_ "time/tzdata"

	"github.com/Hugoapk93/agendabot/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agendabot",
	Short: "AgendaBot is a scripted WhatsApp assistant that books appointments",
	Long: `AgendaBot walks WhatsApp contacts through a configurable conversation flow,
books appointment slots and sends a daily reminder to everybody with an appointment.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file read before the environment")
	rootCmd.PersistentFlags().String("state-dir", "", "state directory for databases and the lock file (overrides $AGENDABOT_STATE_DIR)")
	rootCmd.PersistentFlags().String("flow", "", "flow definition file, YAML or JSON (overrides $FLOW_FILE)")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error (overrides $LOG_LEVEL)")
	addServeFlags(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("state-dir"); v != "" {
		cfg.StateDir = v
	}
	if v, _ := cmd.Flags().GetString("flow"); v != "" {
		cfg.FlowFile = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	cfg.Resolve()
	initializeLogger(cfg.SlogLevel())
	slog.Debug("Configuration loaded",
		"state_dir", cfg.StateDir,
		"transport", cfg.Transport,
		"app_dsn_set", cfg.AppDSN() != "",
		"flow_file", cfg.FlowFile,
		"timezone", cfg.Timezone,
		"redis_set", cfg.RedisURL != "",
		"openai_set", cfg.OpenAIKey != "",
		"sendgrid_set", cfg.SendGridAPIKey != "",
		"metrics_addr", cfg.MetricsAddr)
	return cfg, nil
}

// initializeLogger installs the default text logger at the given level.
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
