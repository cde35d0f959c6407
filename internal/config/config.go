// Package config loads AgendaBot settings from the environment.
//
// Values come from a .env file (when present) and the process environment, are decoded
// with envconfig and then completed: database paths default into the state directory.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Defaults that depend on the state directory.
const (
	DefaultStateDir           = "/var/lib/agendabot"
	DefaultAppDBFileName      = "agendabot.db"
	DefaultWhatsAppDBFileName = "whatsapp.db"
)

// Transports.
const (
	TransportWhatsmeow = "whatsmeow"
	TransportTwilio    = "twilio"
)

// Config holds all process settings.
type Config struct {
	StateDir string `envconfig:"AGENDABOT_STATE_DIR" default:"/var/lib/agendabot"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// DatabaseDSN selects the application store: empty means SQLite in StateDir,
	// "memory" keeps everything in process, a postgres URL or key=value DSN uses PostgreSQL.
	DatabaseDSN string `envconfig:"DATABASE_DSN"`
	// DatabaseURL is the legacy name of DatabaseDSN.
	DatabaseURL string `envconfig:"DATABASE_URL"`

	Transport     string `envconfig:"TRANSPORT" default:"whatsmeow"`
	WhatsAppDBDSN string `envconfig:"WHATSAPP_DB_DSN"`
	QROutput      string `envconfig:"WHATSAPP_QR_OUTPUT"`
	NumericCode   bool   `envconfig:"WHATSAPP_NUMERIC_CODE"`

	TwilioAccountSID string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFrom       string `envconfig:"TWILIO_FROM_NUMBER"`
	WebhookAddr      string `envconfig:"WEBHOOK_ADDR" default:":8080"`

	OpenAIKey   string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel string `envconfig:"OPENAI_MODEL"`
	GenAIDebug  bool   `envconfig:"GENAI_DEBUG"`

	RedisURL string `envconfig:"REDIS_URL"`

	Timezone       string        `envconfig:"TIMEZONE" default:"America/Mexico_City"`
	FlowFile       string        `envconfig:"FLOW_FILE"`
	MetricsAddr    string        `envconfig:"METRICS_ADDR"`
	ReminderPacing time.Duration `envconfig:"REMINDER_PACING" default:"5s"`
	// TypingMax caps the simulated typing pause before each reply; 0 disables it.
	TypingMax time.Duration `envconfig:"TYPING_MAX" default:"3s"`

	SendGridAPIKey   string `envconfig:"SENDGRID_API_KEY"`
	SendGridFrom     string `envconfig:"SENDGRID_FROM_EMAIL"`
	SendGridFromName string `envconfig:"SENDGRID_FROM_NAME" default:"AgendaBot"`
	OperatorEmail    string `envconfig:"OPERATOR_EMAIL"`
	OperatorBaseURL  string `envconfig:"OPERATOR_BASE_URL"`
}

// Load reads the given .env files (default ".env"), then the environment. Missing
// files are not an error.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", f, err)
			}
			slog.Debug("Config.Load: env file not found", "file", f)
		}
	}

	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	c.Resolve()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Resolve fills defaults that depend on other settings. It is idempotent and is called
// again after command-line flags change StateDir.
func (c *Config) Resolve() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.DatabaseDSN == "" {
		c.DatabaseDSN = c.DatabaseURL
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" {
		c.Transport = TransportWhatsmeow
	}
}

// AppDSN is the application store DSN; empty means the in-memory store.
func (c *Config) AppDSN() string {
	switch strings.ToLower(c.DatabaseDSN) {
	case "":
		return filepath.Join(c.StateDir, DefaultAppDBFileName)
	case "memory":
		return ""
	}
	return c.DatabaseDSN
}

// WhatsAppDSN is the whatsmeow device store DSN.
func (c *Config) WhatsAppDSN() string {
	if c.WhatsAppDBDSN != "" {
		return c.WhatsAppDBDSN
	}
	return "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// Location loads the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// SlogLevel maps LogLevel to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportWhatsmeow:
	case TransportTwilio:
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioFrom == "" {
			errs = append(errs, errors.New("twilio transport needs TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TRANSPORT %q", c.Transport))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.TypingMax < 0 {
		errs = append(errs, fmt.Errorf("TYPING_MAX must not be negative, got %s", c.TypingMax))
	}
	if c.ReminderPacing < 0 {
		errs = append(errs, fmt.Errorf("REMINDER_PACING must not be negative, got %s", c.ReminderPacing))
	}
	return errors.Join(errs...)
}
