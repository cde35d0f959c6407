package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var managedVars = []string{
	"AGENDABOT_STATE_DIR", "LOG_LEVEL", "DATABASE_DSN", "DATABASE_URL", "TRANSPORT",
	"WHATSAPP_DB_DSN", "TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER",
	"TIMEZONE", "REMINDER_PACING", "OPENAI_API_KEY",
}

// clearEnv unsets the variables Load reads; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range managedVars {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	c, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.StateDir != DefaultStateDir {
		t.Errorf("StateDir = %q", c.StateDir)
	}
	if got, want := c.AppDSN(), filepath.Join(DefaultStateDir, DefaultAppDBFileName); got != want {
		t.Errorf("AppDSN = %q, want %q", got, want)
	}
	if got, want := c.WhatsAppDSN(), "file:"+filepath.Join(DefaultStateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on"; got != want {
		t.Errorf("WhatsAppDSN = %q, want %q", got, want)
	}
	if c.Transport != TransportWhatsmeow || c.ReminderPacing != 5*time.Second || c.WebhookAddr != ":8080" {
		t.Errorf("unexpected defaults %+v", c)
	}
	if loc, err := c.Location(); err != nil || loc.String() != "America/Mexico_City" {
		t.Errorf("Location = %v, %v", loc, err)
	}
	if c.SlogLevel() != slog.LevelInfo {
		t.Errorf("SlogLevel = %v", c.SlogLevel())
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "AGENDABOT_STATE_DIR=/tmp/agenda\nLOG_LEVEL=debug\nREMINDER_PACING=1s\nTIMEZONE=UTC\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TIMEZONE", "America/Bogota")

	c, err := Load(envFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.StateDir != "/tmp/agenda" || c.ReminderPacing != time.Second {
		t.Errorf("env file values not applied: %+v", c)
	}
	if c.Timezone != "America/Bogota" {
		t.Errorf("process environment must win over .env, got %q", c.Timezone)
	}
	if c.SlogLevel() != slog.LevelDebug {
		t.Errorf("SlogLevel = %v", c.SlogLevel())
	}
	if c.AppDSN() != "/tmp/agenda/agendabot.db" {
		t.Errorf("AppDSN = %q", c.AppDSN())
	}
}

func TestDatabaseDSNSelection(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"legacy url", Config{DatabaseURL: "postgres://u:p@db/agenda"}, "postgres://u:p@db/agenda"},
		{"dsn wins", Config{DatabaseDSN: "/data/a.db", DatabaseURL: "postgres://x"}, "/data/a.db"},
		{"memory", Config{DatabaseDSN: "memory"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.cfg
			c.Resolve()
			if got := c.AppDSN(); got != tt.want {
				t.Errorf("AppDSN = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRANSPORT", "Twilio")
	_, err := Load(filepath.Join(t.TempDir(), "none.env"))
	if err == nil || !strings.Contains(err.Error(), "TWILIO_ACCOUNT_SID") {
		t.Errorf("expected missing twilio credentials error, got %v", err)
	}

	c := Config{Transport: "telegram", Timezone: "Mars/Olympus"}
	err = c.Validate()
	if err == nil || !strings.Contains(err.Error(), "telegram") || !strings.Contains(err.Error(), "TIMEZONE") {
		t.Errorf("expected transport and timezone errors, got %v", err)
	}

	ok := Config{Transport: TransportTwilio, Timezone: "UTC", TwilioAccountSID: "AC1", TwilioAuthToken: "t", TwilioFrom: "+1555"}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
