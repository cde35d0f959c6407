package store

import (
	"encoding/json"
	"log/slog"

	"github.com/Hugoapk93/agendabot/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func encodeHistory(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeHistory never fails: unreadable history becomes an empty map.
func decodeHistory(id string, raw []byte) map[string]string {
	h := make(map[string]string)
	if len(raw) == 0 {
		return h
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		slog.Error("store.decodeHistory: malformed history, using empty", "id", id, "error", err)
		return make(map[string]string)
	}
	return h
}

// decodeSchedule never fails: unreadable config becomes the default.
func decodeSchedule(raw []byte) models.ScheduleConfig {
	if len(raw) == 0 {
		return models.DefaultScheduleConfig()
	}
	cfg := models.DefaultScheduleConfig()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		slog.Error("store.decodeSchedule: malformed schedule config, using defaults", "error", err)
		return models.DefaultScheduleConfig()
	}
	return cfg
}
