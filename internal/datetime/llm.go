package datetime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Hugoapk93/agendabot/internal/models"
)

// Prompter is the subset of the GenAI client used by LLMExtractor.
type Prompter interface {
	GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const llmSystemPrompt = `Eres un asistente que extrae fechas y horas de mensajes en español para agendar citas.
Hoy es %s (%s), zona horaria %s.
Responde solo con JSON: {"date":"YYYY-MM-DD","time":"HH:MM"} usando 24 horas.
Deja el campo vacío ("") si el mensaje no menciona fecha u hora.`

// LLMExtractor asks a chat model for the date and time.
type LLMExtractor struct {
	client Prompter
}

// NewLLMExtractor creates an extractor backed by the given client.
func NewLLMExtractor(client Prompter) *LLMExtractor {
	return &LLMExtractor{client: client}
}

// Parse implements Extractor. Malformed model output yields an empty Result.
func (e *LLMExtractor) Parse(ctx context.Context, text string, now time.Time) (Result, error) {
	sys := fmt.Sprintf(llmSystemPrompt, now.Format(models.DateLayout), spanishWeekday(now.Weekday()), now.Location())
	out, err := e.client.GeneratePrompt(ctx, sys, text)
	if err != nil {
		return Result{}, fmt.Errorf("llm extract: %w", err)
	}
	return decodeLLMResult(out), nil
}

func decodeLLMResult(out string) Result {
	start, end := strings.Index(out, "{"), strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		slog.Debug("LLMExtractor: no JSON object in reply", "reply", out)
		return Result{}
	}
	var r Result
	if err := json.Unmarshal([]byte(out[start:end+1]), &r); err != nil {
		slog.Debug("LLMExtractor: malformed reply", "reply", out, "error", err)
		return Result{}
	}
	if !models.ValidDate(r.Date) {
		r.Date = ""
	}
	if !models.ValidTime(r.Time) {
		r.Time = ""
	}
	return r
}

func spanishWeekday(d time.Weekday) string {
	for name, wd := range weekdays {
		if wd == d {
			return name
		}
	}
	return ""
}
