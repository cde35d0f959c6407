package datetime

import (
	"context"
	"errors"
	"testing"
	"time"
)

var mx = func() *time.Location {
	loc, err := time.LoadLocation("America/Mexico_City")
	if err != nil {
		return time.FixedZone("CST", -6*3600)
	}
	return loc
}()

func TestRuleExtractor(t *testing.T) {
	// Sunday 2026-03-01 10:00
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, mx)
	cases := []struct {
		text string
		want Result
	}{
		{"el 15 de marzo a las 4:30 pm", Result{"2026-03-15", "16:30"}},
		{"15 de marzo de 2027 a las 10", Result{"2027-03-15", "10:00"}},
		{"2026-04-02 16:00", Result{"2026-04-02", "16:00"}},
		{"el 20/03 a las 11:30", Result{"2026-03-20", "11:30"}},
		{"20/03/27", Result{"2027-03-20", ""}},
		{"mañana a las 10 de la mañana", Result{"2026-03-02", "10:00"}},
		{"pasado mañana", Result{"2026-03-03", ""}},
		{"hoy a las 5", Result{"2026-03-01", "17:00"}},
		{"el lunes", Result{"2026-03-02", ""}},
		{"el domingo al mediodía", Result{"2026-03-01", "12:00"}},
		{"4:45", Result{"", "16:45"}},
		{"4 y media de la tarde", Result{"", "16:30"}},
		{"a las 9", Result{"", "09:00"}},
		{"10 am", Result{"", "10:00"}},
		{"12 a.m.", Result{"", "00:00"}},
		{"el 10 de febrero", Result{"2027-02-10", ""}},
		{"el 31/02", Result{"", ""}},
		{"hola quiero una cita", Result{"", ""}},
	}
	ex := NewRuleExtractor()
	for _, c := range cases {
		got, err := ex.Parse(context.Background(), c.text, now)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", c.text, err)
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %+v, want %+v", c.text, got, c.want)
		}
	}
}

type fakePrompter struct {
	reply string
	err   error
	calls int
}

func (f *fakePrompter) GeneratePrompt(ctx context.Context, sys, user string) (string, error) {
	f.calls++
	return f.reply, f.err
}

func TestLLMExtractor(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, mx)
	cases := map[string]Result{
		`{"date":"2026-03-15","time":"16:30"}`:                 {"2026-03-15", "16:30"},
		"```json\n{\"date\":\"2026-03-15\",\"time\":\"\"}\n```": {"2026-03-15", ""},
		`{"date":"15 de marzo","time":"4pm"}`:                  {"", ""},
		`no entiendo`:                                          {"", ""},
	}
	for reply, want := range cases {
		got, err := NewLLMExtractor(&fakePrompter{reply: reply}).Parse(context.Background(), "x", now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Errorf("reply %q: got %+v, want %+v", reply, got, want)
		}
	}

	if _, err := NewLLMExtractor(&fakePrompter{err: errors.New("boom")}).Parse(context.Background(), "x", now); err == nil {
		t.Error("expected error from failing prompter")
	}
}

func TestChainFillsMissingFields(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, mx)
	llm := &fakePrompter{reply: `{"date":"2026-03-09","time":"12:00"}`}
	chain := Chain{NewRuleExtractor(), NewLLMExtractor(llm)}

	got, _ := chain.Parse(context.Background(), "a las 4:30", now)
	if got.Time != "16:30" || got.Date != "2026-03-09" {
		t.Errorf("unexpected merge %+v", got)
	}

	llm.calls = 0
	got, _ = chain.Parse(context.Background(), "hoy a las 11:00", now)
	if !got.Complete() || llm.calls != 0 {
		t.Errorf("expected rule result without LLM call, got %+v calls=%d", got, llm.calls)
	}

	failing := Chain{NewLLMExtractor(&fakePrompter{err: errors.New("down")}), NewRuleExtractor()}
	got, err := failing.Parse(context.Background(), "mañana", now)
	if err != nil || got.Date != "2026-03-02" {
		t.Errorf("expected failing extractor to be skipped, got %+v err=%v", got, err)
	}
}
