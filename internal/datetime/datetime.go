// Package datetime extracts appointment dates and times from free-text Spanish messages.
package datetime

import (
	"context"
	"log/slog"
	"time"
)

// Result holds a normalized date (YYYY-MM-DD) and time (HH:MM). Empty means not found.
type Result struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

// Complete reports whether both fields are set.
func (r Result) Complete() bool { return r.Date != "" && r.Time != "" }

// Extractor parses text relative to now. now carries the reference timezone.
type Extractor interface {
	Parse(ctx context.Context, text string, now time.Time) (Result, error)
}

// Chain tries extractors in order, filling whichever field is still empty.
type Chain []Extractor

// Parse implements Extractor. Errors from individual extractors are logged and skipped.
func (c Chain) Parse(ctx context.Context, text string, now time.Time) (Result, error) {
	var out Result
	for _, ex := range c {
		if out.Complete() {
			break
		}
		r, err := ex.Parse(ctx, text, now)
		if err != nil {
			slog.Warn("Chain.Parse: extractor failed", "error", err)
			continue
		}
		if out.Date == "" {
			out.Date = r.Date
		}
		if out.Time == "" {
			out.Time = r.Time
		}
	}
	return out, nil
}
