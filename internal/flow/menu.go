package flow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Hugoapk93/agendabot/internal/fuzzy"
	"github.com/Hugoapk93/agendabot/internal/models"
)

type matchResult int

const (
	matchNone matchResult = iota
	matchOK
	matchAmbiguous
)

const ambiguousReply = "Tu respuesta coincide con varias opciones. ¿Puedes ser más específico o responder con el número?"

// resolveOption picks a menu option: numeric index first, then a fuzzy match on the
// trigger or label, then a unique substring of a label.
func resolveOption(options []models.Option, text string) (int, matchResult) {
	text = strings.TrimSpace(text)
	if text == "" || len(options) == 0 {
		return -1, matchNone
	}
	if n, err := strconv.Atoi(text); err == nil {
		if n >= 1 && n <= len(options) {
			return n - 1, matchOK
		}
		return -1, matchNone
	}

	for i, o := range options {
		if o.Trigger != "" && fuzzy.IsSimilar(text, o.Trigger) {
			return i, matchOK
		}
		if fuzzy.IsSimilar(text, o.Label) {
			return i, matchOK
		}
	}

	norm := fuzzy.Normalize(text)
	found := -1
	for i, o := range options {
		if strings.Contains(fuzzy.Normalize(o.Label), norm) {
			if found >= 0 {
				return -1, matchAmbiguous
			}
			found = i
		}
	}
	if found >= 0 {
		return found, matchOK
	}
	return -1, matchNone
}

// menuLines renders options as numbered lines.
func menuLines(options []models.Option) string {
	var b strings.Builder
	for i, o := range options {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, o.Label)
	}
	return b.String()
}

func invalidOptionReply(options []models.Option) string {
	return "No reconocí esa opción. Responde con el número de la opción:\n" + menuLines(options)
}
