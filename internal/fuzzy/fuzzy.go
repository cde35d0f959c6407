// Package fuzzy provides the lightweight approximate text matching used for menu
// selections and global keyword jumps.
package fuzzy

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MinFuzzyLength is the normalized keyword length below which only exact matches count.
const MinFuzzyLength = 4

// Normalize case-folds, strips diacritics and trims surrounding whitespace.
func Normalize(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, text)
	if err != nil {
		out = text
	}
	return strings.TrimSpace(strings.ToLower(out))
}

// IsSimilar reports whether input approximately matches keyword.
//
// Keywords shorter than MinFuzzyLength must match exactly. Longer keywords match when
// contained in the input or when a bounded two-pointer scan finds at most len/3
// mismatches. The scan is directional: IsSimilar(a, b) may differ from IsSimilar(b, a).
func IsSimilar(input, keyword string) bool {
	in := []rune(Normalize(input))
	kw := []rune(Normalize(keyword))

	if string(in) == string(kw) {
		return true
	}
	if len(kw) < MinFuzzyLength {
		return false
	}
	if strings.Contains(string(in), string(kw)) {
		return true
	}

	maxErrors := len(kw) / 3
	diff := len(in) - len(kw)
	if diff < 0 {
		diff = -diff
	}
	if diff > maxErrors {
		return false
	}

	errs := 0
	i, j := 0, 0
	for i < len(in) && j < len(kw) {
		if in[i] == kw[j] {
			i++
			j++
			continue
		}
		errs++
		if errs > maxErrors {
			return false
		}
		switch {
		case len(in) > len(kw):
			i++
		case len(kw) > len(in):
			j++
		default:
			i++
			j++
		}
	}
	return true
}

// MatchAny returns the first keyword similar to input.
func MatchAny(input string, keywords []string) (string, bool) {
	for _, k := range keywords {
		if IsSimilar(input, k) {
			return k, true
		}
	}
	return "", false
}
