package flow

import (
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Validator checks a free-text answer and returns a user-facing message when it is rejected.
type Validator func(text string, now time.Time) (msg string, ok bool)

var birthdateRe = regexp.MustCompile(`^(\d{1,2})[/\-.](\d{1,2})[/\-.](\d{4})$`)

var validators = map[string]Validator{
	"":          acceptAll,
	"none":      acceptAll,
	"name":      validateName,
	"birthdate": validateBirthdate,
	"phone":     validatePhone,
	"email":     validateEmail,
}

func acceptAll(string, time.Time) (string, bool) { return "", true }

func validateName(text string, _ time.Time) (string, bool) {
	const msg = "Por favor escribe tu nombre usando solo letras, por ejemplo: Ana López."
	n := utf8.RuneCountInString(text)
	if n < 2 || n > 60 {
		return msg, false
	}
	letters := 0
	for _, r := range text {
		switch {
		case unicode.IsLetter(r):
			letters++
		case r == ' ' || r == '\'' || r == '-' || r == '.':
		default:
			return msg, false
		}
	}
	if letters < 2 {
		return msg, false
	}
	return "", true
}

func validateBirthdate(text string, now time.Time) (string, bool) {
	const msg = "Escribe tu fecha de nacimiento con el formato DD/MM/AAAA, por ejemplo 07/05/1990."
	m := birthdateRe.FindStringSubmatch(text)
	if m == nil {
		return msg, false
	}
	t, err := time.Parse("2/1/2006", m[1]+"/"+m[2]+"/"+m[3])
	if err != nil {
		return msg, false
	}
	if t.Year() < 1900 || t.After(now) {
		return msg, false
	}
	return "", true
}

func validatePhone(text string, _ time.Time) (string, bool) {
	const msg = "Escribe un número de teléfono de 10 dígitos, por ejemplo 55 1234 5678."
	digits := 0
	for i, r := range text {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return msg, false
		}
	}
	if digits < 10 || digits > 15 {
		return msg, false
	}
	return "", true
}

// validateEmail uses net/mail for address syntax and additionally requires a dotted domain.
func validateEmail(text string, _ time.Time) (string, bool) {
	const msg = "Ese correo no parece válido, escríbelo como nombre@dominio.com."
	addr, err := mail.ParseAddress(text)
	if err != nil || addr.Address != text {
		return msg, false
	}
	at := strings.LastIndexByte(text, '@')
	if at < 1 || !strings.Contains(text[at+1:], ".") {
		return msg, false
	}
	return "", true
}
