package logger

import (
	"regexp"
	"strings"
)

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// fiscalRegex matches bare or punctuated CPF/CNPJ-shaped digit runs.
var fiscalRegex = regexp.MustCompile(`\b\d{3}\.?\d{3}\.?\d{3}-?\d{2}\b|\b\d{2}\.?\d{3}\.?\d{3}/?\d{4}-?\d{2}\b`)

// RedactFiscal masks a fiscal identifier keeping only the first three
// digits: "123.456.789-09" → "123***". Non-matching values are fully masked.
func RedactFiscal(v string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, v)
	if len(digits) < 3 {
		return "***"
	}
	return digits[:3] + "***"
}

// RedactName keeps the first rune of each word: "Maria Silva" → "M*** S***".
func RedactName(v string) string {
	words := strings.Fields(v)
	for i, w := range words {
		r := []rune(w)
		if len(r) > 1 {
			words[i] = string(r[0]) + "***"
		}
	}
	return strings.Join(words, " ")
}
