package llm

import (
	"strings"

	"golang.org/x/net/html"
)

// StripMarkup removes HTML/SGML tags from model output and trims the result.
// Entities are decoded; text between tags is kept.
func StripMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}

	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(sb.String())
		case html.TextToken:
			sb.Write(z.Text())
		}
	}
}
