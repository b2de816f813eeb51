// Package content prepares message bodies before they are stored.
package content

import (
	"regexp"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold strips combining marks so "Příliš žluťoučký" becomes "Prilis zlutoucky".
// Characters without a decomposition are left as they are.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

var placeholderRe = regexp.MustCompile(`{{\s*([A-Za-z0-9_.-]+)\s*}}`)

// Render replaces {{key}} placeholders with values from data. Unknown keys render empty.
func Render(body string, data map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(body, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		return data[key]
	})
}
