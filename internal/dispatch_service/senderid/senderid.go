// Package senderid turns free-form display names into alphanumeric SMS sender identifiers.
package senderid

import (
	"strings"
	"unicode"
)

const (
	// MaxLength is the longest sender id carriers accept.
	MaxLength = 11
	// numericLength is how much of an all-digit id is kept before the suffix is added.
	numericLength = 8
	numericSuffix = "Msg"
	acronymLength = 4
)

// Sanitize derives a sender identifier from name. The second result is false when nothing
// usable is left, in which case callers should not send a sender id at all.
func Sanitize(name string) (string, bool) {
	tokens := strings.FieldsFunc(name, func(r rune) bool { return !isWordRune(r) })

	var b strings.Builder
	for _, token := range tokens {
		b.WriteString(normalizeToken(token))
	}

	id := strings.Map(func(r rune) rune {
		if isASCIIAlnum(r) || r == '-' {
			return r
		}
		return -1
	}, b.String())
	id = trimNonAlnum(id)
	if id == "" {
		return "", false
	}

	if len(id) > MaxLength {
		id = trimNonAlnum(id[:MaxLength])
	}
	if !strings.ContainsFunc(id, isASCIILetter) {
		if len(id) > numericLength {
			id = id[:numericLength]
		}
		id += numericSuffix
	}
	return id, true
}

func normalizeToken(token string) string {
	if strings.Contains(token, "-") {
		parts := strings.Split(token, "-")
		for i, p := range parts {
			parts[i] = capitalize(p)
		}
		return strings.Join(parts, "-")
	}
	if isAcronym(token) {
		return token
	}
	return capitalize(token)
}

// isAcronym keeps short upper-case tokens such as "OTP" or "SMS" as written.
func isAcronym(token string) bool {
	if len([]rune(token)) > acronymLength {
		return false
	}
	cased := false
	for _, r := range token {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			cased = true
		}
	}
	return cased
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(strings.ToLower(s))
	runes[0] = unicode.ToTitle(runes[0])
	return string(runes)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-'
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isASCIIAlnum(r rune) bool {
	return isASCIILetter(r) || (r >= '0' && r <= '9')
}

func trimNonAlnum(s string) string {
	return strings.TrimFunc(s, func(r rune) bool { return !isASCIIAlnum(r) })
}
