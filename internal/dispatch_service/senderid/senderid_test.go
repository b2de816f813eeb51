package senderid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{"acronym kept", "Skip Pay OTP", "SkipPayOTP", true},
		{"spaces removed", "My Company", "MyCompany", true},
		{"truncated to eleven", "Very Long Company Name Here", "VeryLongCom", true},
		{"special chars removed", "Company-Name!", "Company-Nam", true},
		{"hyphen kept", "My-Company", "My-Company", true},
		{"numeric gets suffix", "123456", "123456Msg", true},
		{"numeric with hyphen gets suffix", "123-456", "123-456Msg", true},
		{"long numeric cut to eight", "123456789012", "12345678Msg", true},
		{"empty", "", "", false},
		{"only spaces", "   ", "", false},
		{"only special chars", "!@#$%", "", false},
		{"edge hyphens stripped", "-Company-", "Company", true},
		{"edge specials stripped", "!@Company Name#$", "CompanyName", true},
		{"alnum untouched", "Company123", "Company123", true},
		{"mixed hyphenated", "Test-123-Name", "Test-123-Na", true},
		{"config fallback", "Default Company", "DefaultComp", true},
		{"lower case word capitalized", "skip pay", "SkipPay", true},
		{"long upper word capitalized", "COMPANY", "Company", true},
		{"hyphen exposed by truncation", "Abcdefghij-klm", "Abcdefghij", true},
		{"non ascii letters dropped", "Café Ñandú", "Cafand", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Sanitize(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSanitize_OutputShape(t *testing.T) {
	inputs := []string{
		"Skip Pay OTP", "--a--", "0-0-0-0-0-0-0", "Ünïcödé Name", "A B C D E F G H I J K L",
		"x", "9", "____", "a_b_c", "1234567-89",
	}
	for _, in := range inputs {
		got, ok := Sanitize(in)
		if !ok {
			continue
		}
		assert.LessOrEqual(t, len(got), MaxLength, in)
		assert.Regexp(t, `^[A-Za-z0-9][A-Za-z0-9-]*$`, got, in)
		assert.Regexp(t, `[A-Za-z0-9]$`, got, in)
		assert.Regexp(t, `[A-Za-z]`, got, in)
	}
}
