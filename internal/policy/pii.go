package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
	phonePattern = regexp.MustCompile(`(?:\+?\d[\d()\-\s.]{7,}\d)`)
	ipv4Pattern  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	secretURL    = regexp.MustCompile(`(?i)\b(https?://)[^\s/:@]+:[^\s/@]+@`)
)

// MaskPII replaces contact details, card numbers and credentials embedded in
// free text. Feedback text is masked before it leaves the process for a model.
func MaskPII(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	masked := secretURL.ReplaceAllString(value, "${1}[credentials_redacted]@")
	masked = emailPattern.ReplaceAllString(masked, "[email_redacted]")
	masked = cardPattern.ReplaceAllStringFunc(masked, maskCardNumber)
	masked = ipv4Pattern.ReplaceAllString(masked, "[ip_redacted]")
	masked = phonePattern.ReplaceAllString(masked, "[phone_redacted]")
	return masked
}

func maskCardNumber(value string) string {
	digits := make([]rune, 0, len(value))
	for _, char := range value {
		if char >= '0' && char <= '9' {
			digits = append(digits, char)
		}
	}
	if len(digits) < 13 {
		return value
	}

	last4 := string(digits[len(digits)-4:])
	return "**** **** **** " + last4
}
