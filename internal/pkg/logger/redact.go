package logger

import (
	"regexp"
	"strings"
)

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+=-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// piiKeys are field-name fragments whose values are always treated as
// addresses.
var piiKeys = []string{"email", "recipient", "address", "envelope"}

// RedactEmail masks the local part of an address and keeps the domain,
// which is what bounce triage needs.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	name, domain := email[:at], strings.ToLower(email[at+1:])
	if len(name) > 2 {
		return name[:2] + "***@" + domain
	}
	return "***@" + domain
}

// redactPIIValue masks every address in val. Fields named like an address
// are masked even when they do not parse as one.
func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	for _, k := range piiKeys {
		if strings.Contains(key, k) {
			if emailRegex.MatchString(val) {
				return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
			}
			if val == "" {
				return val
			}
			return RedactEmail(val)
		}
	}
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
