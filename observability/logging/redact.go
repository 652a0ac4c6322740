package logging

import "strings"

// RedactedValue is the placeholder for fully masked secrets.
const RedactedValue = "[REDACTED]"

// MaskValue fully masks a non-empty secret. Empty values pass through
// so absent configuration does not read as a hidden one.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskAddress keeps the first and last four characters of a wallet
// address so operators can recognise it without exposing the whole
// value. Short values are fully masked.
func MaskAddress(addr string) string {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return trimmed
	}
	if len(trimmed) <= 12 {
		return RedactedValue
	}
	return trimmed[:6] + "..." + trimmed[len(trimmed)-4:]
}
