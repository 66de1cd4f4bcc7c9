package conn

import "strings"

// NormalizeAddress lower-cases a MAIL FROM / RCPT TO value and strips
// surrounding angle brackets and whitespace, per spec §4.2.
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	s = strings.TrimSpace(s)
	return strings.ToLower(s)
}
