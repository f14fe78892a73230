package logutil

import "strings"

// SanitizeForLog flattens user-provided strings (hosts, usernames, gateway
// messages) onto one line so they cannot forge extra log entries.
func SanitizeForLog(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case r < 32 || r == 127:
			return -1
		}
		return r
	}, s)
}
