package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"host\nFAKE ENTRY", "host FAKE ENTRY"},
		{"a\r\tb", "a  b"},
		{"bell\x07esc\x1b[31m", "bellesc[31m"},
		{"ünïcode", "ünïcode"},
	}
	for _, tt := range tests {
		if got := SanitizeForLog(tt.in); got != tt.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
