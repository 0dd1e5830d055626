package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("MAILPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("MAILPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("MAILPIPE_TEST_INT", " 5 ")
	if got := ParseIntEnv("MAILPIPE_TEST_INT", 3); got != 5 {
		t.Errorf("ParseIntEnv = %d, want 5", got)
	}
	t.Setenv("MAILPIPE_TEST_INT", "five")
	if got := ParseIntEnv("MAILPIPE_TEST_INT", 3); got != 3 {
		t.Errorf("ParseIntEnv(invalid) = %d, want default 3", got)
	}
	t.Setenv("MAILPIPE_TEST_INT", "")
	if got := ParseIntEnv("MAILPIPE_TEST_INT", 3); got != 3 {
		t.Errorf("ParseIntEnv(unset) = %d, want default 3", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("MAILPIPE_TEST_DURATION", "90s")
	if got := ParseDurationEnv("MAILPIPE_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("ParseDurationEnv = %v, want 90s", got)
	}
	t.Setenv("MAILPIPE_TEST_DURATION", "20")
	if got := ParseDurationEnv("MAILPIPE_TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("ParseDurationEnv(no unit) = %v, want default", got)
	}
}
