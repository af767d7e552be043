package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		def      bool
		expected bool
	}{
		{"unset uses default", "", true, true},
		{"true", "true", false, true},
		{"numeric true", "1", false, true},
		{"yes", "YES", false, true},
		{"false", "false", true, false},
		{"off", "off", true, false},
		{"garbage uses default", "maybe", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv("TEST_BOOL_ENV", tt.value)
			}
			if got := ParseBoolEnv("TEST_BOOL_ENV", tt.def); got != tt.expected {
				t.Errorf("ParseBoolEnv(%q) = %v, want %v", tt.value, got, tt.expected)
			}
		})
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("TEST_INT_ENV", "42")
	if got := ParseIntEnv("TEST_INT_ENV", 8); got != 42 {
		t.Errorf("ParseIntEnv = %d, want 42", got)
	}

	t.Setenv("TEST_INT_ENV", "not a number")
	if got := ParseIntEnv("TEST_INT_ENV", 8); got != 8 {
		t.Errorf("ParseIntEnv with invalid value = %d, want default 8", got)
	}

	if got := ParseIntEnv("TEST_INT_ENV_UNSET", 8); got != 8 {
		t.Errorf("ParseIntEnv with unset key = %d, want default 8", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("TEST_DURATION_ENV", "90s")
	if got := ParseDurationEnv("TEST_DURATION_ENV", time.Minute); got != 90*time.Second {
		t.Errorf("ParseDurationEnv = %v, want 90s", got)
	}

	t.Setenv("TEST_DURATION_ENV", "eventually")
	if got := ParseDurationEnv("TEST_DURATION_ENV", time.Minute); got != time.Minute {
		t.Errorf("ParseDurationEnv with invalid value = %v, want default 1m", got)
	}
}
