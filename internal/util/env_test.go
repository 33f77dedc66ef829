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
		{" ON ", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("SEATWATCH_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("SEATWATCH_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"", 4},
		{"12", 12},
		{" 0 ", 0},
		{"-3", 4},
		{"ten", 4},
	}
	for _, tt := range tests {
		t.Setenv("SEATWATCH_TEST_INT", tt.value)
		if got := ParseIntEnv("SEATWATCH_TEST_INT", 4); got != tt.want {
			t.Errorf("ParseIntEnv(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestParseFloatEnv(t *testing.T) {
	tests := []struct {
		value string
		want  float64
	}{
		{"", 30},
		{"12.5", 12.5},
		{"0", 30},
		{"abc", 30},
	}
	for _, tt := range tests {
		t.Setenv("SEATWATCH_TEST_FLOAT", tt.value)
		if got := ParseFloatEnv("SEATWATCH_TEST_FLOAT", 30); got != tt.want {
			t.Errorf("ParseFloatEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		unit  time.Duration
		want  time.Duration
	}{
		{"", time.Second, time.Minute},
		{"240", time.Second, 240 * time.Second},
		{"30", time.Minute, 30 * time.Minute},
		{"1m30s", time.Second, 90 * time.Second},
		{"-5", time.Second, time.Minute},
		{"soon", time.Second, time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("SEATWATCH_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("SEATWATCH_TEST_DURATION", tt.unit, time.Minute); got != tt.want {
			t.Errorf("ParseDurationEnv(%q, %v) = %v, want %v", tt.value, tt.unit, got, tt.want)
		}
	}
}

func TestParseStringEnv(t *testing.T) {
	t.Setenv("SEATWATCH_TEST_STRING", "  ")
	if got := ParseStringEnv("SEATWATCH_TEST_STRING", "telegram"); got != "telegram" {
		t.Errorf("blank value: got %q", got)
	}
	t.Setenv("SEATWATCH_TEST_STRING", " twilio ")
	if got := ParseStringEnv("SEATWATCH_TEST_STRING", "telegram"); got != "twilio" {
		t.Errorf("got %q", got)
	}
}
