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
		t.Setenv("LEADPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("LEADPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("LEADPIPE_TEST_STR", "  ")
	if got := GetEnv("LEADPIPE_TEST_STR", "fallback"); got != "fallback" {
		t.Errorf("blank value should fall back, got %q", got)
	}
	t.Setenv("LEADPIPE_TEST_STR", "value")
	if got := GetEnv("LEADPIPE_TEST_STR", "fallback"); got != "value" {
		t.Errorf("GetEnv() = %q, want value", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("LEADPIPE_TEST_DUR", "250ms")
	if got := ParseDurationEnv("LEADPIPE_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Errorf("ParseDurationEnv() = %v", got)
	}
	t.Setenv("LEADPIPE_TEST_DUR", "soon")
	if got := ParseDurationEnv("LEADPIPE_TEST_DUR", time.Second); got != time.Second {
		t.Errorf("invalid duration should fall back, got %v", got)
	}
	t.Setenv("LEADPIPE_TEST_DUR", "-5s")
	if got := ParseDurationEnv("LEADPIPE_TEST_DUR", time.Second); got != time.Second {
		t.Errorf("negative duration should fall back, got %v", got)
	}
}

func TestDigitsOnly(t *testing.T) {
	tests := map[string]string{
		"whatsapp:+49 170 123": "49170123",
		"ca. 150 Leads":        "150",
		"keine":                "",
		"1.000-2.000":          "10002000",
		"１５０":                  "150",
		"٢٥٠ leads":            "250",
		"\U0001D7D7\U0001D7CE": "90",
		"\U0001D7D8":           "0",
		"x²":                   "",
	}
	for in, want := range tests {
		if got := DigitsOnly(in); got != want {
			t.Errorf("DigitsOnly(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDigitValue(t *testing.T) {
	tests := []struct {
		r    rune
		want int
		ok   bool
	}{
		{'7', 7, true},
		{'\u0660', 0, true}, // Arabic-Indic zero
		{'\u0669', 9, true},
		{'\uFF15', 5, true}, // fullwidth five
		{'\u096A', 4, true}, // Devanagari four
		{'\U0001D7E2', 0, true}, // third run of mathematical digits
		{'a', 0, false},
		{'\u00B2', 0, false}, // superscript two is not a decimal digit
	}
	for _, tt := range tests {
		got, ok := DigitValue(tt.r)
		if got != tt.want || ok != tt.ok {
			t.Errorf("DigitValue(%U) = %d, %v; want %d, %v", tt.r, got, ok, tt.want, tt.ok)
		}
	}
}
