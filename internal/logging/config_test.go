package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw    string
		want   zerolog.Level
		wantOK bool
	}{
		{raw: "", want: zerolog.InfoLevel, wantOK: false},
		{raw: "debug", want: zerolog.DebugLevel, wantOK: true},
		{raw: " WARNING ", want: zerolog.WarnLevel, wantOK: true},
		{raw: "diagnostics", want: zerolog.TraceLevel, wantOK: true},
		{raw: "off", want: zerolog.Disabled, wantOK: true},
		{raw: "loud", want: zerolog.InfoLevel, wantOK: false},
	}
	for _, tc := range tests {
		got, ok := parseLevel(tc.raw)
		if got != tc.want || ok != tc.wantOK {
			t.Fatalf("parseLevel(%q)=(%v,%v) want (%v,%v)", tc.raw, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "true")
	t.Setenv(EnvLogJSON, "1")
	t.Setenv(EnvLogNoColor, "not-a-bool")

	cfg := defaultConfig(ProfileChild)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("unexpected level: %v", cfg.Level)
	}
	if !cfg.Timestamp || !cfg.JSON {
		t.Fatalf("expected timestamp and json overrides: %+v", cfg)
	}
	if !cfg.NoColor {
		t.Fatalf("child profile should keep no-color when override is invalid")
	}
}

func TestDefaultConfigProfiles(t *testing.T) {
	if got := defaultConfig(ProfileRuntime); got.Level != zerolog.InfoLevel || !got.Timestamp {
		t.Fatalf("unexpected runtime profile: %+v", got)
	}
	if got := defaultConfig(ProfileTest); got.Level != zerolog.DebugLevel || got.Timestamp {
		t.Fatalf("unexpected test profile: %+v", got)
	}
	if got := defaultConfig(ProfileChild); got.Level != zerolog.WarnLevel {
		t.Fatalf("unexpected child profile: %+v", got)
	}
}
