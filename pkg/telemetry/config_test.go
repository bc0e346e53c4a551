package telemetry

import "testing"

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("Validate() returned error: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }},
		{name: "bad exporter", mutate: func(c *Config) { c.Tracing.Exporter = "jaeger" }},
		{name: "bad sampling rate", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	if got := parseLogLevel("debug"); got.String() != "debug" {
		t.Errorf("parseLogLevel(debug) = %s", got)
	}
	if got := parseLogLevel("nonsense"); got.String() != "info" {
		t.Errorf("parseLogLevel(nonsense) = %s, want info fallback", got)
	}
}
