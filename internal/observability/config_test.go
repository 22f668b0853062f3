package observability

import (
	"testing"

	"github.com/smallbiznis/billsync/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestNewConfigCopiesServiceSettings(t *testing.T) {
	cfg := NewConfig(config.Config{
		AppVersion:   " 1.2.3 ",
		Environment:  "production",
		LogLevel:     "warn",
		LogFormat:    "json",
		OTLPEnabled:  true,
		OTLPEndpoint: "collector:4317",
		OTLPProtocol: "grpc",
	})

	assert.Equal(t, "billsync", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.Version)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.OTLPEnabled)
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
	assert.False(t, cfg.Debug())
}

func TestConfigDebug(t *testing.T) {
	cases := []struct {
		level string
		env   string
		want  bool
	}{
		{"debug", "production", true},
		{"DEBUG", "production", true},
		{"info", "development", true},
		{"info", "test", true},
		{"info", "staging", false},
	}
	for _, tc := range cases {
		got := Config{LogLevel: tc.level, Environment: tc.env}.Debug()
		if got != tc.want {
			t.Fatalf("Debug() with level=%s env=%s = %v, want %v", tc.level, tc.env, got, tc.want)
		}
	}
}
