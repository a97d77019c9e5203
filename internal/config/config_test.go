package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Validation.BatchSize = 0 },
			wantErr: "batch_size",
		},
		{
			name:    "zero chunk max",
			mutate:  func(c *Config) { c.Merging.ChunkMax = 0 },
			wantErr: "chunk_max",
		},
		{
			name:    "no default nearline distance",
			mutate:  func(c *Config) { delete(c.Sites.NearlineDistance, "default") },
			wantErr: "nearline_distance.default",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name: "telemetry without endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Endpoint = ""
			},
			wantErr: "telemetry.endpoint",
		},
		{
			name: "telemetry bad protocol",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Protocol = "udp"
			},
			wantErr: "telemetry.protocol",
		},
		{
			name:   "telemetry disabled ignores protocol",
			mutate: func(c *Config) { c.Telemetry.Protocol = "udp" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSecret(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())

	b, err := s.MarshalJSON()
	assert.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(b))
}
