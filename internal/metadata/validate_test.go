package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/dune/merge-utils/internal/config"
	"github.com/dune/merge-utils/internal/logging"
)

func testValidation() config.ValidationConfig {
	return config.ValidationConfig{
		Fixes: config.FixesConfig{
			Keys:    map[string]string{"DUNE.requestid": "dune.requestid"},
			Missing: map[string]any{"core.group": "dune"},
			Values:  map[string]map[string]any{"core.file_type": {"MC": "mc"}},
		},
		Required:    []string{"core.file_type", "core.run_type", "core.data_stream"},
		Optional:    []string{"core.data_stream", "dune_mc.extra"},
		Conditional: map[string][]string{`.["core.file_type"] == "mc"`: {"dune_mc.gen_fcl_filename", "dune_mc.extra"}},
		Restricted:  map[string][]any{"core.file_type": {"mc", "detector"}},
		Types: map[string]string{
			"core.event_count": "int",
			"core.start_time":  "float",
			"core.file_type":   "int", // ignored: restricted
		},
	}
}

func TestFix(t *testing.T) {
	logger := logging.NewTestLogger()
	v, err := NewValidator(testValidation(), logger.Underlying())
	require.NoError(t, err)

	md := map[string]any{"DUNE.requestid": "r1", "core.file_type": "MC"}
	fixes := v.Fix("ns:f", md)

	assert.Len(t, fixes, 3)
	assert.Equal(t, map[string]any{
		"dune.requestid": "r1",
		"core.file_type": "mc",
		"core.group":     "dune",
	}, md)
	logger.AssertLogged(t, zapcore.InfoLevel, "Applying 3 metadata fixes to file ns:f:")
}

func TestCheckRequired(t *testing.T) {
	v, err := NewValidator(testValidation(), nil)
	require.NoError(t, err)

	errs, err := v.CheckRequired(map[string]any{"core.file_type": "detector"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Missing required key: core.run_type"}, errs)

	errs, err = v.CheckRequired(map[string]any{"core.file_type": "mc", "core.run_type": "fardet"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		`Missing conditionally required key: dune_mc.gen_fcl_filename (from .["core.file_type"] == "mc")`,
	}, errs)
}

func TestNewValidator_BadCondition(t *testing.T) {
	cfg := testValidation()
	cfg.Conditional = map[string][]string{"((": {"x"}}
	_, err := NewValidator(cfg, nil)
	assert.Error(t, err)
}

func TestCheckRequired_ConditionRuntimeError(t *testing.T) {
	cfg := testValidation()
	cfg.Conditional = map[string][]string{`.["core.run_type"] | error`: {"x"}}
	v, err := NewValidator(cfg, nil)
	require.NoError(t, err)

	_, err = v.CheckRequired(map[string]any{"core.run_type": "x", "core.file_type": "mc"})
	assert.ErrorContains(t, err, "error evaluating condition")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name         string
		md           map[string]any
		requirements bool
		want         bool
	}{
		{
			name: "valid",
			md: map[string]any{
				"core.file_type": "detector", "core.run_type": "hd",
				"core.event_count": 10.0, "core.start_time": 5,
			},
			requirements: true,
			want:         true,
		},
		{
			name:         "restricted value",
			md:           map[string]any{"core.file_type": "data", "core.run_type": "hd"},
			requirements: true,
			want:         false,
		},
		{
			name:         "wrong type",
			md:           map[string]any{"core.file_type": "detector", "core.run_type": "hd", "core.event_count": 1.5},
			requirements: true,
			want:         false,
		},
		{
			name:         "missing required",
			md:           map[string]any{"core.file_type": "detector"},
			requirements: true,
			want:         false,
		},
		{
			name:         "missing required ignored for output",
			md:           map[string]any{"core.file_type": "detector"},
			requirements: false,
			want:         true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewValidator(testValidation(), nil)
			require.NoError(t, err)
			got, err := v.Validate("ns:f", tt.md, tt.requirements)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
