// Package config provides configuration loading for merge-utils.
//
// Configuration starts from the embedded defaults.yaml. User files and
// MERGE_* environment variables are merged on top of it key by key, so a
// user file only needs the settings it changes.
package config

import (
	"errors"
	"fmt"
	"math"
)

// Config holds the complete merge-utils configuration.
type Config struct {
	Validation ValidationConfig `koanf:"validation"`
	Sites      SitesConfig      `koanf:"sites"`
	Merging    MergingConfig    `koanf:"merging"`
	Output     OutputConfig     `koanf:"output"`
	Inputs     InputsConfig     `koanf:"inputs"`
	MetaCat    MetaCatConfig    `koanf:"metacat"`
	Rucio      RucioConfig      `koanf:"rucio"`
	JustIN     JustINConfig     `koanf:"justin"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ValidationConfig controls input file validation.
type ValidationConfig struct {
	BatchSize       int                 `koanf:"batch_size"`
	AllowMissing    bool                `koanf:"allow_missing"`
	AllowDuplicates bool                `koanf:"allow_duplicates"`
	MetadataFields  []string            `koanf:"metadata_fields"`
	StrictFields    []string            `koanf:"strict_fields"`
	Skip            SkipConfig          `koanf:"skip"`
	Fixes           FixesConfig         `koanf:"fixes"`
	Required        []string            `koanf:"required"`
	Optional        []string            `koanf:"optional"`
	Conditional     map[string][]string `koanf:"conditional"`
	Restricted      map[string][]any    `koanf:"restricted"`
	Types           map[string]string   `koanf:"types"`
}

// SkipConfig selects which bad files are dropped instead of aborting the run.
type SkipConfig struct {
	Unreachable bool `koanf:"unreachable"`
	Invalid     bool `koanf:"invalid"`
}

// FixesConfig holds corrections applied to metadata before validation.
type FixesConfig struct {
	// Keys renames misspelled keys (bad -> good).
	Keys map[string]string `koanf:"keys"`
	// Missing fills in absent keys.
	Missing map[string]any `koanf:"missing"`
	// Values corrects values per key (key -> bad -> good).
	Values map[string]map[string]any `koanf:"values"`
}

// SitesConfig controls where merge jobs may run.
type SitesConfig struct {
	AllowedSites     []string           `koanf:"allowed_sites"`
	MaxDistance      float64            `koanf:"max_distance"`
	NearlineDistance map[string]float64 `koanf:"nearline_distance"`
}

// Nearline returns the extra distance for reading from tape at an RSE.
func (s SitesConfig) Nearline(rse string) float64 {
	if d, ok := s.NearlineDistance[rse]; ok {
		return d
	}
	return s.NearlineDistance["default"]
}

// MergingConfig controls chunking and metadata merging.
type MergingConfig struct {
	ChunkMax int                     `koanf:"chunk_max"`
	Method   string                  `koanf:"method"`
	Methods  map[string]MethodConfig `koanf:"methods"`
	Metadata MetadataMergeConfig     `koanf:"metadata"`
}

// MethodConfig describes one merge method.
type MethodConfig struct {
	Ext string `koanf:"ext"`
	Cfg string `koanf:"cfg"`
}

// MetadataMergeConfig selects how each metadata key is combined.
type MetadataMergeConfig struct {
	Default   string            `koanf:"default"`
	Modes     map[string]string `koanf:"modes"`
	Overrides map[string]any    `koanf:"overrides"`
}

// OutputConfig controls naming and provenance of merged files.
type OutputConfig struct {
	Grandparents  bool                         `koanf:"grandparents"`
	Namespace     string                       `koanf:"namespace"`
	Name          string                       `koanf:"name"`
	Abbreviations map[string]map[string]string `koanf:"abbreviations"`
	TmpDir        string                       `koanf:"tmp_dir"`
}

// InputsConfig holds settings for local inputs.
type InputsConfig struct {
	Namespace string `koanf:"namespace"`
}

// MetaCatConfig holds MetaCat web API settings.
type MetaCatConfig struct {
	URL       string   `koanf:"url"`
	Timeout   Duration `koanf:"timeout"`
	RateLimit float64  `koanf:"rate_limit"`
	TokenFile string   `koanf:"token_file"`
}

// RucioConfig holds Rucio REST API settings.
type RucioConfig struct {
	URL       string   `koanf:"url"`
	Account   string   `koanf:"account"`
	AuthToken Secret   `koanf:"auth_token"`
	TokenFile string   `koanf:"token_file"`
	Timeout   Duration `koanf:"timeout"`
	RateLimit float64  `koanf:"rate_limit"`
}

// JustINConfig holds justIN settings.
type JustINConfig struct {
	SitesURL      string `koanf:"sites_url"`
	Jobscript     string `koanf:"jobscript"`
	Scope         string `koanf:"scope"`
	OutputPattern string `koanf:"output_pattern"`
	LifetimeDays  int    `koanf:"lifetime_days"`
	UploadCmd     string `koanf:"upload_cmd"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

// TelemetryConfig controls OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"` // grpc or http/protobuf
	Insecure        bool     `koanf:"insecure"`
	ServiceName     string   `koanf:"service_name"`
	SampleRate      float64  `koanf:"sample_rate"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Validation.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("validation.batch_size must be positive, got %d", c.Validation.BatchSize))
	}
	if c.Merging.ChunkMax <= 0 {
		errs = append(errs, fmt.Errorf("merging.chunk_max must be positive, got %d", c.Merging.ChunkMax))
	}
	if _, ok := c.Merging.Methods[c.Merging.Method]; !ok {
		errs = append(errs, fmt.Errorf("merging.method %q has no entry in merging.methods", c.Merging.Method))
	}
	if c.Sites.MaxDistance < 0 || math.IsNaN(c.Sites.MaxDistance) {
		errs = append(errs, fmt.Errorf("sites.max_distance must be >= 0"))
	}
	if _, ok := c.Sites.NearlineDistance["default"]; !ok {
		errs = append(errs, errors.New("sites.nearline_distance.default is required"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}
	if t := c.Telemetry; t.Enabled {
		if t.Endpoint == "" {
			errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %g", t.SampleRate))
		}
		switch t.Protocol {
		case "grpc", "http/protobuf":
		default:
			errs = append(errs, fmt.Errorf("telemetry.protocol must be 'grpc' or 'http/protobuf', got %q", t.Protocol))
		}
	}
	return errors.Join(errs...)
}

// MethodExt returns the file extension of the configured merge method.
func (c *Config) MethodExt() string {
	return c.Merging.Methods[c.Merging.Method].Ext
}
