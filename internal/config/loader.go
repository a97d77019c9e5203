package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// envPrefix marks environment overrides.
	envPrefix = "MERGE_"

	// Metadata keys contain dots, so paths are split on '/' instead.
	delim = "/"
)

//go:embed defaults.yaml
var defaultConfig []byte

// Load builds the configuration from the embedded defaults, then each file in
// order, then environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (MERGE_VALIDATION__BATCH_SIZE, MERGE_RUCIO__URL, ...)
//  2. Files, later files overriding earlier ones
//  3. Embedded defaults
//
// Files may be YAML (.yaml, .yml), TOML (.toml) or JSON (.json). Maps are
// merged recursively; lists and scalars are replaced.
//
// # Environment Variable Mapping
//
// The prefix is stripped, the rest is lowercased and double underscores
// separate sections:
//
//	MERGE_VALIDATION__BATCH_SIZE -> validation.batch_size
//	MERGE_SITES__MAX_DISTANCE    -> sites.max_distance
func Load(files ...string) (*Config, error) {
	k := koanf.New(delim)

	if err := k.Load(rawbytes.Provider(defaultConfig), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}

	for _, file := range files {
		if file == "" {
			continue
		}
		if err := loadFile(k, file); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(envPrefix, delim, envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the embedded default configuration.
func Default() *Config {
	cfg, err := Load()
	if err != nil {
		// The embedded file is part of the binary; failing here is a build defect.
		panic(fmt.Sprintf("config: invalid embedded defaults: %v", err))
	}
	return cfg
}

// loadFile merges one user file into k.
func loadFile(k *koanf.Koanf, path string) error {
	parser, err := parserFor(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := k.Load(rawbytes.Provider(content), parser); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// parserFor picks a koanf parser from the file extension.
func parserFor(path string) (koanf.Parser, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return tomlParser{}, nil
	default:
		return nil, fmt.Errorf("unknown config file type %q for %s", ext, path)
	}
}

// envKey maps MERGE_SECTION__FIELD_NAME to section/field_name.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(key, "__", delim)
}

// tomlParser adapts BurntSushi/toml to koanf.Parser.
type tomlParser struct{}

func (tomlParser) Unmarshal(b []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if _, err := toml.NewDecoder(bytes.NewReader(b)).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (tomlParser) Marshal(o map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(o); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
