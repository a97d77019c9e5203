// Package metadata fixes, validates and merges file metadata.
package metadata

import (
	"errors"
	"fmt"
	"sort"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dune/merge-utils/internal/config"
	"github.com/dune/merge-utils/internal/logging"
)

// ErrInvalid is returned when metadata fails validation and invalid files
// are not skipped.
var ErrInvalid = errors.New("invalid metadata")

type condition struct {
	expr string
	code *gojq.Code
	keys []string
}

// Validator applies metadata fixes and checks metadata against the rules in
// validation config.
type Validator struct {
	cfg        config.ValidationConfig
	conditions []condition
	logger     *zap.Logger
}

// NewValidator compiles the conditional rules. Each condition is a jq
// expression evaluated against the metadata object.
func NewValidator(cfg config.ValidationConfig, logger *zap.Logger) (*Validator, error) {
	v := &Validator{cfg: cfg, logger: logging.OrNop(logger)}

	exprs := make([]string, 0, len(cfg.Conditional))
	for expr := range cfg.Conditional {
		exprs = append(exprs, expr)
	}
	sort.Strings(exprs)

	for _, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("error parsing condition (%s): %w", expr, err)
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("error compiling condition (%s): %w", expr, err)
		}
		v.conditions = append(v.conditions, condition{expr: expr, code: code, keys: cfg.Conditional[expr]})
	}
	return v, nil
}

// Fix corrects known metadata problems in place and returns a description
// of each fix applied.
func (v *Validator) Fix(name string, md map[string]any) []string {
	var fixes []string

	badKeys := make([]string, 0, len(v.cfg.Fixes.Keys))
	for bad := range v.cfg.Fixes.Keys {
		badKeys = append(badKeys, bad)
	}
	sort.Strings(badKeys)
	for _, bad := range badKeys {
		good := v.cfg.Fixes.Keys[bad]
		if val, ok := md[bad]; ok {
			fixes = append(fixes, fmt.Sprintf("Key '%s' -> '%s'", bad, good))
			md[good] = val
			delete(md, bad)
		}
	}

	for _, k := range sortedKeys(v.cfg.Fixes.Missing) {
		if _, ok := md[k]; !ok {
			val := v.cfg.Fixes.Missing[k]
			fixes = append(fixes, fmt.Sprintf("Key '%s' value None -> '%v'", k, val))
			md[k] = val
		}
	}

	for k, corrections := range v.cfg.Fixes.Values {
		val, ok := md[k]
		if !ok {
			continue
		}
		s, ok := val.(string)
		if !ok {
			continue
		}
		if good, ok := corrections[s]; ok {
			fixes = append(fixes, fmt.Sprintf("Key '%s' value '%s' -> '%v'", k, s, good))
			md[k] = good
		}
	}

	if len(fixes) > 0 {
		sort.Strings(fixes)
		logging.List(v.logger, zapcore.InfoLevel, "Applying {n} metadata fix{es} to file "+name+":", fixes)
	}
	return fixes
}

// CheckRequired returns a message for each missing required key. Keys listed
// as optional may be absent.
func (v *Validator) CheckRequired(md map[string]any) ([]string, error) {
	var errs []string
	required := make(map[string]struct{})
	optional := make(map[string]struct{}, len(v.cfg.Optional))
	for _, k := range v.cfg.Optional {
		optional[k] = struct{}{}
	}

	for _, k := range v.cfg.Required {
		required[k] = struct{}{}
		if _, ok := md[k]; ok {
			continue
		}
		if _, ok := optional[k]; ok {
			continue
		}
		errs = append(errs, "Missing required key: "+k)
	}

	if len(v.conditions) == 0 {
		return errs, nil
	}

	input, err := normalize(md)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare metadata for conditions: %w", err)
	}
	for _, c := range v.conditions {
		matched, err := c.eval(input)
		if err != nil {
			return nil, err
		}
		if !matched {
			v.logger.Debug("Skipping condition", zap.String("condition", c.expr))
			continue
		}
		v.logger.Debug("Matched condition", zap.String("condition", c.expr))
		for _, k := range c.keys {
			if _, ok := required[k]; ok {
				continue
			}
			required[k] = struct{}{}
			_, present := md[k]
			_, opt := optional[k]
			if !present && !opt {
				errs = append(errs, fmt.Sprintf("Missing conditionally required key: %s (from %s)", k, c.expr))
			}
		}
	}
	return errs, nil
}

// eval runs the condition and applies jq truthiness to its first result.
func (c condition) eval(input map[string]any) (bool, error) {
	iter := c.code.Run(input)
	out, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, isErr := out.(error); isErr {
		return false, fmt.Errorf("error evaluating condition (%s): %w", c.expr, err)
	}
	return out != nil && out != false, nil
}

// Validate fixes md and checks it. With requirements false only restricted
// values and types are checked, as for merged output metadata.
//
// It returns false for invalid metadata. The error is non-nil only when a
// rule itself could not be evaluated.
func (v *Validator) Validate(name string, md map[string]any, requirements bool) (bool, error) {
	v.Fix(name, md)

	var errs []string
	if requirements {
		missing, err := v.CheckRequired(md)
		if err != nil {
			return false, err
		}
		errs = append(errs, missing...)
	}

	for _, k := range sortedKeys(v.cfg.Restricted) {
		val, ok := md[k]
		if !ok {
			continue
		}
		allowed := false
		for _, opt := range v.cfg.Restricted[k] {
			if equal(val, opt) {
				allowed = true
				break
			}
		}
		if !allowed {
			errs = append(errs, fmt.Sprintf("Invalid value for %s: %v", k, val))
		}
	}

	for _, k := range sortedKeys(v.cfg.Types) {
		val, ok := md[k]
		if !ok {
			continue
		}
		if _, restricted := v.cfg.Restricted[k]; restricted {
			continue
		}
		want := v.cfg.Types[k]
		got := typeName(val)
		if got == want || (want == "float" && got == "int") {
			continue
		}
		errs = append(errs, fmt.Sprintf("Invalid type for %s: %v (expected %s)", k, val, want))
	}

	if len(errs) > 0 {
		logger := v.logger
		if !v.cfg.Skip.Invalid {
			logger = logger.With(zap.Bool("fatal", true))
		}
		logging.List(logger, zapcore.ErrorLevel, "File "+name+" has {n} invalid metadata key{s}:", errs)
		return false, nil
	}
	return true, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
