package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// TestingConfig is the per-suite build and run configuration, resolved from
// a global layer and an optional override next to the suite.
type TestingConfig struct {
	RPGUnit RPGUnitConfig `mapstructure:"rpgunit"`
	CodeCov CodeCovConfig `mapstructure:"codecov"`
	// Sources lists the files merged into this configuration, lowest precedence first.
	Sources []string `mapstructure:"-"`
}

// RPGUnitConfig holds per-command settings for the RPGUnit commands.
type RPGUnitConfig struct {
	Rucrtrpg  CommandConfig `mapstructure:"rucrtrpg"`
	Rucrtcbl  CommandConfig `mapstructure:"rucrtcbl"`
	Rucalltst CommandConfig `mapstructure:"rucalltst"`
}

// CommandConfig holds parameter overrides for one host command. Any key
// other than incdir and wrapper is taken as a command keyword.
type CommandConfig struct {
	IncludeDirs []string       `mapstructure:"incdir"`
	Wrapper     *WrapperConfig `mapstructure:"wrapper"`
	Extra       map[string]any `mapstructure:",remain"`
}

// Parameters returns the keyword overrides with upper-cased keywords.
func (c *CommandConfig) Parameters() map[string]string {
	return stringParams(c.Extra)
}

// WrapperConfig describes a command that receives the real command as a
// quoted string parameter.
type WrapperConfig struct {
	Command    string         `mapstructure:"cmd"`
	Parameter  string         `mapstructure:"param"`
	Parameters map[string]any `mapstructure:"params"`
}

// Params returns the wrapper's own keyword parameters.
func (w *WrapperConfig) Params() map[string]string {
	return stringParams(w.Parameters)
}

// CodeCovConfig configures the coverage command.
type CodeCovConfig struct {
	// Modules are additional module specs, e.g. "APPLIB/CUSTSRV *SRVPGM *ALL".
	Modules []string       `mapstructure:"modules"`
	Extra   map[string]any `mapstructure:",remain"`
}

// Parameters returns the keyword overrides with upper-cased keywords.
func (c *CodeCovConfig) Parameters() map[string]string {
	return stringParams(c.Extra)
}

// TestingLayer is one parsed testing configuration file.
type TestingLayer struct {
	Source string
	Values map[string]any
}

// ParseTestingLayer parses a testing.json or testing.yaml document. JSON is
// accepted because it is a subset of YAML.
func ParseTestingLayer(source string, data []byte) (*TestingLayer, error) {
	values := make(map[string]any, 4)

	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parsing testing config %s: %w", source, err)
	}

	return &TestingLayer{Source: source, Values: lowerKeys(values)}, nil
}

// ResolveTestingConfig deep-merges the layers in order, later layers
// overriding earlier ones, and decodes the result. With no layers the
// returned configuration holds only defaults.
func ResolveTestingConfig(layers ...*TestingLayer) (*TestingConfig, error) {
	merged := make(map[string]any, 4)
	sources := make([]string, 0, len(layers))

	for _, layer := range layers {
		if layer == nil {
			continue
		}

		mergeMaps(merged, layer.Values)
		sources = append(sources, layer.Source)
	}

	var cfg TestingConfig

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	if err := decoder.Decode(merged); err != nil {
		return nil, fmt.Errorf("decoding testing config: %w", err)
	}

	cfg.Sources = sources
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults makes every map and slice non-nil.
func (c *TestingConfig) applyDefaults() {
	for _, cmd := range []*CommandConfig{&c.RPGUnit.Rucrtrpg, &c.RPGUnit.Rucrtcbl, &c.RPGUnit.Rucalltst} {
		if cmd.Extra == nil {
			cmd.Extra = make(map[string]any, 2)
		}

		if cmd.IncludeDirs == nil {
			cmd.IncludeDirs = []string{}
		}

		if cmd.Wrapper != nil {
			if cmd.Wrapper.Parameter == "" {
				cmd.Wrapper.Parameter = "CMD"
			}

			if cmd.Wrapper.Parameters == nil {
				cmd.Wrapper.Parameters = make(map[string]any, 2)
			}
		}
	}

	if c.CodeCov.Modules == nil {
		c.CodeCov.Modules = []string{}
	}

	if c.CodeCov.Extra == nil {
		c.CodeCov.Extra = make(map[string]any, 2)
	}
}

// mergeMaps merges src into dst recursively. Nested maps merge; any other
// value in src replaces the one in dst.
func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)

		if srcIsMap && dstIsMap {
			mergeMaps(dstMap, srcMap)

			continue
		}

		if srcIsMap {
			cp := make(map[string]any, len(srcMap))
			mergeMaps(cp, srcMap)
			dst[k] = cp

			continue
		}

		dst[k] = v
	}
}

// lowerKeys lower-cases map keys recursively so layers written with
// different casing still merge.
func lowerKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))

	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			v = lowerKeys(nested)
		}

		out[strings.ToLower(k)] = v
	}

	return out
}

// stringParams renders arbitrary YAML values as command parameter values.
// Keys come back upper-cased and lists are space separated.
func stringParams(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))

	for k, v := range m {
		out[strings.ToUpper(k)] = paramValue(v)
	}

	return out
}

func paramValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "*YES"
		}

		return "*NO"
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, paramValue(item))
		}

		return strings.Join(parts, " ")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for key := range val {
			keys = append(keys, key)
		}

		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			parts = append(parts, paramValue(val[key]))
		}

		return strings.Join(parts, " ")
	default:
		return fmt.Sprint(val)
	}
}
