// Package config loads the broker's own configuration (spec.md §6):
// where it comes from (EnvConfig, via caarlos0/env) and what it contains
// (Config, layered through koanf and validated with go-playground/validator),
// following the two-tier env-then-file idiom of
// _examples/sandrolain-events-bridge/src/config/config.go.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	kenv "github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/sandrolain/mqtt-edgebroker/src/security/validation"
)

// envOverridePrefix is the koanf environment-provider prefix consulted
// after the file/content layer, letting deployments override individual
// leaf values (e.g. EB_SIGNAL__ADDRESS) without editing the config file.
const envOverridePrefix = "EB_"

// envKeyDelim is how a flattened env var name maps back onto nested
// config keys: EB_AUTHN__ALLOWANONYMOUS -> authn.allowanonymous.
const envKeyDelim = "."

// LoadEnvConfig resolves the broker's EnvConfig from the process
// environment.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid environment: %w", err)
	}
	return cfg, nil
}

// LoadConfigFile loads and validates a Config from path, applying
// creasty/defaults before validation and layering environment overrides
// on top (spec.md §6).
func LoadConfigFile(path string) (*Config, error) {
	cleanPath, err := validation.SanitizePath(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	// allowedDirs is left empty: this repo has no concept of a
	// restricted config directory, only of a single configured path. The
	// containment check is a no-op in that case; the existence,
	// symlink-rejection, and regular-file checks still run on every load.
	if err := validation.ValidateConfigPath(cleanPath, nil); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	path = cleanPath

	parser, err := parserForExtension(filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	k := koanf.New(envKeyDelim)
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return decode(k)
}

// LoadConfigContent loads and validates a Config from inline content,
// given an explicit format ("yaml", "yml", or "json"); an empty format
// is detected by sniffing for a leading '{'.
func LoadConfigContent(content string, format string) (*Config, error) {
	if len(content) > validation.MaxConfigSize {
		return nil, fmt.Errorf("config: inline content exceeds maximum size of %d bytes", validation.MaxConfigSize)
	}
	if format == "" {
		format = sniffFormat(content)
	}
	parser, err := parserForExtension("." + format)
	if err != nil {
		return nil, err
	}

	k := koanf.New(envKeyDelim)
	if err := k.Load(rawbytes.Provider([]byte(content)), parser); err != nil {
		return nil, fmt.Errorf("config: parsing inline content: %w", err)
	}
	return decode(k)
}

// LoadConfig is the broker's top-level entry point: it resolves
// EnvConfig, then loads the Config from inline content if present,
// falling back to the configured file path (spec.md §6, matching the
// teacher's own env-then-file precedence).
func LoadConfig() (*Config, error) {
	envCfg, err := LoadEnvConfig()
	if err != nil {
		return nil, err
	}

	if envCfg.ConfigContent != "" {
		return LoadConfigContent(envCfg.ConfigContent, envCfg.ConfigFormat)
	}
	return LoadConfigFile(envCfg.ConfigFilePath)
}

func parserForExtension(ext string) (koanf.Parser, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	default:
		return nil, &UnsupportedExtensionError{Extension: ext}
	}
}

func sniffFormat(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") {
		return "json"
	}
	return "yaml"
}

// decode applies creasty/defaults, layers EB_-prefixed environment
// overrides on top of k, unmarshals into Config and runs structural
// validation (spec.md §6, "fail closed on an invalid document").
func decode(k *koanf.Koanf) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("config: applying defaults: %w", err)
	}

	envK := koanf.New(envKeyDelim)
	if err := envK.Load(kenv.Provider(envOverridePrefix, envKeyDelim, envKeyTransform), nil); err != nil {
		return nil, fmt.Errorf("config: applying environment overrides: %w", err)
	}
	// Env names arrive lowercased; apply each under the existing key it
	// matches case-insensitively so it replaces the camelCase file value.
	existing := make(map[string]string)
	for _, key := range k.Keys() {
		existing[strings.ToLower(key)] = key
	}
	for key, val := range envK.All() {
		if orig, ok := existing[key]; ok {
			key = orig
		}
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("config: applying environment overrides: %w", err)
		}
	}

	// Decode against the struct's own "yaml" tags rather than koanf's
	// default "koanf" tag, so models.go needs only the one set of tags
	// its file/content parsers already produce keys for.
	unmarshalConf := koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           cfg,
			WeaklyTypedInput: true,
			TagName:          "yaml",
		},
	}
	if err := k.UnmarshalWithConf("", cfg, unmarshalConf); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid document: %w", err)
	}
	return cfg, nil
}

// envKeyTransform maps EB_AUTHN__ALLOWANONYMOUS to authn.allowanonymous,
// matching the koanf env provider's own double-underscore nesting idiom.
func envKeyTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envOverridePrefix))
	return strings.ReplaceAll(s, "__", envKeyDelim)
}

// UnsupportedExtensionError reports a config file or inline-content
// format this package cannot parse.
type UnsupportedExtensionError struct {
	Extension string
}

func (e *UnsupportedExtensionError) Error() string {
	return "unsupported config format: " + e.Extension
}
