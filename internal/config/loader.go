package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix marks mwrun environment variables. A double underscore
// separates nesting levels: MWRUN_ENGINE__CACHE_DIR sets engine.cache_dir.
const EnvPrefix = "MWRUN_"

// DefaultFiles are tried in order when no config file is given.
var DefaultFiles = []string{"mwrun.yaml", "mwrun.yml"}

// flagKeys maps flags whose names do not follow the key layout.
var flagKeys = map[string]string{
	"compiler":      "compiler.path",
	"compiler-url":  "compiler.url",
	"scratch-size":  "compiler.scratch_size",
	"cache-dir":     "engine.cache_dir",
	"memory-pages":  "engine.memory_limit_pages",
	"interpreter":   "engine.interpreter",
	"log-level":     "log.level",
	"log-format":    "log.format",
	"png":           "png.dir",
	"png-scale":     "png.scale",
	"history-limit": "history.limit",
	"render-export": "history.export",
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"compiler.fetch_timeout": DefaultFetchTimeout.String(),
		"log.level":              DefaultLogLevel,
		"log.format":             DefaultLogFormat,
		"png.scale":              1,
		"history.limit":          DefaultHistoryLimit,
		"history.export":         DefaultRenderExport,
		"parallel":               DefaultParallel,
	}
}

func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range DefaultFiles {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// Load resolves the configuration. Precedence, highest first: changed
// flags, environment, config file, defaults. flags may be nil.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, string, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, "", fmt.Errorf("failed to load defaults: %w", err)
	}

	used := findConfigFile(cfgFile)
	if used != "" {
		if err := k.Load(file.Provider(used), yaml.Parser()); err != nil {
			return nil, "", fmt.Errorf("error reading config file %s: %w", used, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, "", fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			if key, ok := flagKeys[f.Name]; ok {
				return key, posflag.FlagVal(flags, f)
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, "", fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, "", fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, used, nil
}

// envKey turns MWRUN_ENGINE__CACHE_DIR into engine.cache_dir.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}
