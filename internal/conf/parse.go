package conf

import (
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/iobaixas/nack/internal/conf/cliflags"
)

// DefaultConfig is a namespaced map of default values, as produced by
// MergeDefaults.
type DefaultConfig map[string]any

// ParseOptions configures Parse's layering: defaults, then a config
// file, then environment variables, then CLI flags, each overriding the
// last.
type ParseOptions struct {
	// Cli is the cli.Context flags are read from, if any.
	Cli *cli.Context

	// CliMap maps cli flag names to config keys.
	CliMap map[string]string

	// Defaults seeds the lowest-priority layer.
	Defaults DefaultConfig

	// EnvPrefix is the prefix stripped from matching environment
	// variables.
	EnvPrefix string

	// FileName is the path of a JSON config file to load. Empty skips
	// the file layer.
	FileName string

	// Log receives provider errors. Defaults to a no-op logger.
	Log *zap.Logger
}

// Parse loads C by layering ParseOptions' sources through koanf,
// unmarshalling with the "conf" struct tag.
func Parse[C any](opt ParseOptions) (C, error) {
	var log *zap.Logger
	if opt.Log != nil {
		log = opt.Log
	} else {
		log = zap.NewNop()
	}

	k := koanf.New(".")

	if opt.Defaults != nil {
		_ = k.Load(confmap.Provider(opt.Defaults, "."), nil)
	}

	if opt.FileName != "" {
		if err := k.Load(file.Provider(opt.FileName), json.Parser()); err != nil {
			log.Error("error parsing file", zap.Error(err), zap.String("file", opt.FileName))
		}
	}

	transformPrefixedEnv := func(s string) string {
		return transformEnv(s, opt.EnvPrefix)
	}

	var config C

	if err := k.Load(env.Provider(opt.EnvPrefix, ".", transformPrefixedEnv), nil); err != nil {
		log.Error("error parsing env vars", zap.Error(err))
		return config, err
	}

	if opt.Cli != nil {
		transformFlag := func(s string) string {
			if opt.CliMap != nil {
				if name, ok := opt.CliMap[s]; ok {
					return name
				}
			}
			return strings.ReplaceAll(strings.ToLower(s), "-", "_")
		}

		if err := k.Load(cliflags.Provider(opt.Cli, ".", transformFlag), nil); err != nil {
			log.Error("error parsing cli flags", zap.Error(err))
			return config, err
		}
	}

	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "conf"}); err != nil {
		log.Error("error unmarshalling config", zap.Error(err))
		return config, err
	}

	return config, nil
}

func transformEnv(s, prefix string) string {
	normalized := strings.ReplaceAll(strings.ToLower(s), "__", ".")
	parts := strings.Split(normalized, ".")
	if prefix != "" {
		_, parts = parts[0], parts[1:]
	}
	return strings.Join(parts, ".")
}
