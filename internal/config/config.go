// Package config loads the forwarder's JSON configuration document
// and CLI flags, following the teacher's viper/pflag layering:
// compiled defaults, overridden by the config file that the -c flag
// names. No CLI flag overrides an individual config value.
package config

import (
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Flags holds the handful of CLI flags spec.md §6 allows: -c and -h.
// -h is handled natively by pflag's usage output.
type Flags struct {
	ConfigPath string
}

// BindFlags registers -c on fs, defaulting to ./config.json.
func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVarP(&f.ConfigPath, "config", "c", "./config.json", "path to the JSON configuration file")
	return f
}

// defaults mirror the original implementation's compiled-in values
// (timeoutContainer.h / sessionBuffer.hpp), carried forward per
// SPEC_FULL.md §10.
var defaults = map[string]any{
	"log.sink":                        "stdout",
	"log.level":                       "info",
	"service.setting.timeout.connect": 5,
	"service.setting.timeout.session": 300,
	"service.setting.timeout.release": 30,
	"service.setting.timeout.udp":     30,
	"service.setting.buffer.size":            16,
	"service.setting.buffer.perSessionLimit": 1,
	"statistic.interval":                     60,
}

// Load reads the JSON document at path, applying compiled defaults
// first. Unparseable forward entries are logged via log and skipped
// rather than failing the whole load, per spec.md §6.
func Load(path string, log *slog.Logger) (*Config, []ServiceSpec, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	specs := make([]ServiceSpec, 0, len(cfg.Service.Forward))
	for _, raw := range cfg.Service.Forward {
		spec, err := ParseForward(raw)
		if err != nil {
			log.Warn("skipping unparseable forward entry", "entry", raw, "error", err)
			continue
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, nil, fmt.Errorf("config: no valid forward entries in %s", path)
	}

	return &cfg, specs, nil
}
