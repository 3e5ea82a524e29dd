package cmd

import (
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lunixbochs/binscope/go/models"
)

const configName = "config.yaml"

// flag name -> config key
var flagKeys = map[string]string{
	"verbose":    "verbose",
	"log-format": "log.format",
	"format":     "format",
	"workers":    "workers",
	"all-slices": "all_slices",
}

func setDefaults(v *viper.Viper) {
	d := models.DefaultLimits
	v.SetDefault("limits.sections", d.Sections)
	v.SetDefault("limits.macho_sections", d.MachOSections)
	v.SetDefault("limits.symbols", d.Symbols)
	v.SetDefault("limits.exports", d.Exports)
	v.SetDefault("limits.import_descriptors", d.ImportDescriptors)
	v.SetDefault("limits.thunks", d.Thunks)
	v.SetDefault("limits.dynamic_entries", d.DynamicEntries)
	v.SetDefault("limits.dynamic_symbols", d.DynamicSymbols)
	v.SetDefault("limits.program_headers", d.ProgramHeaders)
	v.SetDefault("limits.load_commands", d.LoadCommands)
	v.SetDefault("limits.fat_arches", d.FatArches)
	v.SetDefault("limits.string_max", d.StringMax)

	v.SetDefault("workers", runtime.NumCPU())
	v.SetDefault("format", "text")
	v.SetDefault("all_slices", false)
	v.SetDefault("color", true)
	v.SetDefault("verbose", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// findConfig looks for config.yaml in the per-user and system config dirs.
func findConfig() string {
	dirs := configdir.New("binscope", "")
	if folder := dirs.QueryFolderContainsFile(configName); folder != nil {
		return filepath.Join(folder.Path, configName)
	}
	return ""
}

// LoadConfig layers flags over BINSCOPE_* env vars over the config file
// over defaults. An explicit path must exist; the default location may not.
func LoadConfig(path string, c *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("BINSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = findConfig()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", path)
		}
		logrus.WithField("path", v.ConfigFileUsed()).Debug("loaded config")
	}

	if c != nil {
		flags := c.Flags()
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.WithStack(err)
				}
			}
		}
		if f := flags.Lookup("no-color"); f != nil && f.Changed && f.Value.String() == "true" {
			v.Set("color", false)
		}
	}
	return v, nil
}

func DecodeConfig(v *viper.Viper) (*models.Config, error) {
	var cfg models.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	cfg.Limits = cfg.Limits.Fill()
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &cfg, nil
}
