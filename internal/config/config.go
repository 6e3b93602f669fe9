// Package config loads the externally supplied settings: where the
// multicast traffic lives, where the HTTP UI listens, and where data goes.
// The core never computes any of these.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Multicast MulticastConfig `mapstructure:"multicast"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	DataDir   string          `mapstructure:"data_dir"`
	Debug     bool            `mapstructure:"debug"`
}

type MulticastConfig struct {
	Group     string `mapstructure:"group"`
	Port      int    `mapstructure:"port"`
	Interface string `mapstructure:"interface"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

const (
	DefaultGroup    = "224.0.0.69"
	DefaultPort     = 4403
	DefaultHTTPAddr = ":5007"
	DefaultDataDir  = "./data"
)

// Load reads an optional YAML file plus MESHCHAT_* environment overrides.
// An empty path yields pure defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("multicast.group", DefaultGroup)
	v.SetDefault("multicast.port", DefaultPort)
	v.SetDefault("multicast.interface", "")
	v.SetDefault("http.addr", DefaultHTTPAddr)
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("debug", false)

	v.SetEnvPrefix("MESHCHAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if path != "" {
		dir := filepath.Dir(path)
		filename := filepath.Base(path)
		ext := filepath.Ext(filename)

		v.SetConfigName(strings.TrimSuffix(filename, ext))
		v.SetConfigType(strings.TrimPrefix(ext, "."))
		v.AddConfigPath(dir)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Multicast.Port <= 0 || cfg.Multicast.Port > 65535 {
		return nil, fmt.Errorf("bad multicast port %d", cfg.Multicast.Port)
	}
	return &cfg, nil
}
