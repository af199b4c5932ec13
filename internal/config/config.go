// Package config resolves the node's runtime configuration from CLI flags
// and NILOTIC_* environment variables, in that precedence order (flags
// win), falling back to Defaults. No config file is read.
package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved set of operator-facing settings.
type Config struct {
	Port          uint16   `mapstructure:"port"`
	DataDir       string   `mapstructure:"data-dir"`
	Debug         bool     `mapstructure:"debug"`
	Peers         []string `mapstructure:"peers"`
	MiningThreads int      `mapstructure:"mining-threads"`
	MinerAddress  string   `mapstructure:"miner-address"`
}

// Defaults returns the production deployment defaults.
func Defaults() Config {
	return Config{
		Port:          5500,
		DataDir:       "./data",
		Debug:         false,
		Peers:         nil,
		MiningThreads: runtime.NumCPU(),
		MinerAddress:  "",
	}
}

// BindFlags registers the flags a cobra command exposes and binds them
// through viper so NILOTIC_* environment variables can also supply them.
func BindFlags(flags *pflag.FlagSet, v *viper.Viper) error {
	d := Defaults()

	flags.Uint16("port", d.Port, "port the HTTP/JSON API listens on")
	flags.String("data-dir", d.DataDir, "directory for the bbolt snapshot store")
	flags.Bool("debug", d.Debug, "enable debug logging")
	flags.StringSlice("peers", nil, "comma-separated list of bootstrap peer addresses")
	flags.Int("mining-threads", d.MiningThreads, "number of PoW worker goroutines")
	flags.String("miner-address", "", "address credited when this node mines a block")

	v.SetEnvPrefix("NILOTIC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v.BindPFlags(flags)
}

// Load materializes a Config from a bound viper instance, validating the
// fields that have a hard constraint.
func Load(v *viper.Viper) (Config, error) {
	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.MiningThreads < 1 {
		return Config{}, fmt.Errorf("config: mining-threads must be >= 1, got %d", cfg.MiningThreads)
	}
	if cfg.DataDir == "" {
		return Config{}, fmt.Errorf("config: data-dir must not be empty")
	}
	return cfg, nil
}
