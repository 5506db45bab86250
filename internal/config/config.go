// Package config loads node and hub settings from
// samizdat.yaml, SAMIZDAT_* environment variables and
// command line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/i5heu/samizdat/pkg/model"
)

const (
	configName = "samizdat"
	envPrefix  = "SAMIZDAT"
)

// HubEntry is a hub listed in the configuration file.
type HubEntry struct {
	Addr string `mapstructure:"addr"`
	Mode string `mapstructure:"mode"`
}

// ObjectsConfig holds object store policy.
type ObjectsConfig struct {
	ByteBudget     int64          `mapstructure:"byte_budget"`
	MaxObjectSize  int64          `mapstructure:"max_object_size"`
	InlineLimit    int            `mapstructure:"inline_limit"`
	VacuumInterval time.Duration  `mapstructure:"vacuum_interval"`
	UsePrior       model.UsePrior `mapstructure:"use_prior"`
}

// EditionConfig holds edition resolution policy.
type EditionConfig struct {
	ClockSkew    time.Duration `mapstructure:"clock_skew"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	DefaultTTL   time.Duration `mapstructure:"default_ttl"`
}

// RouterConfig holds network lookup policy.
type RouterConfig struct {
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	PullTimeout     time.Duration `mapstructure:"pull_timeout"`
	ReplayTolerance time.Duration `mapstructure:"replay_tolerance"`
}

// SubscriptionConfig holds mirroring policy.
type SubscriptionConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Parallelism int           `mapstructure:"parallelism"`
}

// NodeConfig is the configuration of samizdat-node.
type NodeConfig struct {
	DataDir      string             `mapstructure:"data_dir"`
	ListenAddr   string             `mapstructure:"listen_addr"`
	LogLevel     string             `mapstructure:"log_level"`
	Objects      ObjectsConfig      `mapstructure:"objects"`
	Edition      EditionConfig      `mapstructure:"edition"`
	Router       RouterConfig       `mapstructure:"router"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Hubs         []HubEntry         `mapstructure:"hubs"`
}

// HubConfig is the configuration of samizdat-hub.
type HubConfig struct {
	ListenAddr           string        `mapstructure:"listen_addr"`
	LogLevel             string        `mapstructure:"log_level"`
	BroadcastWindow      time.Duration `mapstructure:"broadcast_window"`
	MaxPeersPerQuery     int           `mapstructure:"max_peers_per_query"`
	MaxResponsesPerQuery int           `mapstructure:"max_responses_per_query"`
	MaxConcurrentQueries int64         `mapstructure:"max_concurrent_queries"`
	QueryInterval        time.Duration `mapstructure:"query_interval"`
	QueryBurst           int           `mapstructure:"query_burst"`
	ReplayWindow         time.Duration `mapstructure:"replay_window"`
	Blacklist            []string      `mapstructure:"blacklist"`
}

// LoadNode reads the node configuration. configPath may be
// empty; a missing configuration file is not an error.
func LoadNode(configPath string, cmd *cobra.Command) (NodeConfig, error) { // A
	v, err := setupViper(configPath, cmd, setNodeDefaults)
	if err != nil {
		return NodeConfig{}, err
	}
	var cfg NodeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("decode node config: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadHub reads the hub configuration.
func LoadHub(configPath string, cmd *cobra.Command) (HubConfig, error) { // A
	v, err := setupViper(configPath, cmd, setHubDefaults)
	if err != nil {
		return HubConfig{}, err
	}
	var cfg HubConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return HubConfig{}, fmt.Errorf("decode hub config: %w", err)
	}
	return cfg, cfg.Validate()
}

// setupViper configures a viper instance with defaults,
// search paths, environment and flag bindings. Flags are
// bound by replacing dashes with underscores, so
// --listen-addr sets listen_addr.
func setupViper( // A
	configPath string,
	cmd *cobra.Command,
	defaults func(v *viper.Viper),
) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	defaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		var bindErr error
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if bindErr != nil || f.Name == "config" {
				return
			}
			key := strings.ReplaceAll(f.Name, "-", "_")
			if err := v.BindPFlag(key, f); err != nil {
				bindErr = fmt.Errorf("bind flag %q: %w", f.Name, err)
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}
