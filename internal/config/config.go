// Package config loads service configuration from YAML files and
// environment variables and converts it into the typed structs the
// core consumes. The core itself never reads files or the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/tradeforge/replay/pkg/types"
)

// ServerConfig configures the HTTP API service.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DataConfig configures the historical data store.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// SlippageSettings mirrors types.SlippageConfig in plain floats.
type SlippageSettings struct {
	Model        string  `mapstructure:"model"`
	FixedBps     float64 `mapstructure:"fixed_bps"`
	ImpactFactor float64 `mapstructure:"impact_factor"`
}

// SizingSettings mirrors types.SizingConfig in plain floats.
type SizingSettings struct {
	Policy         string  `mapstructure:"policy"`
	FixedQuantity  float64 `mapstructure:"fixed_quantity"`
	EquityFraction float64 `mapstructure:"equity_fraction"`
	VolWindow      int     `mapstructure:"vol_window"`
	VolTarget      float64 `mapstructure:"vol_target"`
}

// RunSettings is the file/env shape of a run configuration.
type RunSettings struct {
	Strategy       string             `mapstructure:"strategy"`
	Params         map[string]float64 `mapstructure:"params"`
	InitialCapital float64            `mapstructure:"initial_capital"`
	CommissionRate float64            `mapstructure:"commission_rate"`
	MinQuantity    float64            `mapstructure:"min_quantity"`
	MaxEventLog    int                `mapstructure:"max_event_log"`
	Slippage       SlippageSettings   `mapstructure:"slippage"`
	Sizing         SizingSettings     `mapstructure:"sizing"`
}

// SweepSettings is the file/env shape of the sweep configuration.
type SweepSettings struct {
	Objective        string        `mapstructure:"objective"`
	Workers          int           `mapstructure:"workers"`
	IterationTimeout time.Duration `mapstructure:"iteration_timeout"`
}

// Config is the complete service configuration.
type Config struct {
	Server ServerConfig  `mapstructure:"server"`
	Log    LogConfig     `mapstructure:"log"`
	Data   DataConfig    `mapstructure:"data"`
	Run    RunSettings   `mapstructure:"run"`
	Sweep  SweepSettings `mapstructure:"sweep"`
}

// Load reads configuration from the given YAML file (optional) and the
// REPLAY_* environment, applies defaults, and validates the run
// section. Env keys use underscores: REPLAY_RUN_INITIAL_CAPITAL.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("REPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &types.ConfigError{Field: "file", Reason: err.Error()}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &types.ConfigError{Field: "file", Reason: err.Error()}
	}

	if err := cfg.RunConfig().Validate(); err != nil {
		return nil, err
	}
	if cfg.Sweep.Workers < 1 {
		return nil, &types.ConfigError{Field: "sweep.workers", Reason: "must be at least 1"}
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("data.dir", "./data")

	v.SetDefault("run.strategy", "ma_cross")
	v.SetDefault("run.initial_capital", 10000.0)
	v.SetDefault("run.commission_rate", 0.001)
	v.SetDefault("run.min_quantity", 0.0001)
	v.SetDefault("run.slippage.model", "fixed")
	v.SetDefault("run.slippage.fixed_bps", 5.0)
	v.SetDefault("run.sizing.policy", "fixed_quantity")
	v.SetDefault("run.sizing.fixed_quantity", 1.0)

	v.SetDefault("sweep.objective", "total_return")
	v.SetDefault("sweep.workers", 4)
	v.SetDefault("sweep.iteration_timeout", "60s")
}

// RunConfig converts the run section into the typed core config.
func (c *Config) RunConfig() types.RunConfig {
	return types.RunConfig{
		Strategy:       c.Run.Strategy,
		Params:         types.NewParameterSet(c.Run.Params),
		InitialCapital: decimal.NewFromFloat(c.Run.InitialCapital),
		CommissionRate: decimal.NewFromFloat(c.Run.CommissionRate),
		MinQuantity:    decimal.NewFromFloat(c.Run.MinQuantity),
		MaxEventLog:    c.Run.MaxEventLog,
		Slippage: types.SlippageConfig{
			Model:        c.Run.Slippage.Model,
			FixedBps:     decimal.NewFromFloat(c.Run.Slippage.FixedBps),
			ImpactFactor: decimal.NewFromFloat(c.Run.Slippage.ImpactFactor),
		},
		Sizing: types.SizingConfig{
			Policy:         types.SizingPolicy(c.Run.Sizing.Policy),
			FixedQuantity:  decimal.NewFromFloat(c.Run.Sizing.FixedQuantity),
			EquityFraction: decimal.NewFromFloat(c.Run.Sizing.EquityFraction),
			VolWindow:      c.Run.Sizing.VolWindow,
			VolTarget:      decimal.NewFromFloat(c.Run.Sizing.VolTarget),
		},
	}
}

// SweepConfig converts the sweep section into the typed core config.
func (c *Config) SweepConfig() types.SweepConfig {
	return types.SweepConfig{
		Run:              c.RunConfig(),
		Objective:        c.Sweep.Objective,
		Workers:          c.Sweep.Workers,
		IterationTimeout: c.Sweep.IterationTimeout,
	}
}
