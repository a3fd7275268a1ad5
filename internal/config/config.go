package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Exchange ExchangeRuntimeConfig `toml:"exchange"`
	Market   MarketConfig          `toml:"market"`
	Agents   []AgentConfig         `toml:"agents"`
	Path     string                `toml:"-"`
}

type ExchangeRuntimeConfig struct {
	Addr              string `toml:"addr"`
	DBPath            string `toml:"db_path"`
	NRounds           int    `toml:"n_rounds"`
	Periods           int    `toml:"periods"`
	BreakerQuantumMS  int    `toml:"breaker_quantum_ms"`
	BreakerIntervalMS int    `toml:"breaker_interval_ms"`
	PeriodTimeoutMS   int    `toml:"period_timeout_ms"`
	BusBuffer         int    `toml:"bus_buffer"`
}

// MarketConfig bounds the offer space every session in a period shares.
type MarketConfig struct {
	MinQuantity  int     `toml:"min_quantity"`
	MaxQuantity  int     `toml:"max_quantity"`
	MinUnitPrice float64 `toml:"min_unit_price"`
	MaxUnitPrice float64 `toml:"max_unit_price"`
}

type AgentConfig struct {
	ID      string        `toml:"id"`
	Flavor  string        `toml:"flavor"`
	Strict  bool          `toml:"strict"`
	Profile ProfileConfig `toml:"profile"`
}

type ProfileConfig struct {
	ExogenousInputQuantity  int     `toml:"exogenous_input_quantity"`
	ExogenousInputPrice     float64 `toml:"exogenous_input_price"`
	ExogenousOutputQuantity int     `toml:"exogenous_output_quantity"`
	ExogenousOutputPrice    float64 `toml:"exogenous_output_price"`
	ProductionCost          float64 `toml:"production_cost"`
	StorageCost             float64 `toml:"storage_cost"`
	DeliveryPenalty         float64 `toml:"delivery_penalty"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".oneshot/exchange.toml"
	}
	return filepath.Join(home, ".oneshot", "exchange.toml")
}
