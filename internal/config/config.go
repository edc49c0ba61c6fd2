// Package config loads cmd/fbpd's configuration: a small set of
// defaults, optionally overridden by a YAML file, in turn overridden by
// command-line flags. This generalizes the teacher's five bare `flag.*`
// declarations in cmd/bluetooth-service/main.go (serial device, baud
// rate, Redis address/password/db) to the larger tunable surface a full
// protocol daemon needs (window sizes, timeouts, topic seeds), using
// gopkg.in/yaml.v2 for the file layer.
package config

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the full set of cmd/fbpd tunables.
type Config struct {
	SerialDevice string `yaml:"serial_device"`
	BaudRate     int    `yaml:"baud_rate"`

	RedisAddr string `yaml:"redis_addr"`
	RedisPass string `yaml:"redis_pass"`
	RedisDB   int    `yaml:"redis_db"`

	TxWindowMax int `yaml:"tx_window_max"`
	RxWindow    int `yaml:"rx_window"`
	TxRingSize  int `yaml:"tx_ring_size"`

	LogPortID  int `yaml:"log_port_id"`
	WavePortID int `yaml:"wave_port_id"`

	MetricsAddr string `yaml:"metrics_addr"`

	// TopicPrefix seeds PubSub.AddOwnedTopic for this instance.
	TopicPrefix string `yaml:"topic_prefix"`
}

// Defaults mirrors the teacher's literal flag defaults where a direct
// analogue exists, and picks conservative values for the rest.
func Defaults() Config {
	return Config{
		SerialDevice: "/dev/ttymxc1",
		BaudRate:     115200,
		RedisAddr:    "localhost:6379",
		RedisDB:      0,
		TxWindowMax:  8,
		RxWindow:     8,
		TxRingSize:   16,
		LogPortID:    31,
		WavePortID:   30,
		MetricsAddr:  ":9100",
		TopicPrefix:  "fbpd",
	}
}

// loadYAML merges the file at path over cfg, leaving fields the file
// doesn't mention untouched. A missing path is not an error: the YAML
// layer is optional.
func loadYAML(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// Load builds the final Config: Defaults(), then the YAML file at
// configPath (if set and present), then any flags the caller explicitly
// set on fs take precedence over both. fs must already have had Parse
// called with the same flag set Register returned.
func Load(configPath string, cfg Config, fs *flag.FlagSet) (Config, error) {
	merged := Defaults()
	if err := loadYAML(configPath, &merged); err != nil {
		return Config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		applyFlagOverride(&merged, f.Name, cfg)
	})
	return merged, nil
}

// applyFlagOverride copies the single field named by flagName from
// overrides into merged. Only flags the caller actually set (per
// fs.Visit, which — unlike fs.VisitAll — skips untouched flags) reach
// here, so defaults and YAML values for everything else survive.
func applyFlagOverride(merged *Config, flagName string, overrides Config) {
	switch flagName {
	case "serial":
		merged.SerialDevice = overrides.SerialDevice
	case "baud":
		merged.BaudRate = overrides.BaudRate
	case "redis-addr":
		merged.RedisAddr = overrides.RedisAddr
	case "redis-pass":
		merged.RedisPass = overrides.RedisPass
	case "redis-db":
		merged.RedisDB = overrides.RedisDB
	case "tx-window-max":
		merged.TxWindowMax = overrides.TxWindowMax
	case "rx-window":
		merged.RxWindow = overrides.RxWindow
	case "tx-ring-size":
		merged.TxRingSize = overrides.TxRingSize
	case "metrics-addr":
		merged.MetricsAddr = overrides.MetricsAddr
	case "topic-prefix":
		merged.TopicPrefix = overrides.TopicPrefix
	}
}

// Register declares every flag on fs, backed by cfg's current values as
// defaults, and returns cfg so the caller can pass the same pointer's
// dereferenced value back into Load after fs.Parse.
func Register(fs *flag.FlagSet, defaults Config) *Config {
	cfg := defaults
	fs.StringVar(&cfg.SerialDevice, "serial", defaults.SerialDevice, "Serial device path")
	fs.IntVar(&cfg.BaudRate, "baud", defaults.BaudRate, "Serial baud rate")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", defaults.RedisAddr, "Redis server address")
	fs.StringVar(&cfg.RedisPass, "redis-pass", defaults.RedisPass, "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", defaults.RedisDB, "Redis database number")
	fs.IntVar(&cfg.TxWindowMax, "tx-window-max", defaults.TxWindowMax, "Maximum TX window size")
	fs.IntVar(&cfg.RxWindow, "rx-window", defaults.RxWindow, "RX reorder window size")
	fs.IntVar(&cfg.TxRingSize, "tx-ring-size", defaults.TxRingSize, "TX ring buffer slot count")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", defaults.MetricsAddr, "Prometheus /metrics listen address")
	fs.StringVar(&cfg.TopicPrefix, "topic-prefix", defaults.TopicPrefix, "Owned topic prefix to seed on startup")
	return &cfg
}
