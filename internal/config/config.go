// Package config loads the process configuration: a YAML file merged
// with environment variable overrides, mirroring the teacher's
// init-logging-from-flags pattern (cmd/warren/main.go's initLogging)
// but for the full process config rather than just the logger, since
// this module has no Raft/cluster-join flags to carry instead. YAML
// decoding uses gopkg.in/yaml.v3, already a teacher dependency.
package config

import (
	"os"
	"strconv"

	"github.com/cuemby/netstore/internal/access"
	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/log"
	"github.com/cuemby/netstore/internal/notify"
	"github.com/cuemby/netstore/internal/orchestrator"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	DataDir        string `yaml:"dataDir"`
	ListenAddr     string `yaml:"listenAddr"`
	MetricsAddr    string `yaml:"metricsAddr"`
	SingleUserMode bool   `yaml:"singleUserMode"`

	Log       log.Config    `yaml:"-"`
	LogLevel  string        `yaml:"logLevel"`
	LogJSON   bool          `yaml:"logJson"`
	Notify    notify.Config `yaml:"notify"`
	Access    access.Config `yaml:"-"`
	CacheSize int           `yaml:"accessCacheSize"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() Config {
	return Config{
		DataDir:        "./data",
		ListenAddr:     ":8080",
		MetricsAddr:    "127.0.0.1:9090",
		SingleUserMode: false,
		LogLevel:       "info",
		LogJSON:        false,
		Notify:         notify.Config{ChannelBuffer: 16},
		CacheSize:      4096,
	}
}

// Load reads path (if non-empty and present) as YAML over Default(),
// then applies environment variable overrides, then resolves the
// yaml:"-" fields (Log, Access) from the flattened ones.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, errs.Wrap(errs.Internal, err, "config: read %s", path)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errs.Wrap(errs.InvalidInput, err, "config: parse %s", path)
		}
	}

	applyEnv(&cfg)

	cfg.Log = log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON}
	cfg.Access = access.Config{SingleUserMode: cfg.SingleUserMode, CacheSize: cfg.CacheSize}

	return cfg, nil
}

// applyEnv maps NETSTORE_* environment variables onto Config fields.
func applyEnv(cfg *Config) {
	if v := os.Getenv("NETSTORE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("NETSTORE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("NETSTORE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("NETSTORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("NETSTORE_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LogJSON = b
		}
	}
	if v := os.Getenv("NETSTORE_SINGLE_USER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SingleUserMode = b
		}
	}
	if v := os.Getenv("NETSTORE_ACCESS_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheSize = n
		}
	}
	if v := os.Getenv("NETSTORE_NOTIFY_CHANNEL_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Notify.ChannelBuffer = n
		}
	}
}

// OrchestratorConfig derives the orchestrator.Config implied by cfg.
func (c Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		SingleUserMode:  c.SingleUserMode,
		AccessCacheSize: c.CacheSize,
		NotifyBuffer:    c.Notify.ChannelBuffer,
	}
}
