// Package drconfig loads the runtime configuration for a device
// process: transport selection, storage location, and the tunable
// bounds named in spec.md (MAX_SKIP, AppKeys-fetch timeout, inactive
// session queue capacity). MaxSkip is loaded but not read by the
// ratchet, which enforces its own fixed MaxSkip. Loading follows the teacher's two-layer
// approach: a YAML file for structured defaults, then environment
// variables as operational overrides.
package drconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportMock = "mock"
	TransportWaku = "waku"
)

// Config is the top-level configuration for a single device process.
type Config struct {
	Transport       string        `yaml:"transport"`
	BootstrapPeers  []string      `yaml:"bootstrapPeers"`
	StoragePath     string        `yaml:"storagePath"`
	StorageSecret   string        `yaml:"-"` // never written to disk; env-only
	MaxSkip         int           `yaml:"maxSkip"`
	InactiveQueueSz int           `yaml:"inactiveQueueSize"`
	AppKeysFetchWait time.Duration `yaml:"appKeysFetchWait"`
	ActivationWait  time.Duration `yaml:"activationWait"`
}

// Default returns the configuration used when no file or environment
// overrides are present, mirroring internal/waku.DefaultConfig's role.
func Default() Config {
	return Config{
		Transport:        TransportMock,
		MaxSkip:          500,
		InactiveQueueSz:  10,
		AppKeysFetchWait: 2 * time.Second,
		ActivationWait:   30 * time.Second,
	}
}

// Load reads path (if non-empty and present) as YAML over the default
// configuration, then applies environment overrides, matching the
// precedence order used by internal/composition/daemonservice.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, err
			}
		} else if len(raw) > 0 {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, err
			}
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := envString("ARDENTMESH_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := envString("ARDENTMESH_STORAGE_PATH"); v != "" {
		cfg.StoragePath = v
	}
	if v := envString("ARDENTMESH_STORAGE_SECRET"); v != "" {
		cfg.StorageSecret = v
	}
	if v := envCSV("ARDENTMESH_BOOTSTRAP_PEERS"); v != nil {
		cfg.BootstrapPeers = v
	}
	cfg.MaxSkip = envIntWithFallback("ARDENTMESH_MAX_SKIP", cfg.MaxSkip)
	cfg.InactiveQueueSz = envIntWithFallback("ARDENTMESH_INACTIVE_QUEUE_SIZE", cfg.InactiveQueueSz)
	if v := envDurationWithFallback("ARDENTMESH_APPKEYS_FETCH_WAIT", cfg.AppKeysFetchWait); v > 0 {
		cfg.AppKeysFetchWait = v
	}
	if v := envDurationWithFallback("ARDENTMESH_ACTIVATION_WAIT", cfg.ActivationWait); v > 0 {
		cfg.ActivationWait = v
	}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envCSV(key string) []string {
	raw := envString(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envIntWithFallback(key string, fallback int) int {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDurationWithFallback(key string, fallback time.Duration) time.Duration {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
