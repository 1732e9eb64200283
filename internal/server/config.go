package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/bms-emulator/internal/canbus"
	"github.com/shaunagostinho/bms-emulator/internal/datalayer"
	"github.com/shaunagostinho/bms-emulator/internal/emulator"
	"github.com/shaunagostinho/bms-emulator/internal/logger"
	"github.com/shaunagostinho/bms-emulator/internal/scheduler"
)

// DefaultConfigPath is where the emulator looks for its YAML file.
const DefaultConfigPath = "/etc/bmsemu/config.yaml"

// Config holds all emulator configuration.
type Config struct {
	mu sync.RWMutex

	Battery  BatteryConfig   `yaml:"battery" json:"battery"`
	CAN      canbus.Config   `yaml:"can" json:"can"`
	Store    StoreConfig     `yaml:"store" json:"store"`
	Emulator emulator.Config `yaml:"emulator" json:"emulator"`
	Logging  logger.Config   `yaml:"logging" json:"logging"`
	Server   ServerConfig    `yaml:"server" json:"server"`

	path string // file path for save/load
}

type BatteryConfig struct {
	Variant string `yaml:"variant" json:"variant"` // "mgzs" or "mgzs-lr"
}

// StoreConfig selects where the pack status is published.
type StoreConfig struct {
	Type     string                `yaml:"type" json:"type"` // "memory" or "redis"
	UpdateMs int                   `yaml:"update_ms" json:"updateMs"`
	Redis    datalayer.RedisConfig `yaml:"redis" json:"redis"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Battery: BatteryConfig{Variant: "mgzs"},
		CAN: canbus.Config{
			Type:      "socketcan",
			Interface: "can0",
			Port:      "/dev/ttyACM0",
			Baud:      115200,
			Bitrate:   500000,
		},
		Store: StoreConfig{
			Type:     "memory",
			UpdateMs: 1000,
			Redis: datalayer.RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "bms",
			},
		},
		Emulator: emulator.Config{
			Timing:           scheduler.DefaultConfig(),
			MinIntegrationMs: 100,
		},
		Logging: logger.Config{
			Enabled:    false,
			Path:       "/var/log/bmsemu",
			IntervalMs: 1000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config first, then CWD
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence.
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Printf("[config] ignoring %s=%q: %v", key, v, err)
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true" || v == "yes"
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
func (c *Config) applyEnvOverrides() {
	envString("BATTERY_VARIANT", &c.Battery.Variant)

	envString("CAN_TYPE", &c.CAN.Type)
	envString("CAN_INTERFACE", &c.CAN.Interface)
	envString("CAN_PORT", &c.CAN.Port)
	envInt("CAN_BAUD", &c.CAN.Baud)
	envInt("CAN_BITRATE", &c.CAN.Bitrate)

	envString("STORE_TYPE", &c.Store.Type)
	envInt("STORE_UPDATE_MS", &c.Store.UpdateMs)
	envString("REDIS_ADDR", &c.Store.Redis.Addr)
	envString("REDIS_PASSWORD", &c.Store.Redis.Password)
	envInt("REDIS_DB", &c.Store.Redis.DB)

	envString("LISTEN_ADDR", &c.Server.ListenAddr)

	envBool("LOG_ENABLED", &c.Logging.Enabled)
	envString("LOG_PATH", &c.Logging.Path)
	envInt("LOG_INTERVAL_MS", &c.Logging.IntervalMs)
	envBool("LOG_DEBUG", &c.Logging.Debug)

	if v := os.Getenv("BOOT_GRACE_MS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Emulator.Timing.BootGrace = n
		}
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
