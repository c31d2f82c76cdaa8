package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
	"github.com/joho/godotenv"
	"github.com/warpgate/warpgate/pkg/utils"
	"go.yaml.in/yaml/v3"
)

var cfg *Config

// Config holds the application configuration
type Config struct {
	DBPath     string `yaml:"db_path"`
	ServerAddr string `yaml:"server_addr"` // HTTP API listen address
	BridgeAddr string `yaml:"bridge_addr"` // WebSocket event bridge listen address
	LogLevel   string `yaml:"log_level"`

	BasePort       int    `yaml:"base_port"`       // first candidate port for the proxy listener
	ForbiddenPorts string `yaml:"forbidden_ports"` // comma-separated ports the allocator must skip

	MitmdumpPath string `yaml:"mitmdump_path"`
	ScriptPath   string `yaml:"script_path"` // addon script handed to mitmdump
	ConfDir      string `yaml:"conf_dir"`    // mitmproxy confdir holding the CA material
	WarpOnly     bool   `yaml:"warp_only"`   // intercept only Warp traffic, tunnel the rest raw

	Version string `yaml:"-"`

	mu   sync.Mutex `yaml:"-"`
	file string     `yaml:"-"`
}

// DataDir returns the directory holding the config file, database and marker files
func (c *Config) DataDir() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return filepath.Dir(c.file)
}

func (c *Config) GetServerPort() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return strings.Split(c.ServerAddr, ":")[1]
}

// ForbiddenPortList parses the configured forbidden ports into a slice
func (c *Config) ForbiddenPortList() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ports []int
	for _, part := range strings.Split(c.ForbiddenPorts, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if p, err := strconv.Atoi(part); err == nil && p > 0 {
			ports = append(ports, p)
		}
	}
	return ports
}

// Save writes the current configuration back to the file
func (c *Config) Save() error {
	if c.file == "" {
		return fmt.Errorf("config file path is not set")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	err = os.WriteFile(c.file, data, 0o644)
	if err != nil {
		return err
	}

	return nil
}

// EnsureDefaultConfig sets default values for missing config fields
func (c *Config) EnsureDefaultConfig(save bool) error {
	changed := false
	c.mu.Lock()

	// Env overrides
	if logLevel := utils.Env("WARPGATE_LOG_LEVEL", ""); logLevel != "" {
		c.LogLevel = logLevel
	}

	if mitmdump := utils.Env("WARPGATE_MITMDUMP", ""); mitmdump != "" {
		c.MitmdumpPath = mitmdump
	}

	if forbidden := utils.Env("WARPGATE_FORBIDDEN_PORTS", ""); forbidden != "" {
		c.ForbiddenPorts = forbidden
	}

	if basePort := utils.StringToInt(utils.Env("WARPGATE_BASE_PORT", "")); basePort > 0 {
		c.BasePort = basePort
	}

	// Create defaults
	dir := filepath.Dir(c.file)

	if c.DBPath == "" {
		c.DBPath = filepath.Join(dir, "warpgate.db")
		changed = true
	}

	if c.ServerAddr == "" {
		c.ServerAddr = "127.0.0.1:3030"
		changed = true
	}

	if c.BridgeAddr == "" {
		c.BridgeAddr = "127.0.0.1:3031"
		changed = true
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
		changed = true
	}

	if c.BasePort == 0 {
		c.BasePort = 18080
		changed = true
	}

	if c.MitmdumpPath == "" {
		c.MitmdumpPath = "mitmdump"
		changed = true
	}

	if c.ScriptPath == "" {
		c.ScriptPath = filepath.Join(dir, "addon.py")
		changed = true
	}

	if c.ConfDir == "" {
		c.ConfDir = filepath.Join(dir, "mitmproxy")
		changed = true
	}

	c.mu.Unlock()

	if changed && save {
		return c.Save()
	}
	return nil
}

// ConfigInstance returns the global config instance
func ConfigInstance() *Config {
	return cfg
}

// Load loads configuration from the specified file and environment variables
func Load(version, file, logLevel string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg = &Config{
		Version: version,
		file:    file,
	}

	yamlFeeder := feeder.Yaml{Path: file}
	_ = config.New().AddFeeder(yamlFeeder).AddStruct(cfg).Feed()

	if err := cfg.EnsureDefaultConfig(true); err != nil {
		return nil, err
	}

	// Override log level from command-line argument
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	return cfg, nil
}
