package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/SallyKAN/device-relay/internal/logger"
)

// Config holds the full device-relay configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Log         logger.Config     `mapstructure:"log" yaml:"log"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery" yaml:"discovery"`
	Handoff     HandoffConfig     `mapstructure:"handoff" yaml:"handoff"`
	Capability  CapabilityConfig  `mapstructure:"capability" yaml:"capability"`
	Performance PerformanceConfig `mapstructure:"performance" yaml:"performance"`
	Routing     RoutingConfig     `mapstructure:"routing" yaml:"routing"`
	Agent       AgentConfig       `mapstructure:"agent" yaml:"agent"`
}

// ServerConfig holds coordinator HTTP settings.
type ServerConfig struct {
	Port    int    `mapstructure:"port" yaml:"port"`
	Token   string `mapstructure:"token" yaml:"token"`
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// DiscoveryConfig tunes device discovery.
type DiscoveryConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxDevices   int           `mapstructure:"max_devices" yaml:"max_devices"`
	ScanInterval time.Duration `mapstructure:"scan_interval" yaml:"scan_interval"`
	CacheTimeout time.Duration `mapstructure:"cache_timeout" yaml:"cache_timeout"`
}

// HandoffConfig tunes device handoff.
type HandoffConfig struct {
	Timeout              time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries           int           `mapstructure:"max_retries" yaml:"max_retries"`
	StateTransferTimeout time.Duration `mapstructure:"state_transfer_timeout" yaml:"state_transfer_timeout"`
	FallbackEnabled      bool          `mapstructure:"fallback_enabled" yaml:"fallback_enabled"`
}

// CapabilityConfig tunes capability negotiation.
type CapabilityConfig struct {
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout" yaml:"negotiation_timeout"`
	CacheTimeout       time.Duration `mapstructure:"cache_timeout" yaml:"cache_timeout"`
	AutoNegotiate      bool          `mapstructure:"auto_negotiate" yaml:"auto_negotiate"`
}

// Thresholds are the alert levels for performance samples.
// Network is expressed in percent of full strength.
type Thresholds struct {
	CPU     float64 `mapstructure:"cpu" yaml:"cpu"`
	Memory  float64 `mapstructure:"memory" yaml:"memory"`
	Battery float64 `mapstructure:"battery" yaml:"battery"`
	Network float64 `mapstructure:"network" yaml:"network"`
}

// PerformanceConfig tunes the reachability monitor.
type PerformanceConfig struct {
	MonitoringInterval time.Duration `mapstructure:"monitoring_interval" yaml:"monitoring_interval"`
	Thresholds         Thresholds    `mapstructure:"thresholds" yaml:"thresholds"`
}

// RoutingConfig tunes message routing.
type RoutingConfig struct {
	MaxHops              int           `mapstructure:"max_hops" yaml:"max_hops"`
	DefaultTTL           time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
	LoadBalanceThreshold float64       `mapstructure:"load_balance_threshold" yaml:"load_balance_threshold"`
}

// AgentConfig holds device agent settings used by `join`.
type AgentConfig struct {
	CoordinatorURL string        `mapstructure:"coordinator_url" yaml:"coordinator_url"`
	UserID         string        `mapstructure:"user_id" yaml:"user_id"`
	DeviceID       string        `mapstructure:"device_id" yaml:"device_id"`
	DeviceType     string        `mapstructure:"device_type" yaml:"device_type"`
	Platform       string        `mapstructure:"platform" yaml:"platform"`
	ReportInterval time.Duration `mapstructure:"report_interval" yaml:"report_interval"`
}

// Default returns the configuration used when no file or env overrides exist.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 9180, DataDir: defaultDataDir()},
		Log:    logger.Config{Level: "info"},
		Discovery: DiscoveryConfig{
			Timeout:      5 * time.Second,
			MaxDevices:   10,
			ScanInterval: 30 * time.Second,
			CacheTimeout: 5 * time.Minute,
		},
		Handoff: HandoffConfig{
			Timeout:              10 * time.Second,
			MaxRetries:           3,
			StateTransferTimeout: 15 * time.Second,
			FallbackEnabled:      true,
		},
		Capability: CapabilityConfig{
			NegotiationTimeout: 5 * time.Second,
			CacheTimeout:       5 * time.Minute,
			AutoNegotiate:      true,
		},
		Performance: PerformanceConfig{
			MonitoringInterval: 10 * time.Second,
			Thresholds:         Thresholds{CPU: 80, Memory: 85, Battery: 20, Network: 50},
		},
		Routing: RoutingConfig{
			MaxHops:              5,
			DefaultTTL:           5 * time.Minute,
			LoadBalanceThreshold: 70,
		},
		Agent: AgentConfig{
			CoordinatorURL: "http://127.0.0.1:9180",
			DeviceType:     "desktop",
			ReportInterval: 10 * time.Second,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".device-relay"
	}
	return filepath.Join(home, ".device-relay")
}

// setDefaults registers every key with viper so env overrides apply to
// keys absent from the config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.token", d.Server.Token)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.debug", d.Log.Debug)
	v.SetDefault("log.output", d.Log.Output)
	v.SetDefault("log.time_format", d.Log.TimeFormat)

	v.SetDefault("discovery.timeout", d.Discovery.Timeout)
	v.SetDefault("discovery.max_devices", d.Discovery.MaxDevices)
	v.SetDefault("discovery.scan_interval", d.Discovery.ScanInterval)
	v.SetDefault("discovery.cache_timeout", d.Discovery.CacheTimeout)

	v.SetDefault("handoff.timeout", d.Handoff.Timeout)
	v.SetDefault("handoff.max_retries", d.Handoff.MaxRetries)
	v.SetDefault("handoff.state_transfer_timeout", d.Handoff.StateTransferTimeout)
	v.SetDefault("handoff.fallback_enabled", d.Handoff.FallbackEnabled)

	v.SetDefault("capability.negotiation_timeout", d.Capability.NegotiationTimeout)
	v.SetDefault("capability.cache_timeout", d.Capability.CacheTimeout)
	v.SetDefault("capability.auto_negotiate", d.Capability.AutoNegotiate)

	v.SetDefault("performance.monitoring_interval", d.Performance.MonitoringInterval)
	v.SetDefault("performance.thresholds.cpu", d.Performance.Thresholds.CPU)
	v.SetDefault("performance.thresholds.memory", d.Performance.Thresholds.Memory)
	v.SetDefault("performance.thresholds.battery", d.Performance.Thresholds.Battery)
	v.SetDefault("performance.thresholds.network", d.Performance.Thresholds.Network)

	v.SetDefault("routing.max_hops", d.Routing.MaxHops)
	v.SetDefault("routing.default_ttl", d.Routing.DefaultTTL)
	v.SetDefault("routing.load_balance_threshold", d.Routing.LoadBalanceThreshold)

	v.SetDefault("agent.coordinator_url", d.Agent.CoordinatorURL)
	v.SetDefault("agent.user_id", d.Agent.UserID)
	v.SetDefault("agent.device_id", d.Agent.DeviceID)
	v.SetDefault("agent.device_type", d.Agent.DeviceType)
	v.SetDefault("agent.platform", d.Agent.Platform)
	v.SetDefault("agent.report_interval", d.Agent.ReportInterval)
}

// Load reads configuration from file and environment. An empty path
// searches the default locations; a missing file is not an error there.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("device-relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.device-relay")
		v.AddConfigPath("/etc/device-relay")
	}

	setDefaults(v, Default())

	v.SetEnvPrefix("DEVICE_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Performance.MonitoringInterval <= 0:
		return fmt.Errorf("performance.monitoring_interval must be positive")
	case c.Discovery.MaxDevices <= 0:
		return fmt.Errorf("discovery.max_devices must be positive")
	case c.Routing.MaxHops <= 0:
		return fmt.Errorf("routing.max_hops must be positive")
	case c.Handoff.MaxRetries < 0:
		return fmt.Errorf("handoff.max_retries must not be negative")
	}
	return nil
}

// Generate returns a fresh configuration with a random admin token.
func Generate() (*Config, error) {
	cfg := Default()
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	cfg.Server.Token = token
	return cfg, nil
}

// WriteYAML writes the configuration to path with owner-only permissions.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
