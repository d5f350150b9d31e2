// Package config loads bae0netd's runtime configuration via viper,
// binding BAE0NET_-prefixed environment variables and an optional
// config file over the defaults spec.md §6 lists for the reference
// server (SPEC_FULL §10.2).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved set of tunables the dispatcher, the
// admission gate, and the integrity verifier are constructed from.
// Field order and grouping follow spec.md §6's own listing.
type Config struct {
	Port           int `mapstructure:"port"`
	MaxConnections int `mapstructure:"max_connections"`
	BufferSize     int `mapstructure:"buffer_size"`
	MaxPacketSize  int `mapstructure:"max_packet_size"`
	FragmentSize   int `mapstructure:"fragment_size"`

	FragmentTimeout        time.Duration `mapstructure:"fragment_timeout"`
	ConnectionTimeout      time.Duration `mapstructure:"connection_timeout"`
	KeepAliveInterval      time.Duration `mapstructure:"keep_alive_interval"`
	IntegrityCheckInterval time.Duration `mapstructure:"integrity_check_interval"`
	MaxIntegrityFailures   int           `mapstructure:"max_integrity_failures"`

	MaxPacketsPerSecond  float64       `mapstructure:"max_packets_per_second"`
	ConnectionCooldown   time.Duration `mapstructure:"connection_cooldown"`
	MaxConnectionsPerIP  int           `mapstructure:"max_connections_per_ip"`
	PacketFloodThreshold int           `mapstructure:"packet_flood_threshold"`
	BanDuration          time.Duration `mapstructure:"ban_duration"`

	MaxPacketQueueSize      int           `mapstructure:"max_packet_queue_size"`
	ConnectionBurstLimit    int           `mapstructure:"connection_burst_limit"`
	ConnectionBurstWindow   time.Duration `mapstructure:"connection_burst_window"`
	PacketBurstLimit        int           `mapstructure:"packet_burst_limit"`
	PacketBurstWindow       time.Duration `mapstructure:"packet_burst_window"`
	MaxPacketProcessingTime time.Duration `mapstructure:"max_packet_processing_time"`

	EnableHWIDBan       bool          `mapstructure:"enable_hwid_ban"`
	HWIDBanDuration     time.Duration `mapstructure:"hwid_ban_duration"`
	AllowVirtualMachine bool          `mapstructure:"allow_virtual_machine"`

	TickInterval    time.Duration `mapstructure:"tick_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	IntegritySecret string `mapstructure:"integrity_secret"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	MetricsListenAddr string `mapstructure:"metrics_listen_addr"`
}

// ListenAddr is the UDP bind address derived from Port.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load reads configuration from (in ascending priority) built-in
// defaults, an optional config file at path, and BAE0NET_-prefixed
// environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BAE0NET")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.MaxPacketProcessingTime < 0 {
		return Config{}, fmt.Errorf("config: max_packet_processing_time must not be negative")
	}
	return cfg, nil
}

// setDefaults registers every spec.md §6 key's default value, plus the
// ambient keys (logging, metrics, tick/cleanup cadence, the integrity
// secret) the distilled key list doesn't name.
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 12345)
	v.SetDefault("max_connections", 32)
	v.SetDefault("buffer_size", 1024)
	v.SetDefault("max_packet_size", 1024)
	v.SetDefault("fragment_size", 512)

	v.SetDefault("fragment_timeout", 5000*time.Millisecond)
	v.SetDefault("connection_timeout", 30000*time.Millisecond)
	v.SetDefault("keep_alive_interval", 1000*time.Millisecond)
	v.SetDefault("integrity_check_interval", 30*time.Second)
	v.SetDefault("max_integrity_failures", 3)

	v.SetDefault("max_packets_per_second", 1000)
	v.SetDefault("connection_cooldown", 5*time.Second)
	v.SetDefault("max_connections_per_ip", 3)
	v.SetDefault("packet_flood_threshold", 100)
	v.SetDefault("ban_duration", 3600*time.Second)

	v.SetDefault("max_packet_queue_size", 1000)
	v.SetDefault("connection_burst_limit", 10)
	v.SetDefault("connection_burst_window", 5*time.Second)
	v.SetDefault("packet_burst_limit", 100)
	v.SetDefault("packet_burst_window", 1*time.Second)
	v.SetDefault("max_packet_processing_time", 100*time.Millisecond)

	v.SetDefault("enable_hwid_ban", true)
	v.SetDefault("hwid_ban_duration", 7776000*time.Second)
	v.SetDefault("allow_virtual_machine", false)

	v.SetDefault("tick_interval", 50*time.Millisecond)
	v.SetDefault("cleanup_interval", 60*time.Second)

	v.SetDefault("integrity_secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("metrics_listen_addr", ":9090")
}
