package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration. It is loaded once at startup and
// never mutated afterwards; a reload requires a restart.
type Config struct {
	Bus           BusConfig           `mapstructure:"bus"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Detection     DetectionConfig     `mapstructure:"detection"`
	Investigation InvestigationConfig `mapstructure:"investigation"`
	Response      ResponseConfig      `mapstructure:"response"`
	Log           LogConfig           `mapstructure:"log"`
	SensorID      string              `mapstructure:"sensor_id"`
}

// BusConfig selects and tunes the event bus transport.
type BusConfig struct {
	// Transport is "memory", "redis" or "nats".
	Transport      string        `mapstructure:"transport"`
	BrokerURL      string        `mapstructure:"broker_url"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DetectionConfig tunes flow aggregation and scoring.
type DetectionConfig struct {
	FlowIdleTimeout time.Duration `mapstructure:"flow_idle_timeout"`
	MaxFlows        int           `mapstructure:"max_flows"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	BatchTimeout    time.Duration `mapstructure:"batch_timeout"`
	EmitThreshold   float64       `mapstructure:"emit_threshold"`
	SeverityHigh    float64       `mapstructure:"severity_high"`
	SeverityMedium  float64       `mapstructure:"severity_medium"`
	ScoringWorkers  int           `mapstructure:"scoring_workers"`
}

// ProviderConfig holds the knobs for one threat-intel provider.
type ProviderConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Credential string `mapstructure:"credential"`
	// RequestsPerDay and Burst parameterize the provider's token bucket.
	RequestsPerDay int           `mapstructure:"requests_per_day"`
	Burst          int           `mapstructure:"burst"`
	TTL            time.Duration `mapstructure:"ttl"`
}

// InvestigationConfig tunes the TI fan-out and fusion.
type InvestigationConfig struct {
	FanoutTimeout     time.Duration             `mapstructure:"fanout_timeout"`
	Workers           int                       `mapstructure:"workers"`
	Alpha             float64                   `mapstructure:"alpha"`
	VerdictMalicious  float64                   `mapstructure:"verdict_malicious"`
	VerdictSuspicious float64                   `mapstructure:"verdict_suspicious"`
	OfflineMode       bool                      `mapstructure:"offline_mode"`
	CacheCapacity     int                       `mapstructure:"cache_capacity"`
	CacheRedisURL     string                    `mapstructure:"cache_redis_url"`
	Providers         map[string]ProviderConfig `mapstructure:"providers"`
}

// ResponseConfig tunes the decision matrix and safety gate.
type ResponseConfig struct {
	MatrixFile               string                       `mapstructure:"matrix_file"`
	Matrix                   map[string]map[string]string `mapstructure:"matrix"`
	IPWhitelist              []string                     `mapstructure:"ip_whitelist"`
	ManagementSubnets        []string                     `mapstructure:"management_subnets"`
	MinConfidenceIntrusive   float64                      `mapstructure:"min_confidence_for_intrusive_action"`
	ProductionActionsEnabled bool                         `mapstructure:"production_actions_enabled"`
	ActionTimeout            time.Duration                `mapstructure:"action_timeout"`
	RiskHigh                 float64                      `mapstructure:"risk_high"`
	RiskMedium               float64                      `mapstructure:"risk_medium"`
	HoneypotIP               string                       `mapstructure:"honeypot_ip"`
	QuarantineDir            string                       `mapstructure:"quarantine_dir"`
}

// SetDefaults registers every knob with its documented default.
func SetDefaults() {
	viper.SetDefault("sensor_id", "sensor-1")

	viper.SetDefault("bus.transport", "memory")
	viper.SetDefault("bus.broker_url", "redis://localhost:6379")
	viper.SetDefault("bus.queue_capacity", 10000)
	viper.SetDefault("bus.publish_timeout", "100ms")
	viper.SetDefault("bus.drain_timeout", "5s")

	viper.SetDefault("database.path", "./data/sentinel.db")
	viper.SetDefault("log.level", "info")

	viper.SetDefault("detection.flow_idle_timeout", "30s")
	viper.SetDefault("detection.max_flows", 100000)
	viper.SetDefault("detection.flush_interval", "2s")
	viper.SetDefault("detection.batch_size", 64)
	viper.SetDefault("detection.batch_timeout", "100ms")
	viper.SetDefault("detection.emit_threshold", 0.3)
	viper.SetDefault("detection.severity_high", 0.8)
	viper.SetDefault("detection.severity_medium", 0.5)
	viper.SetDefault("detection.scoring_workers", 0) // 0 means GOMAXPROCS

	viper.SetDefault("investigation.fanout_timeout", "3s")
	viper.SetDefault("investigation.workers", 16)
	viper.SetDefault("investigation.alpha", 0.4)
	viper.SetDefault("investigation.verdict_malicious", 0.7)
	viper.SetDefault("investigation.verdict_suspicious", 0.4)
	viper.SetDefault("investigation.offline_mode", true)
	viper.SetDefault("investigation.cache_capacity", 4096)
	viper.SetDefault("investigation.cache_redis_url", "")

	viper.SetDefault("response.min_confidence_for_intrusive_action", 0.6)
	viper.SetDefault("response.production_actions_enabled", false)
	viper.SetDefault("response.action_timeout", "5s")
	viper.SetDefault("response.risk_high", 0.7)
	viper.SetDefault("response.risk_medium", 0.4)
	viper.SetDefault("response.ip_whitelist", []string{"127.0.0.1", "::1"})
	viper.SetDefault("response.management_subnets", []string{})
	viper.SetDefault("response.honeypot_ip", "10.0.0.100")
	viper.SetDefault("response.quarantine_dir", "./data/quarantine")
}

// Load unmarshals the viper state into a validated Config.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects fatal misconfiguration before any component starts.
func (c *Config) Validate() error {
	switch c.Bus.Transport {
	case "memory", "redis", "nats":
	default:
		return fmt.Errorf("unknown bus transport %q (use memory, redis or nats)", c.Bus.Transport)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Detection.SeverityMedium > c.Detection.SeverityHigh {
		return fmt.Errorf("detection.severity_medium (%.2f) must not exceed severity_high (%.2f)",
			c.Detection.SeverityMedium, c.Detection.SeverityHigh)
	}
	if c.Investigation.VerdictSuspicious > c.Investigation.VerdictMalicious {
		return fmt.Errorf("investigation.verdict_suspicious (%.2f) must not exceed verdict_malicious (%.2f)",
			c.Investigation.VerdictSuspicious, c.Investigation.VerdictMalicious)
	}
	if a := c.Investigation.Alpha; a < 0 || a > 1 {
		return fmt.Errorf("investigation.alpha must be in [0,1], got %.2f", a)
	}
	for _, entry := range c.Response.IPWhitelist {
		if err := validateAddrOrCIDR(entry); err != nil {
			return fmt.Errorf("response.ip_whitelist: %w", err)
		}
	}
	for _, entry := range c.Response.ManagementSubnets {
		if err := validateAddrOrCIDR(entry); err != nil {
			return fmt.Errorf("response.management_subnets: %w", err)
		}
	}
	return nil
}

func validateAddrOrCIDR(entry string) error {
	if strings.Contains(entry, "/") {
		if _, _, err := net.ParseCIDR(entry); err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		return nil
	}
	if net.ParseIP(entry) == nil {
		return fmt.Errorf("invalid address %q", entry)
	}
	return nil
}
