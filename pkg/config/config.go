package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration settings for the application
type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Log         LogConfig       `mapstructure:"log"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Registry    RegistryConfig  `mapstructure:"registry"`
	Consensus   ConsensusConfig `mapstructure:"consensus"`
	Dispute     DisputeConfig   `mapstructure:"dispute"`
	Delivery    DeliveryConfig  `mapstructure:"delivery"`
	Incentive   IncentiveConfig `mapstructure:"incentive"`
	Scheduler   SchedConfig     `mapstructure:"scheduler"`
	P2P         P2PConfig       `mapstructure:"p2p"`
	Chain       ChainConfig     `mapstructure:"chain"`
	Security    SecurityConfig  `mapstructure:"security"`
}

// LogConfig holds log file rotation settings
type LogConfig struct {
	OutputPath string `mapstructure:"output_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
	Console    bool   `mapstructure:"console"`
}

// DatabaseConfig holds storage settings. Driver "memory" keeps all state in
// process; "postgres" uses URL or, when Embedded is set, a local embedded server.
type DatabaseConfig struct {
	Driver       string        `mapstructure:"driver"`
	URL          string        `mapstructure:"url"`
	MaxConns     int           `mapstructure:"max_conns"`
	MinConns     int           `mapstructure:"min_conns"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Embedded     bool          `mapstructure:"embedded"`
	EmbeddedPort uint32        `mapstructure:"embedded_port"`
	RuntimePath  string        `mapstructure:"runtime_path"`
}

// RegistryConfig holds participant defaults
type RegistryConfig struct {
	InitialReputation float64            `mapstructure:"initial_reputation"`
	TrustDefaults     map[string]float64 `mapstructure:"trust_defaults"`
}

// ConsensusConfig holds batch and shipment voting settings
type ConsensusConfig struct {
	Supermajority       float64       `mapstructure:"supermajority"`
	PrimarySelfValidate bool          `mapstructure:"primary_self_validate"`
	AutoFinalize        bool          `mapstructure:"auto_finalize"`
	VotingWindow        time.Duration `mapstructure:"voting_window"`
}

// DisputeConfig holds dispute voting settings
type DisputeConfig struct {
	Supermajority     float64       `mapstructure:"supermajority"`
	ArbitratorWeight  float64       `mapstructure:"arbitrator_weight"`
	StakeholderWeight float64       `mapstructure:"stakeholder_weight"`
	VotingWindow      time.Duration `mapstructure:"voting_window"`
}

// DeliveryConfig holds transporter assignment settings
type DeliveryConfig struct {
	TierBoundsMiles     []float64 `mapstructure:"tier_bounds_miles"`
	AverageSpeedMPH     float64   `mapstructure:"average_speed_mph"`
	LateFactor          float64   `mapstructure:"late_factor"`
	UrgentMinReputation float64   `mapstructure:"urgent_min_reputation"`
}

// IncentiveConfig holds ledger settings
type IncentiveConfig struct {
	SlashFraction float64 `mapstructure:"slash_fraction"`
}

// SchedConfig holds scheduler related configuration
type SchedConfig struct {
	SweepSchedule string        `mapstructure:"sweep_schedule"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// P2PConfig holds notification network configuration
type P2PConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers"`
	Topic          string   `mapstructure:"topic"`
	KeyFile        string   `mapstructure:"key_file"`
	DHT            bool     `mapstructure:"dht"`
}

// ChainConfig holds settlement relayer settings
type ChainConfig struct {
	RelayerURL string        `mapstructure:"relayer_url"`
	AuthToken  string        `mapstructure:"auth_token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	ChainID    string        `mapstructure:"chain_id"`
	QueueSize  int           `mapstructure:"queue_size"`
}

// SecurityConfig holds vote authentication settings
type SecurityConfig struct {
	RequireVoteSignatures bool `mapstructure:"require_vote_signatures"`
}

// Load reads the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// Config file not found, will rely on defaults and env vars
		}
	}

	v.SetEnvPrefix("SCM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration produced by Load with no file and no
// environment overrides.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults always decode.
	_ = v.Unmarshal(cfg)
	return cfg
}

// setDefaults sets default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("log.output_path", "logs/scm.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.console", true)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.timeout", "30s")
	v.SetDefault("database.embedded", false)
	v.SetDefault("database.embedded_port", 5433)
	v.SetDefault("database.runtime_path", "data/postgres")

	v.SetDefault("registry.initial_reputation", 0.7)
	v.SetDefault("registry.trust_defaults", map[string]interface{}{
		"primary":      0.9,
		"secondary":    0.8,
		"transporter":  0.7,
		"arbitrator":   0.9,
		"buyer":        0.6,
		"manufacturer": 0.7,
	})

	v.SetDefault("consensus.supermajority", 0.67)
	v.SetDefault("consensus.primary_self_validate", true)
	v.SetDefault("consensus.auto_finalize", true)
	v.SetDefault("consensus.voting_window", "10m")

	v.SetDefault("dispute.supermajority", 0.67)
	v.SetDefault("dispute.arbitrator_weight", 2.0)
	v.SetDefault("dispute.stakeholder_weight", 1.0)
	v.SetDefault("dispute.voting_window", "72h")

	v.SetDefault("delivery.tier_bounds_miles", []float64{150, 500})
	v.SetDefault("delivery.average_speed_mph", 50.0)
	v.SetDefault("delivery.late_factor", 1.5)
	v.SetDefault("delivery.urgent_min_reputation", 0.8)

	v.SetDefault("incentive.slash_fraction", 0.05)

	v.SetDefault("scheduler.sweep_schedule", "*/10 * * * * *")
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.retry_attempts", 2)
	v.SetDefault("scheduler.retry_delay", "2s")

	v.SetDefault("p2p.enabled", false)
	v.SetDefault("p2p.port", 9000)
	v.SetDefault("p2p.bootstrap_peers", []string{})
	v.SetDefault("p2p.topic", "scm-events")
	v.SetDefault("p2p.key_file", "data/node.key")
	v.SetDefault("p2p.dht", true)

	v.SetDefault("chain.relayer_url", "")
	v.SetDefault("chain.auth_token", "")
	v.SetDefault("chain.timeout", "30s")
	v.SetDefault("chain.chain_id", "local")
	v.SetDefault("chain.queue_size", 256)

	v.SetDefault("security.require_vote_signatures", false)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	if err := c.validateRegistry(); err != nil {
		return fmt.Errorf("registry config: %w", err)
	}
	if err := c.validateConsensus(); err != nil {
		return fmt.Errorf("consensus config: %w", err)
	}
	if err := c.validateDispute(); err != nil {
		return fmt.Errorf("dispute config: %w", err)
	}
	if err := c.validateDelivery(); err != nil {
		return fmt.Errorf("delivery config: %w", err)
	}
	if c.Incentive.SlashFraction < 0 || c.Incentive.SlashFraction > 1 {
		return fmt.Errorf("incentive config: slash_fraction must be between 0 and 1")
	}
	if err := c.validateScheduler(); err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}
	if err := c.validateP2P(); err != nil {
		return fmt.Errorf("p2p config: %w", err)
	}
	if err := c.validateChain(); err != nil {
		return fmt.Errorf("chain config: %w", err)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "memory":
		return nil
	case "postgres":
	default:
		return fmt.Errorf("unknown driver %q", c.Database.Driver)
	}

	if c.Database.URL == "" && !c.Database.Embedded {
		return fmt.Errorf("database URL cannot be empty")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be positive")
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("min_conns must be between 0 and max_conns")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func (c *Config) validateRegistry() error {
	if !unitInterval(c.Registry.InitialReputation) {
		return fmt.Errorf("initial_reputation must be between 0 and 1")
	}
	for role, trust := range c.Registry.TrustDefaults {
		if !unitInterval(trust) {
			return fmt.Errorf("trust_defaults.%s must be between 0 and 1", role)
		}
	}
	return nil
}

func (c *Config) validateConsensus() error {
	if c.Consensus.Supermajority <= 0 || c.Consensus.Supermajority > 1 {
		return fmt.Errorf("supermajority must be between 0 and 1")
	}
	if c.Consensus.VotingWindow <= 0 {
		return fmt.Errorf("voting_window must be positive")
	}
	return nil
}

func (c *Config) validateDispute() error {
	if c.Dispute.Supermajority <= 0 || c.Dispute.Supermajority > 1 {
		return fmt.Errorf("supermajority must be between 0 and 1")
	}
	if c.Dispute.ArbitratorWeight <= 0 || c.Dispute.StakeholderWeight <= 0 {
		return fmt.Errorf("vote weights must be positive")
	}
	if c.Dispute.VotingWindow <= 0 {
		return fmt.Errorf("voting_window must be positive")
	}
	return nil
}

func (c *Config) validateDelivery() error {
	bounds := c.Delivery.TierBoundsMiles
	if len(bounds) == 0 {
		return fmt.Errorf("tier_bounds_miles cannot be empty")
	}
	for i, b := range bounds {
		if b <= 0 || (i > 0 && b <= bounds[i-1]) {
			return fmt.Errorf("tier_bounds_miles must be positive and strictly increasing")
		}
	}
	if c.Delivery.AverageSpeedMPH <= 0 {
		return fmt.Errorf("average_speed_mph must be positive")
	}
	if c.Delivery.LateFactor < 1 {
		return fmt.Errorf("late_factor cannot be less than 1")
	}
	if !unitInterval(c.Delivery.UrgentMinReputation) {
		return fmt.Errorf("urgent_min_reputation must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.SweepSchedule == "" {
		return fmt.Errorf("sweep_schedule cannot be empty")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	if c.Scheduler.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	return nil
}

func (c *Config) validateP2P() error {
	if !c.P2P.Enabled {
		return nil
	}
	if c.P2P.Port < 0 || c.P2P.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", c.P2P.Port)
	}
	if c.P2P.Topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	if c.P2P.KeyFile != "" && !filepath.IsAbs(c.P2P.KeyFile) {
		c.P2P.KeyFile = filepath.Clean(c.P2P.KeyFile)
	}
	return nil
}

func (c *Config) validateChain() error {
	if c.Chain.RelayerURL != "" && c.Chain.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Chain.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	return nil
}

func unitInterval(v float64) bool {
	return v >= 0 && v <= 1
}

// TrustDefault returns the configured trust score for role, or 0.5 when unset.
func (c *Config) TrustDefault(role string) float64 {
	if t, ok := c.Registry.TrustDefaults[strings.ToLower(role)]; ok {
		return t
	}
	return 0.5
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
