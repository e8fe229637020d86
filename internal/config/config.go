// Package config provides configuration loading and validation for the
// three Stratum V2 role binaries (Pool, Job Declarator Client, Translator),
// using the same load/applyDefaults/validate pipeline and env-var expansion
// the teacher's single-role server used.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TLSConfig holds TLS settings for the role's downstream listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// MonitoringConfig configures the read-only HTTP/Prometheus surface
// (internal/monitoring); it is a separate, explicitly external concern
// from the TCP/TLS mining listener described by ServerConfig.
type MonitoringConfig struct {
	Enabled         bool          `yaml:"enabled"`
	BindAddress     string        `yaml:"bind_address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// ServerConfig holds the role's downstream TCP listener settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	TLS            TLSConfig     `yaml:"tls"`
	Metrics        MetricsConfig `yaml:"metrics"`
}

// TemplateProviderKind distinguishes the two external Template Provider
// transports spec §6 names: a real SV2 Template Distribution Protocol peer,
// or a Bitcoin-Core-style local IPC connection. Both transports are
// out-of-scope per the spec's Non-goals; this config only names which
// adapter the role wires up.
type TemplateProviderKind string

const (
	TemplateProviderSv2Tp          TemplateProviderKind = "sv2tp"
	TemplateProviderBitcoinCoreIPC TemplateProviderKind = "bitcoincoreipc"
)

// TemplateProviderConfig configures the role's Template Source Adapter.
type TemplateProviderConfig struct {
	Kind TemplateProviderKind `yaml:"kind"`

	// Sv2Tp fields.
	Address   string `yaml:"address"`
	PublicKey string `yaml:"public_key"`

	// BitcoinCoreIpc fields.
	Network      string        `yaml:"network"`
	DataDir      string        `yaml:"data_dir"`
	FeeThreshold float64       `yaml:"fee_threshold"`
	MinInterval  time.Duration `yaml:"min_interval"`
}

// UpstreamEndpoint is one entry in the ordered fallback list a JDC or
// Translator dials through in order, advancing on Fallback errors.
type UpstreamEndpoint struct {
	Address            string `yaml:"address"`
	AuthorityPublicKey string `yaml:"authority_public_key"`
}

// JDMode selects how the Job Declarator Client declares work.
type JDMode string

const (
	JDModeFullTemplate JDMode = "full_template"
	JDModeCoinbaseOnly JDMode = "coinbase_only"
	JDModeSoloMining   JDMode = "solo_mining"
)

// TProxyMode selects the Translator's aggregation mode. Both modes share one
// upstream channel across every SV1 downstream; non_aggregated only enables
// attaching each worker's identity TLV to resubmitted shares.
type TProxyMode string

const (
	TProxyModeAggregated    TProxyMode = "aggregated"
	TProxyModeNonAggregated TProxyMode = "non_aggregated"
)

// MiningConfig holds share-accounting and vardiff settings shared by every
// role that terminates miner connections directly (Pool, Translator).
type MiningConfig struct {
	InitialDifficulty float64       `yaml:"initial_difficulty"`
	MinDifficulty     float64       `yaml:"min_difficulty"`
	MaxDifficulty     float64       `yaml:"max_difficulty"`
	TargetShareTime   time.Duration `yaml:"target_share_time"`
	RetargetTime      time.Duration `yaml:"retarget_time"`
	VariancePercent   float64       `yaml:"variance_percent"`
	SharesPerMinute   int           `yaml:"shares_per_minute"`
	ShareBatchSize    int           `yaml:"share_batch_size"`
}

// RedisConfig holds the optional, best-effort share-dedup/presence cache
// (internal/storage). Disabled by default: the Channel Manager's in-memory
// dedup window is authoritative regardless, per spec Non-goals (no
// persistent storage) — Redis only extends that window across restarts.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"pool_size"`
	KeyPrefix string        `yaml:"key_prefix"`
	ShareTTL  time.Duration `yaml:"share_ttl"`
	WorkerTTL time.Duration `yaml:"worker_ttl"`
}

// PostgresConfig holds the optional, write-only audit sink that records
// completed share batches and accepted blocks for offline accounting. The
// Channel Manager never reads it back; payout accounting stays explicitly
// out of scope.
type PostgresConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Database         string        `yaml:"database"`
	User             string        `yaml:"user"`
	Password         string        `yaml:"password"`
	MaxConnections   int           `yaml:"max_connections"`
	MinConnections   int           `yaml:"min_connections"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// LoggingConfig holds logging settings, unchanged from the teacher.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// EngineConfig is the role-agnostic core every role's top-level config
// embeds: everything the Channel Manager, Fallback Coordinator, and
// Monitoring Collector need regardless of which role is running.
type EngineConfig struct {
	Server EngineServerConfig `yaml:"server"`

	AuthorityPublicKey string        `yaml:"authority_public_key"`
	AuthoritySecretKey string        `yaml:"authority_secret_key"`
	CertValiditySec    time.Duration `yaml:"cert_validity_seconds"`

	TemplateProvider TemplateProviderConfig `yaml:"template_provider"`

	SupportedExtensions []uint16 `yaml:"supported_extensions"`
	RequiredExtensions  []uint16 `yaml:"required_extensions"`

	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
}

// EngineServerConfig is ServerConfig minus TLS/Metrics, which only the
// concrete role configs below attach (Pool and Translator terminate
// connections directly; a pure JDC may run headless).
type EngineServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// PoolConfig is the Pool role's top-level configuration: the engine core
// plus its downstream TLS/metrics listener settings. Pool is itself the
// upstream, so it declares no Upstreams list.
type PoolConfig struct {
	EngineConfig `yaml:",inline"`
	TLS          TLSConfig     `yaml:"tls"`
	Metrics      MetricsConfig `yaml:"metrics"`
	Mining       MiningConfig  `yaml:"mining"`
}

// JDCConfig is the Job Declarator Client's top-level configuration.
type JDCConfig struct {
	EngineConfig            `yaml:",inline"`
	Mode                    JDMode             `yaml:"mode"`
	UserIdentity            string             `yaml:"user_identity"`
	WorkerIdentityTLV       bool               `yaml:"worker_identity_tlv"`
	PropagateUpstreamTarget bool               `yaml:"propagate_upstream_target"`
	Upstreams               []UpstreamEndpoint `yaml:"upstreams"`
	DeclaratorUpstreams     []UpstreamEndpoint `yaml:"declarator_upstreams"`
}

// TranslatorConfig is the Translator (tProxy) role's top-level
// configuration: it terminates SV1 downstreams directly, so it carries
// both a TLS/metrics listener and vardiff/mining settings.
type TranslatorConfig struct {
	EngineConfig            `yaml:",inline"`
	Mode                    TProxyMode         `yaml:"mode"`
	WorkerIdentityTLV       bool               `yaml:"worker_identity_tlv"`
	PropagateUpstreamTarget bool               `yaml:"propagate_upstream_target"`
	Upstreams               []UpstreamEndpoint `yaml:"upstreams"`
	TLS                     TLSConfig          `yaml:"tls"`
	Metrics                 MetricsConfig      `yaml:"metrics"`
	Mining                  MiningConfig       `yaml:"mining"`
}

// loadYAML reads path, expands environment variables, and unmarshals into
// out, mirroring the teacher's env-var-expansion loader.
func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func applyEngineDefaults(c *EngineConfig) {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 34254
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = 10000
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Minute
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = time.Minute
	}
	if c.CertValiditySec == 0 {
		c.CertValiditySec = 3600 * time.Second
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 5 * time.Second
	}
	if c.Monitoring.BindAddress == "" {
		c.Monitoring.BindAddress = "127.0.0.1:9100"
	}
	if c.Monitoring.RefreshInterval == 0 {
		c.Monitoring.RefreshInterval = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "sv2:"
	}
	if c.Redis.ShareTTL == 0 {
		c.Redis.ShareTTL = time.Hour
	}
	if c.Redis.WorkerTTL == 0 {
		c.Redis.WorkerTTL = 5 * time.Minute
	}
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 10
	}
	if c.Postgres.ConnectTimeout == 0 {
		c.Postgres.ConnectTimeout = 10 * time.Second
	}
	if c.Postgres.StatementTimeout == 0 {
		c.Postgres.StatementTimeout = 30 * time.Second
	}
}

func applyMiningDefaults(m *MiningConfig) {
	if m.InitialDifficulty == 0 {
		m.InitialDifficulty = 1.0
	}
	if m.MinDifficulty == 0 {
		m.MinDifficulty = 0.001
	}
	if m.MaxDifficulty == 0 {
		m.MaxDifficulty = 1000000.0
	}
	if m.TargetShareTime == 0 {
		m.TargetShareTime = 10 * time.Second
	}
	if m.RetargetTime == 0 {
		m.RetargetTime = 90 * time.Second
	}
	if m.VariancePercent == 0 {
		m.VariancePercent = 30
	}
	if m.SharesPerMinute == 0 {
		m.SharesPerMinute = 6
	}
	if m.ShareBatchSize == 0 {
		m.ShareBatchSize = 1
	}
}

func validateEngine(c *EngineConfig) error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.TemplateProvider.Kind {
	case TemplateProviderSv2Tp, TemplateProviderBitcoinCoreIPC:
	default:
		return fmt.Errorf("template_provider.kind must be %q or %q, got %q",
			TemplateProviderSv2Tp, TemplateProviderBitcoinCoreIPC, c.TemplateProvider.Kind)
	}
	return nil
}

func validateTLS(tls TLSConfig) error {
	if tls.Enabled {
		if tls.CertFile == "" {
			return fmt.Errorf("TLS enabled but cert_file not specified")
		}
		if tls.KeyFile == "" {
			return fmt.Errorf("TLS enabled but key_file not specified")
		}
	}
	return nil
}

func validateMining(m MiningConfig) error {
	if m.MinDifficulty > m.MaxDifficulty {
		return fmt.Errorf("min_difficulty cannot be greater than max_difficulty")
	}
	if m.ShareBatchSize < 1 {
		return fmt.Errorf("share_batch_size must be >= 1")
	}
	return nil
}

// LoadPool loads and validates a Pool role configuration.
func LoadPool(path string) (*PoolConfig, error) {
	var cfg PoolConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyEngineDefaults(&cfg.EngineConfig)
	applyMiningDefaults(&cfg.Mining)
	if err := validateEngine(&cfg.EngineConfig); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}
	if err := validateTLS(cfg.TLS); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}
	if err := validateMining(cfg.Mining); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}
	return &cfg, nil
}

// LoadJDC loads and validates a Job Declarator Client configuration.
func LoadJDC(path string) (*JDCConfig, error) {
	var cfg JDCConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyEngineDefaults(&cfg.EngineConfig)
	if cfg.Mode == "" {
		cfg.Mode = JDModeFullTemplate
	}
	if cfg.UserIdentity == "" {
		cfg.UserIdentity = "jdc"
	}
	if err := validateEngine(&cfg.EngineConfig); err != nil {
		return nil, fmt.Errorf("invalid jdc configuration: %w", err)
	}
	if len(cfg.Upstreams) == 0 {
		return nil, fmt.Errorf("jdc requires at least one upstream")
	}
	switch cfg.Mode {
	case JDModeFullTemplate, JDModeCoinbaseOnly, JDModeSoloMining:
	default:
		return nil, fmt.Errorf("invalid jdc mode %q", cfg.Mode)
	}
	return &cfg, nil
}

// LoadTranslator loads and validates a Translator (tProxy) configuration.
func LoadTranslator(path string) (*TranslatorConfig, error) {
	var cfg TranslatorConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyEngineDefaults(&cfg.EngineConfig)
	applyMiningDefaults(&cfg.Mining)
	if cfg.Mode == "" {
		cfg.Mode = TProxyModeAggregated
	}
	if err := validateEngine(&cfg.EngineConfig); err != nil {
		return nil, fmt.Errorf("invalid translator configuration: %w", err)
	}
	if err := validateTLS(cfg.TLS); err != nil {
		return nil, fmt.Errorf("invalid translator configuration: %w", err)
	}
	if err := validateMining(cfg.Mining); err != nil {
		return nil, fmt.Errorf("invalid translator configuration: %w", err)
	}
	if len(cfg.Upstreams) == 0 {
		return nil, fmt.Errorf("translator requires at least one upstream")
	}
	switch cfg.Mode {
	case TProxyModeAggregated, TProxyModeNonAggregated:
	default:
		return nil, fmt.Errorf("invalid translator mode %q", cfg.Mode)
	}
	return &cfg, nil
}
