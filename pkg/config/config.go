package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides
const EnvPrefix = "WATCHTOWER"

// Config represents the watchtower gateway configuration
type Config struct {
	Server       ServerConfig              `yaml:"server" toml:"server" mapstructure:"server"`
	Logging      LoggingConfig             `yaml:"logging" toml:"logging" mapstructure:"logging"`
	Metrics      MetricsConfig             `yaml:"metrics" toml:"metrics" mapstructure:"metrics"`
	Tracing      TracingConfig             `yaml:"tracing" toml:"tracing" mapstructure:"tracing"`
	Middleware   MiddlewareConfig          `yaml:"middleware" toml:"middleware" mapstructure:"middleware"`
	Shutdown     ShutdownConfig            `yaml:"shutdown" toml:"shutdown" mapstructure:"shutdown"`
	Resources    map[string]ResourceConfig `yaml:"resources" toml:"resources" mapstructure:"resources"`
	Queries      map[string]QueryConfig    `yaml:"queries" toml:"queries" mapstructure:"queries"`
	OverridePath string                    `yaml:"override_path" toml:"override_path" mapstructure:"override_path"`
	Watch        bool                      `yaml:"watch" toml:"watch" mapstructure:"watch"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Name         string        `yaml:"name" toml:"name" mapstructure:"name"`
	Address      string        `yaml:"address" toml:"address" mapstructure:"address"`
	Port         int           `yaml:"port" toml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout" mapstructure:"write_timeout"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level" mapstructure:"level"`
	Format     string `yaml:"format" toml:"format" mapstructure:"format"`
	OutputFile string `yaml:"output_file" toml:"output_file" mapstructure:"output_file"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" mapstructure:"enabled"`
	Path      string `yaml:"path" toml:"path" mapstructure:"path"`
	Namespace string `yaml:"namespace" toml:"namespace" mapstructure:"namespace"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled       bool    `yaml:"enabled" toml:"enabled" mapstructure:"enabled"`
	ServiceName   string  `yaml:"service_name" toml:"service_name" mapstructure:"service_name"`
	Exporter      string  `yaml:"exporter" toml:"exporter" mapstructure:"exporter"`
	Endpoint      string  `yaml:"endpoint" toml:"endpoint" mapstructure:"endpoint"`
	Insecure      bool    `yaml:"insecure" toml:"insecure" mapstructure:"insecure"`
	SamplingRatio float64 `yaml:"sampling_ratio" toml:"sampling_ratio" mapstructure:"sampling_ratio"`
}

// MiddlewareConfig holds request middleware configuration
type MiddlewareConfig struct {
	CorrelationIDLength     int     `yaml:"cid_len" toml:"cid_len" mapstructure:"cid_len"`
	LogRequestSlotDurations bool    `yaml:"log_request_slot_durations" toml:"log_request_slot_durations" mapstructure:"log_request_slot_durations"`
	LogDBConnDurations      bool    `yaml:"log_db_conn_durations" toml:"log_db_conn_durations" mapstructure:"log_db_conn_durations"`
	QueriesLogType          string  `yaml:"queries_log_type" toml:"queries_log_type" mapstructure:"queries_log_type"`
	RateLimitRPS            float64 `yaml:"rate_limit_rps" toml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst          int     `yaml:"rate_limit_burst" toml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	EnableCompression       bool    `yaml:"enable_compression" toml:"enable_compression" mapstructure:"enable_compression"`
}

// ShutdownConfig holds shutdown and maintenance timings
type ShutdownConfig struct {
	NewRequestGrace time.Duration `yaml:"new_request_grace" toml:"new_request_grace" mapstructure:"new_request_grace"`
	DrainWait       time.Duration `yaml:"drain_wait" toml:"drain_wait" mapstructure:"drain_wait"`
	SweepInterval   time.Duration `yaml:"sweep_interval" toml:"sweep_interval" mapstructure:"sweep_interval"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout" toml:"graceful_timeout" mapstructure:"graceful_timeout"`
}

// ResourceConfig holds the pool and admission settings of one backend resource
type ResourceConfig struct {
	DBType              string            `yaml:"db_type" toml:"db_type" mapstructure:"db_type"`
	Params              map[string]string `yaml:"params" toml:"params" mapstructure:"params"`
	MinPoolSize         int               `yaml:"db_min_conn_pool_size" toml:"db_min_conn_pool_size" mapstructure:"db_min_conn_pool_size"`
	MaxPoolSize         int               `yaml:"db_max_conn_pool_size" toml:"db_max_conn_pool_size" mapstructure:"db_max_conn_pool_size"`
	AcquireTimeout      time.Duration     `yaml:"db_conn_pool_acquire_timeout" toml:"db_conn_pool_acquire_timeout" mapstructure:"db_conn_pool_acquire_timeout"`
	ConnTimeout         time.Duration     `yaml:"db_conn_timeout" toml:"db_conn_timeout" mapstructure:"db_conn_timeout"`
	DefaultQueryTimeout time.Duration     `yaml:"db_default_query_timeout" toml:"db_default_query_timeout" mapstructure:"db_default_query_timeout"`
	ConnMaxUses         int               `yaml:"db_conn_max_uses" toml:"db_conn_max_uses" mapstructure:"db_conn_max_uses"`
	ConnMaxAge          time.Duration     `yaml:"db_conn_max_age" toml:"db_conn_max_age" mapstructure:"db_conn_max_age"`
	ConnRetryWaitPeriod time.Duration     `yaml:"db_conn_retry_wait_period" toml:"db_conn_retry_wait_period" mapstructure:"db_conn_retry_wait_period"`
	MaxActiveRequests   int               `yaml:"max_active_requests" toml:"max_active_requests" mapstructure:"max_active_requests"`
	MaxPendingRequests  int               `yaml:"max_pending_requests" toml:"max_pending_requests" mapstructure:"max_pending_requests"`
	RequestSlotTimeout  time.Duration     `yaml:"request_slot_timeout" toml:"request_slot_timeout" mapstructure:"request_slot_timeout"`
}

// QueryConfig describes a named query exposed over HTTP
type QueryConfig struct {
	ResourceID string        `yaml:"resource_id" toml:"resource_id" mapstructure:"resource_id"`
	Statement  string        `yaml:"statement" toml:"statement" mapstructure:"statement"`
	Timeout    time.Duration `yaml:"timeout" toml:"timeout" mapstructure:"timeout"`
}

// Supported backend types
const (
	DBTypeSQLite  = "sqlite"
	DBTypeMySQL   = "mysql"
	DBTypeMongoDB = "mongodb"
	DBTypeRedis   = "redis"
)

// Query log types
const (
	QueriesLogNone          = "none"
	QueriesLogStats         = "stats"
	QueriesLogStatsAndQuery = "stats_with_query"
)

// DefaultResourceConfig returns the default settings for a resource
func DefaultResourceConfig() ResourceConfig {
	return ResourceConfig{
		DBType:              DBTypeSQLite,
		Params:              map[string]string{},
		MinPoolSize:         1,
		MaxPoolSize:         5,
		AcquireTimeout:      5 * time.Second,
		ConnTimeout:         5 * time.Second,
		DefaultQueryTimeout: 30 * time.Second,
		ConnMaxUses:         100,
		ConnMaxAge:          time.Hour,
		ConnRetryWaitPeriod: 5 * time.Second,
		MaxActiveRequests:   5,
		MaxPendingRequests:  20,
		RequestSlotTimeout:  10 * time.Second,
	}
}

// Default configuration values
func DefaultConfig() *Config {
	traffic := DefaultResourceConfig()
	traffic.Params = map[string]string{"path": "/tmp/watchtower/traffic.db"}

	return &Config{
		Server: ServerConfig{
			Name:         "watchtower",
			Address:      "localhost",
			Port:         8000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "wt",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			ServiceName:   "watchtower",
			Exporter:      "stdout",
			Endpoint:      "localhost:4318",
			Insecure:      true,
			SamplingRatio: 1.0,
		},
		Middleware: MiddlewareConfig{
			CorrelationIDLength:     8,
			LogRequestSlotDurations: true,
			LogDBConnDurations:      true,
			QueriesLogType:          QueriesLogStats,
			RateLimitRPS:            0,
			RateLimitBurst:          100,
			EnableCompression:       true,
		},
		Shutdown: ShutdownConfig{
			NewRequestGrace: time.Second,
			DrainWait:       2 * time.Second,
			SweepInterval:   5 * time.Minute,
			GracefulTimeout: 10 * time.Second,
		},
		Resources: map[string]ResourceConfig{
			"sqlite_traffic": traffic,
		},
		Queries: map[string]QueryConfig{
			"tcp_hourly": {
				ResourceID: "sqlite_traffic",
				Statement:  "SELECT date_hour, port, flows, pkts, bytes FROM tcp_hourly LIMIT 10",
			},
		},
	}
}

// LoadConfig loads configuration from files and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("watchtower")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./conf")
		v.AddConfigPath("/etc/watchtower")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	overridePath := v.GetString("override_path")
	if env := os.Getenv(EnvPrefix + "_OVERRIDE_CONFIG_PATH"); env != "" {
		overridePath = env
	}
	if overridePath != "" {
		if err := mergeOverrides(v, overridePath); err != nil {
			return nil, err
		}
	}

	// A configured resource or query set replaces the defaults rather than
	// being merged into them
	if v.IsSet("resources") {
		config.Resources = nil
	}
	if v.IsSet("queries") {
		config.Queries = nil
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.OverridePath = overridePath
	config.applyResourceDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// mergeOverrides merges an override file over the main configuration.
// Connection parameters carry credentials and cannot be overridden.
func mergeOverrides(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	ov := viper.New()
	ov.SetConfigFile(path)
	if err := ov.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read override file: %w", err)
	}

	for _, key := range ov.AllKeys() {
		parts := strings.Split(key, ".")
		if len(parts) >= 3 && parts[0] == "resources" && (parts[2] == "params" || parts[2] == "db_type") {
			return fmt.Errorf("override file cannot change %s", key)
		}
	}

	if err := v.MergeConfigMap(ov.AllSettings()); err != nil {
		return fmt.Errorf("failed to merge override file: %w", err)
	}
	return nil
}

// applyResourceDefaults fills unset per-resource settings with defaults
func (c *Config) applyResourceDefaults() {
	defaults := DefaultResourceConfig()
	for id, rc := range c.Resources {
		if rc.DBType == "" {
			rc.DBType = defaults.DBType
		}
		if rc.Params == nil {
			rc.Params = map[string]string{}
		}
		if rc.MaxPoolSize == 0 {
			rc.MaxPoolSize = defaults.MaxPoolSize
		}
		if rc.AcquireTimeout == 0 {
			rc.AcquireTimeout = defaults.AcquireTimeout
		}
		if rc.ConnTimeout == 0 {
			rc.ConnTimeout = defaults.ConnTimeout
		}
		if rc.DefaultQueryTimeout == 0 {
			rc.DefaultQueryTimeout = defaults.DefaultQueryTimeout
		}
		if rc.ConnMaxUses == 0 {
			rc.ConnMaxUses = defaults.ConnMaxUses
		}
		if rc.ConnMaxAge == 0 {
			rc.ConnMaxAge = defaults.ConnMaxAge
		}
		if rc.ConnRetryWaitPeriod == 0 {
			rc.ConnRetryWaitPeriod = defaults.ConnRetryWaitPeriod
		}
		if rc.MaxActiveRequests == 0 {
			rc.MaxActiveRequests = defaults.MaxActiveRequests
		}
		if rc.MaxPendingRequests == 0 {
			rc.MaxPendingRequests = defaults.MaxPendingRequests
		}
		if rc.RequestSlotTimeout == 0 {
			rc.RequestSlotTimeout = defaults.RequestSlotTimeout
		}
		c.Resources[id] = rc
	}
}

// SaveConfig saves the configuration to a file. A .toml extension selects
// TOML, anything else is written as YAML.
func (c *Config) SaveConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".toml":
		data, err = toml.Marshal(c)
	default:
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be between 1 and 65535)", c.Server.Port)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json, text, or console)", c.Logging.Format)
	}

	validLogTypes := map[string]bool{
		QueriesLogNone: true, QueriesLogStats: true, QueriesLogStatsAndQuery: true,
	}
	if !validLogTypes[c.Middleware.QueriesLogType] {
		return fmt.Errorf("invalid queries log type: %s", c.Middleware.QueriesLogType)
	}

	if c.Shutdown.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}

	if len(c.Resources) == 0 {
		return fmt.Errorf("at least one resource must be configured")
	}

	for id, rc := range c.Resources {
		if err := rc.Validate(); err != nil {
			return fmt.Errorf("resource %s: %w", id, err)
		}
	}

	for name, q := range c.Queries {
		if _, ok := c.Resources[q.ResourceID]; !ok {
			return fmt.Errorf("query %s: unknown resource %q", name, q.ResourceID)
		}
		if strings.TrimSpace(q.Statement) == "" {
			return fmt.Errorf("query %s: statement cannot be empty", name)
		}
	}

	return nil
}

// Validate validates the settings of one resource
func (rc ResourceConfig) Validate() error {
	switch rc.DBType {
	case DBTypeSQLite, DBTypeMySQL, DBTypeMongoDB, DBTypeRedis:
	default:
		return fmt.Errorf("unsupported db_type: %s", rc.DBType)
	}

	if rc.MaxPoolSize < 1 {
		return fmt.Errorf("db_max_conn_pool_size must be at least 1")
	}
	if rc.MinPoolSize < 0 || rc.MinPoolSize > rc.MaxPoolSize {
		return fmt.Errorf("db_min_conn_pool_size must be between 0 and %d", rc.MaxPoolSize)
	}
	if rc.MaxActiveRequests < 1 {
		return fmt.Errorf("max_active_requests must be at least 1")
	}
	if rc.MaxPendingRequests < 1 {
		return fmt.Errorf("max_pending_requests must be at least 1")
	}
	if rc.ConnMaxUses < 1 {
		return fmt.Errorf("db_conn_max_uses must be at least 1")
	}

	timeouts := map[string]time.Duration{
		"db_conn_pool_acquire_timeout": rc.AcquireTimeout,
		"db_conn_timeout":              rc.ConnTimeout,
		"db_default_query_timeout":     rc.DefaultQueryTimeout,
		"db_conn_max_age":              rc.ConnMaxAge,
		"request_slot_timeout":         rc.RequestSlotTimeout,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if rc.ConnRetryWaitPeriod < 0 {
		return fmt.Errorf("db_conn_retry_wait_period cannot be negative")
	}

	return nil
}

// ConnParams returns the connection parameters of a resource. An empty
// password is filled from the <RESOURCE_ID>__DB_PASSWORD environment variable.
func (rc ResourceConfig) ConnParams(resourceID string) map[string]string {
	params := make(map[string]string, len(rc.Params)+1)
	for k, v := range rc.Params {
		params[k] = v
	}
	if params["password"] == "" {
		if pw := os.Getenv(strings.ToUpper(resourceID) + "__DB_PASSWORD"); pw != "" {
			params["password"] = pw
		}
	}
	return params
}

// ResourceIDs returns the configured resource identifiers
func (c *Config) ResourceIDs() []string {
	ids := make([]string, 0, len(c.Resources))
	for id := range c.Resources {
		ids = append(ids, id)
	}
	return ids
}

// CreateDirectories creates directories needed by file-based backends and the log file
func (c *Config) CreateDirectories() error {
	var dirs []string
	if c.Logging.OutputFile != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.OutputFile))
	}
	for _, rc := range c.Resources {
		if rc.DBType == DBTypeSQLite && rc.Params["path"] != "" && rc.Params["path"] != ":memory:" {
			dirs = append(dirs, filepath.Dir(rc.Params["path"]))
		}
	}

	for _, dir := range dirs {
		if dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}

	return nil
}
