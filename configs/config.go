package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPathEnv names the environment variable pointing at a YAML file.
const ConfigPathEnv = "CLUSTERD_CONFIG"

type Config struct {
	ClusterName string `yaml:"cluster_name"`
	NodeID      string `yaml:"node_id"`
	NodeName    string `yaml:"node_name"`
	NodeAddress string `yaml:"node_address"`
	APIPort     string `yaml:"api_port"`

	LogLevel    string `yaml:"log_level"`
	LogEncoding string `yaml:"log_encoding"`

	// GossipBackend selects the shard state store: memory, redis or etcd.
	GossipBackend     string        `yaml:"gossip_backend"`
	GossipTimeout     time.Duration `yaml:"gossip_timeout"`
	ReannounceSpec    string        `yaml:"reannounce_schedule"`
	RedisHost         string        `yaml:"redis_host"`
	RedisPort         string        `yaml:"redis_port"`
	EtcdEndpoints     []string      `yaml:"etcd_endpoints"`
	EtcdNamespace     string        `yaml:"etcd_namespace"`
	LeaderElectionTTL int           `yaml:"leader_election_ttl"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	SlowTaskThreshold time.Duration `yaml:"slow_task_threshold"`

	DBHost     string `yaml:"db_host"`
	DBPort     int    `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	DBSSLMode  string `yaml:"db_sslmode"`

	TracingEnabled  bool    `yaml:"tracing_enabled"`
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	TracingSampling float64 `yaml:"tracing_sampling"`

	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// Default returns the built-in settings before any file or env overlay.
func Default() *Config {
	return &Config{
		ClusterName:        "clusterd",
		APIPort:            "8080",
		LogLevel:           "info",
		LogEncoding:        "json",
		GossipBackend:      "memory",
		GossipTimeout:      2 * time.Second,
		ReannounceSpec:     "@every 30s",
		RedisHost:          "localhost",
		RedisPort:          "6379",
		EtcdNamespace:      "/clusterd",
		LeaderElectionTTL:  15,
		HeartbeatInterval:  5 * time.Second,
		SlowTaskThreshold:  30 * time.Second,
		DBPort:             5432,
		DBUser:             "clusterd",
		DBName:             "clusterd",
		DBSSLMode:          "disable",
		TracingEndpoint:    "localhost:4318",
		TracingSampling:    1.0,
		RateLimitPerMinute: 600,
	}
}

// LoadConfig layers defaults, the YAML file at path (or $CLUSTERD_CONFIG when
// path is empty), and environment variables, in that order.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ClusterName = getEnv("CLUSTER_NAME", c.ClusterName)
	c.NodeID = getEnv("NODE_ID", c.NodeID)
	c.NodeName = getEnv("NODE_NAME", c.NodeName)
	c.NodeAddress = getEnv("NODE_ADDRESS", c.NodeAddress)
	c.APIPort = getEnv("API_PORT", c.APIPort)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogEncoding = getEnv("LOG_ENCODING", c.LogEncoding)
	c.GossipBackend = getEnv("GOSSIP_BACKEND", c.GossipBackend)
	c.GossipTimeout = getEnvAsDuration("GOSSIP_TIMEOUT", c.GossipTimeout)
	c.ReannounceSpec = getEnv("REANNOUNCE_SCHEDULE", c.ReannounceSpec)
	c.RedisHost = getEnv("REDIS_HOST", c.RedisHost)
	c.RedisPort = getEnv("REDIS_PORT", c.RedisPort)
	if v := getEnv("ETCD_ENDPOINTS", ""); v != "" {
		c.EtcdEndpoints = splitList(v)
	}
	c.EtcdNamespace = getEnv("ETCD_NAMESPACE", c.EtcdNamespace)
	c.LeaderElectionTTL = getEnvAsInt("LEADER_ELECTION_TTL", c.LeaderElectionTTL)
	c.HeartbeatInterval = getEnvAsDuration("HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.SlowTaskThreshold = getEnvAsDuration("SLOW_TASK_THRESHOLD", c.SlowTaskThreshold)
	c.DBHost = getEnv("DB_HOST", c.DBHost)
	c.DBPort = getEnvAsInt("DB_PORT", c.DBPort)
	c.DBUser = getEnv("DB_USER", c.DBUser)
	c.DBPassword = getEnv("DB_PASSWORD", c.DBPassword)
	c.DBName = getEnv("DB_NAME", c.DBName)
	c.DBSSLMode = getEnv("DB_SSLMODE", c.DBSSLMode)
	c.TracingEnabled = getEnvAsBool("TRACING_ENABLED", c.TracingEnabled)
	c.TracingEndpoint = getEnv("TRACING_ENDPOINT", c.TracingEndpoint)
	c.RateLimitPerMinute = getEnvAsInt("RATE_LIMIT_PER_MINUTE", c.RateLimitPerMinute)
}

// Validate rejects settings the node cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.ClusterName == "" {
		errs = append(errs, errors.New("cluster_name is required"))
	}
	switch c.GossipBackend {
	case "memory", "redis":
	case "etcd":
		if len(c.EtcdEndpoints) == 0 {
			errs = append(errs, errors.New("gossip_backend etcd requires etcd_endpoints"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown gossip_backend %q", c.GossipBackend))
	}
	if c.NodeAddress == "" && c.GossipBackend != "memory" {
		errs = append(errs, fmt.Errorf("node_address is required for gossip_backend %s", c.GossipBackend))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat_interval must be positive"))
	}
	if c.LeaderElectionTTL <= 0 {
		errs = append(errs, errors.New("leader_election_ttl must be positive"))
	}
	return errors.Join(errs...)
}

// JournalEnabled reports whether a task journal database is configured.
func (c *Config) JournalEnabled() bool { return c.DBHost != "" }

// CoordinationEnabled reports whether etcd election and membership run.
func (c *Config) CoordinationEnabled() bool { return len(c.EtcdEndpoints) > 0 }

func (c *Config) RedisAddr() string { return c.RedisHost + ":" + c.RedisPort }

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
