package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

// Config holds all node configuration
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Database    DatabaseConfig    `yaml:"database"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Queue       QueueConfig       `yaml:"queue"`
	InitialLoad InitialLoadConfig `yaml:"initial_load"`
	Security    SecurityConfig    `yaml:"security"`
	Schema      SchemaConfig      `yaml:"schema"`
	Log         LogConfig         `yaml:"log"`
}

// NodeConfig identifies this installation on the network
type NodeConfig struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name" validate:"required"`
	ServiceName      string   `yaml:"service_name" validate:"required"`
	Port             int      `yaml:"port" validate:"min=1,max=65535"`
	AdvertiseAddress string   `yaml:"advertise_address"`
	Capabilities     []string `yaml:"capabilities"`
	IdentityDir      string   `yaml:"identity_dir"`
	CoreTables       []string `yaml:"core_tables"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver   string `yaml:"driver" validate:"oneof=postgres sqlite"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Path     string `yaml:"path"`
	Quiet    bool   `yaml:"quiet"`
}

// DiscoveryConfig controls the multicast presence protocol
type DiscoveryConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MulticastGroup    string        `yaml:"multicast_group" validate:"required,ip4_addr"`
	MulticastPort     int           `yaml:"multicast_port" validate:"min=1,max=65535"`
	Interface         string        `yaml:"interface"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval" validate:"gt=0"`
	StaleMultiplier   int           `yaml:"stale_multiplier" validate:"min=2"`
	SweepInterval     time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// QueueConfig controls the offline queue
type QueueConfig struct {
	MaxSize       int           `yaml:"max_size" validate:"min=1"`
	MaxRetries    int           `yaml:"max_retries" validate:"min=1"`
	BatchSize     int           `yaml:"batch_size" validate:"min=1"`
	BatchPause    time.Duration `yaml:"batch_pause" validate:"gte=0"`
	DrainInterval time.Duration `yaml:"drain_interval" validate:"gt=0"`
	Retention     time.Duration `yaml:"retention" validate:"gt=0"`
}

// InitialLoadConfig controls bulk bootstrap transfers
type InitialLoadConfig struct {
	BatchSize     int           `yaml:"batch_size" validate:"min=1"`
	MaxChunkBytes int           `yaml:"max_chunk_bytes" validate:"min=1024"`
	HistoryLimit  int           `yaml:"history_limit" validate:"min=1"`
	Compression   bool          `yaml:"compression"`
	Encryption    bool          `yaml:"encryption"`
	Verify        bool          `yaml:"verify"`
	ChunkTimeout  time.Duration `yaml:"chunk_timeout" validate:"gt=0"`
	ChunkRetries  int           `yaml:"chunk_retries" validate:"gte=0"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" validate:"gt=0"`
	// ReceiverIdle is how long inbound session bookkeeping outlives its last chunk.
	ReceiverIdle time.Duration `yaml:"receiver_idle" validate:"gt=0"`
}

// SecurityConfig holds the shared registration secret and credential lifetimes
type SecurityConfig struct {
	RegistrationSecret string        `yaml:"-" validate:"required"`
	TokenTTL           time.Duration `yaml:"token_ttl" validate:"gt=0"`
	SessionTTL         time.Duration `yaml:"session_ttl" validate:"gt=0"`
	RotationGrace      time.Duration `yaml:"rotation_grace" validate:"gte=0"`
	AuditCapacity      int           `yaml:"audit_capacity" validate:"min=1"`
}

// SchemaConfig controls schema fingerprinting and compatibility policy
type SchemaConfig struct {
	File             string `yaml:"file"`
	VersionOverride  string `yaml:"version_override"`
	Policy           string `yaml:"policy" validate:"oneof=strict warn"`
	DecisionCapacity int    `yaml:"decision_capacity" validate:"min=1"`
}

// LogConfig selects log level and output format
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"oneof=json pretty"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Name:         hostname(),
			ServiceName:  "sync-v1",
			Port:         3210,
			Capabilities: []string{"incremental", "initial_load"},
			IdentityDir:  ".eck",
		},
		Database: DatabaseConfig{
			Driver:   "postgres",
			Host:     "localhost",
			Port:     "5432",
			Username: "postgres",
			Database: "eckmesh",
			Path:     "eckmesh.db",
		},
		Discovery: DiscoveryConfig{
			Enabled:           true,
			MulticastGroup:    "239.255.42.99",
			MulticastPort:     41234,
			BroadcastInterval: 5 * time.Second,
			StaleMultiplier:   3,
			SweepInterval:     5 * time.Second,
		},
		Queue: QueueConfig{
			MaxSize:       10000,
			MaxRetries:    5,
			BatchSize:     50,
			BatchPause:    100 * time.Millisecond,
			DrainInterval: 30 * time.Second,
			Retention:     24 * time.Hour,
		},
		InitialLoad: InitialLoadConfig{
			BatchSize:     1000,
			MaxChunkBytes: 5 << 20,
			HistoryLimit:  100,
			Compression:   true,
			Encryption:    true,
			Verify:        true,
			ChunkTimeout:  30 * time.Second,
			ChunkRetries:  3,
			RetryBackoff:  500 * time.Millisecond,
			ReceiverIdle:  time.Hour,
		},
		Security: SecurityConfig{
			TokenTTL:      time.Hour,
			SessionTTL:    24 * time.Hour,
			RotationGrace: 10 * time.Minute,
			AuditCapacity: 1000,
		},
		Schema: SchemaConfig{
			Policy:           "strict",
			DecisionCapacity: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds configuration from defaults, the optional YAML file named by
// SYNC_CONFIG_PATH and environment variables, in that order of precedence.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("SYNC_CONFIG_PATH"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if cfg.Node.ID == "" {
		identity, err := LoadOrGenerateIdentity(cfg.Node.IdentityDir)
		if err != nil {
			return nil, fmt.Errorf("node identity: %w", err)
		}
		cfg.Node.ID = identity.NodeID
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for missing or out-of-range values
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Discovery.SweepInterval > c.Discovery.BroadcastInterval*time.Duration(c.Discovery.StaleMultiplier) {
		return fmt.Errorf("invalid configuration: sweep interval %s exceeds staleness window", c.Discovery.SweepInterval)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Node.ID = getEnv("NODE_ID", c.Node.ID)
	c.Node.Name = getEnv("NODE_NAME", c.Node.Name)
	c.Node.ServiceName = getEnv("SYNC_SERVICE_NAME", c.Node.ServiceName)
	c.Node.Port = getIntEnv("PORT", c.Node.Port)
	c.Node.AdvertiseAddress = getEnv("ADVERTISE_ADDRESS", c.Node.AdvertiseAddress)
	c.Node.IdentityDir = getEnv("IDENTITY_DIR", c.Node.IdentityDir)
	c.Node.Capabilities = getListEnv("NODE_CAPABILITIES", c.Node.Capabilities)
	c.Node.CoreTables = getListEnv("SYNC_CORE_TABLES", c.Node.CoreTables)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.Host = getEnv("PG_HOST", c.Database.Host)
	c.Database.Port = getEnv("PG_PORT", c.Database.Port)
	c.Database.Username = getEnv("PG_USERNAME", c.Database.Username)
	c.Database.Password = getEnv("PG_PASSWORD", c.Database.Password)
	c.Database.Database = getEnv("PG_DATABASE", c.Database.Database)
	c.Database.Path = getEnv("SQLITE_PATH", c.Database.Path)
	c.Database.Quiet = getBoolEnv("DB_QUIET", c.Database.Quiet)

	c.Discovery.Enabled = getBoolEnv("DISCOVERY_ENABLED", c.Discovery.Enabled)
	c.Discovery.MulticastGroup = getEnv("DISCOVERY_GROUP", c.Discovery.MulticastGroup)
	c.Discovery.MulticastPort = getIntEnv("DISCOVERY_PORT", c.Discovery.MulticastPort)
	c.Discovery.Interface = getEnv("DISCOVERY_INTERFACE", c.Discovery.Interface)
	c.Discovery.BroadcastInterval = getDurationEnv("DISCOVERY_INTERVAL", c.Discovery.BroadcastInterval)
	c.Discovery.SweepInterval = getDurationEnv("DISCOVERY_SWEEP_INTERVAL", c.Discovery.SweepInterval)

	c.Queue.MaxSize = getIntEnv("QUEUE_MAX_SIZE", c.Queue.MaxSize)
	c.Queue.MaxRetries = getIntEnv("QUEUE_MAX_RETRIES", c.Queue.MaxRetries)
	c.Queue.BatchSize = getIntEnv("QUEUE_BATCH_SIZE", c.Queue.BatchSize)
	c.Queue.DrainInterval = getDurationEnv("QUEUE_DRAIN_INTERVAL", c.Queue.DrainInterval)
	c.Queue.Retention = getDurationEnv("QUEUE_RETENTION", c.Queue.Retention)

	c.InitialLoad.BatchSize = getIntEnv("INITIAL_LOAD_BATCH_SIZE", c.InitialLoad.BatchSize)
	c.InitialLoad.Compression = getBoolEnv("INITIAL_LOAD_COMPRESSION", c.InitialLoad.Compression)
	c.InitialLoad.Encryption = getBoolEnv("INITIAL_LOAD_ENCRYPTION", c.InitialLoad.Encryption)
	c.InitialLoad.Verify = getBoolEnv("INITIAL_LOAD_VERIFY", c.InitialLoad.Verify)

	c.Security.RegistrationSecret = getEnv("SYNC_REGISTRATION_KEY", c.Security.RegistrationSecret)
	c.Security.TokenTTL = getDurationEnv("SYNC_TOKEN_TTL", c.Security.TokenTTL)
	c.Security.SessionTTL = getDurationEnv("SYNC_SESSION_TTL", c.Security.SessionTTL)

	c.Schema.File = getEnv("SCHEMA_FILE", c.Schema.File)
	c.Schema.VersionOverride = getEnv("SCHEMA_VERSION", c.Schema.VersionOverride)
	c.Schema.Policy = getEnv("SCHEMA_POLICY", c.Schema.Policy)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "eckmesh-node"
	}
	return name
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
