// Package config assembles a refstore server from functional options,
// environment variables and configuration files.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/snapshot"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:              "8080",
		Environment:       "development",
		DatabaseType:      "memory",
		DBSchema:          "refstore",
		BucketGranularity: refstore.DefaultBucketGranularity,
		BlobTiers: []BlobTierConfig{
			{Name: "memory", Type: "memory", Config: map[string]interface{}{}},
		},
		MaxBodyBytes: 64 << 20,
		Snapshots: SnapshotConfig{
			Interval:     time.Hour,
			MaxSnapshots: snapshot.DefaultMaxSnapshots,
			Compression:  snapshot.CompressionZstd.String(),
			PruneLog:     true,
		},
		Replication: ReplicationConfig{
			Interval:   30 * time.Second,
			StateStore: "memory",
		},
	}
}

// ServerConfig represents the configuration of a refstore server
type ServerConfig struct {
	Port        string `yaml:"port" json:"port"`
	Environment string `yaml:"environment" json:"environment"` // development, production, testing

	// Database configuration, shared by the reference repository and the
	// replication log
	DatabaseURL  string `yaml:"database_url" json:"database_url"`
	DatabaseType string `yaml:"database_type" json:"database_type"` // "memory", "postgres"
	DBSchema     string `yaml:"db_schema" json:"db_schema"`
	AutoMigrate  bool   `yaml:"auto_migrate" json:"auto_migrate"`

	BucketGranularity time.Duration `yaml:"bucket_granularity" json:"bucket_granularity"`

	// Blob tiers in lookup order. Tiers of type "peer" are consulted last.
	BlobTiers []BlobTierConfig `yaml:"blob_tiers" json:"blob_tiers"`

	// Reference store tuning; zero keeps the library default
	InlineThreshold    int `yaml:"inline_threshold" json:"inline_threshold"`
	MaxAttachmentNodes int `yaml:"max_attachment_nodes" json:"max_attachment_nodes"`
	BatchParallelism   int `yaml:"batch_parallelism" json:"batch_parallelism"`

	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`

	Snapshots   SnapshotConfig    `yaml:"snapshots" json:"snapshots"`
	Replication ReplicationConfig `yaml:"replication" json:"replication"`
	Auth        AuthConfig        `yaml:"auth" json:"auth"`
}

// BlobTierConfig represents configuration for a blob tier
type BlobTierConfig struct {
	Name   string                 `yaml:"name" json:"name"`
	Type   string                 `yaml:"type" json:"type"` // "memory", "lru", "fs", "s3", "redis", "peer"
	Config map[string]interface{} `yaml:"config" json:"config"`
}

// SnapshotConfig controls the periodic snapshot builder
type SnapshotConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Interval     time.Duration `yaml:"interval" json:"interval"`
	MaxSnapshots int           `yaml:"max_snapshots" json:"max_snapshots"`
	Compression  string        `yaml:"compression" json:"compression"` // "zstd", "lz4", "none"
	PruneLog     bool          `yaml:"prune_log" json:"prune_log"`
}

// ReplicationConfig lists the namespaces pulled from other clusters
type ReplicationConfig struct {
	Interval    time.Duration      `yaml:"interval" json:"interval"`
	StateStore  string             `yaml:"state_store" json:"state_store"` // "memory", "file", "sqlite"
	StatePath   string             `yaml:"state_path" json:"state_path"`
	MaxParallel int                `yaml:"max_parallel" json:"max_parallel"`
	PageSize    int                `yaml:"page_size" json:"page_size"`
	Replicators []ReplicatorConfig `yaml:"replicators" json:"replicators"`
}

// ReplicatorConfig configures one replicator
type ReplicatorConfig struct {
	Name       string `yaml:"name" json:"name"`
	Namespace  string `yaml:"namespace" json:"namespace"`
	SourceURL  string `yaml:"source_url" json:"source_url"`
	Token      string `yaml:"token" json:"token"`
	ReplayRefs bool   `yaml:"replay_refs" json:"replay_refs"`
}

// AuthConfig protects the HTTP API. Both mechanisms are optional.
type AuthConfig struct {
	// APIKeySHA256 maps key names to the hex SHA-256 of the key
	APIKeySHA256 map[string]string `yaml:"api_key_sha256" json:"api_key_sha256"`
	JWTSecret    string            `yaml:"jwt_secret" json:"jwt_secret"`
}

var tierTypes = map[string]bool{"memory": true, "lru": true, "fs": true, "s3": true, "redis": true, "peer": true}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	if c.DatabaseType != "memory" && c.DatabaseType != "postgres" {
		return errors.New("database_type must be 'memory' or 'postgres'")
	}

	if c.DatabaseType == "postgres" && c.DatabaseURL == "" {
		return errors.New("database_url is required when using postgres")
	}

	if c.BucketGranularity <= 0 {
		return errors.New("bucket_granularity must be positive")
	}

	local := 0
	seen := make(map[string]bool)
	for _, tier := range c.BlobTiers {
		if tier.Name == "" {
			return errors.New("blob tier name is required")
		}
		if seen[tier.Name] {
			return fmt.Errorf("duplicate blob tier '%s'", tier.Name)
		}
		seen[tier.Name] = true
		if !tierTypes[tier.Type] {
			return fmt.Errorf("unsupported blob tier type '%s' for tier '%s'", tier.Type, tier.Name)
		}
		if tier.Type != "peer" {
			local++
		}
	}
	if local == 0 {
		return errors.New("at least one non-peer blob tier is required")
	}

	if c.Snapshots.Enabled && c.Snapshots.Interval <= 0 {
		return errors.New("snapshot interval must be positive")
	}
	if _, err := snapshot.ParseCompression(c.Snapshots.Compression); err != nil {
		return err
	}

	switch c.Replication.StateStore {
	case "memory":
	case "file", "sqlite":
		if c.Replication.StatePath == "" {
			return fmt.Errorf("replication state_path is required for the %s state store", c.Replication.StateStore)
		}
	default:
		return fmt.Errorf("unsupported replication state store '%s'", c.Replication.StateStore)
	}

	names := make(map[string]bool)
	for _, r := range c.Replication.Replicators {
		if r.Name == "" || r.Namespace == "" || r.SourceURL == "" {
			return errors.New("replicators require name, namespace and source_url")
		}
		if names[r.Name] {
			return fmt.Errorf("duplicate replicator '%s'", r.Name)
		}
		names[r.Name] = true
	}
	if len(c.Replication.Replicators) > 0 && c.Replication.Interval <= 0 {
		return errors.New("replication interval must be positive")
	}

	return nil
}

func getString(config map[string]interface{}, key string, defaultValue string) string {
	if value, exists := config[key]; exists {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return defaultValue
}

func getBool(config map[string]interface{}, key string, defaultValue bool) bool {
	if value, exists := config[key]; exists {
		if b, ok := value.(bool); ok {
			return b
		}
		if str, ok := value.(string); ok {
			if b, err := strconv.ParseBool(str); err == nil {
				return b
			}
		}
	}
	return defaultValue
}

func getInt(config map[string]interface{}, key string, defaultValue int) int {
	if value, exists := config[key]; exists {
		if i, ok := value.(int); ok {
			return i
		}
		if str, ok := value.(string); ok {
			if i, err := strconv.Atoi(str); err == nil {
				return i
			}
		}
		if f, ok := value.(float64); ok {
			return int(f)
		}
	}
	return defaultValue
}

func getDuration(config map[string]interface{}, key string, defaultValue time.Duration) time.Duration {
	if value, exists := config[key]; exists {
		switch v := value.(type) {
		case time.Duration:
			return v
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
	}
	return defaultValue
}

func getStrings(config map[string]interface{}, key string) []string {
	switch v := config[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return splitList(v)
	}
	return nil
}
