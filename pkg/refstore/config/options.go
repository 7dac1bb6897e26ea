package config

import (
	"fmt"
	"time"

	"github.com/tendant/simple-refstore/pkg/refstore/snapshot"
)

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithEnvironment sets the environment (development, production, testing)
func WithEnvironment(env string) Option {
	return func(c *ServerConfig) error {
		if env == "" {
			return fmt.Errorf("environment cannot be empty")
		}
		c.Environment = env
		return nil
	}
}

// WithDatabase configures the database backing references and the
// replication log
func WithDatabase(dbType, url string) Option {
	return func(c *ServerConfig) error {
		if dbType != "memory" && dbType != "postgres" {
			return fmt.Errorf("database type must be 'memory' or 'postgres', got: %s", dbType)
		}
		if dbType == "postgres" && url == "" {
			return fmt.Errorf("database URL is required for postgres")
		}
		c.DatabaseType = dbType
		c.DatabaseURL = url
		return nil
	}
}

// WithDatabaseSchema sets the database schema (for Postgres)
func WithDatabaseSchema(schema string) Option {
	return func(c *ServerConfig) error {
		c.DBSchema = schema
		return nil
	}
}

// WithAutoMigrate creates the Postgres tables on startup
func WithAutoMigrate(enabled bool) Option {
	return func(c *ServerConfig) error {
		c.AutoMigrate = enabled
		return nil
	}
}

// WithBucketGranularity sets the width of replication log time buckets
func WithBucketGranularity(g time.Duration) Option {
	return func(c *ServerConfig) error {
		if g <= 0 {
			return fmt.Errorf("bucket granularity must be positive, got: %s", g)
		}
		c.BucketGranularity = g
		return nil
	}
}

// WithoutBlobTiers clears the configured tiers, typically before adding
// a custom list
func WithoutBlobTiers() Option {
	return func(c *ServerConfig) error {
		c.BlobTiers = nil
		return nil
	}
}

// WithMemoryTier adds an unbounded in-memory tier (for testing).
// If name is empty, defaults to "memory"
func WithMemoryTier(name string) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			name = "memory"
		}
		c.BlobTiers = upsertBlobTier(c.BlobTiers, BlobTierConfig{Name: name, Type: "memory"})
		return nil
	}
}

// WithCacheTier adds an LRU tier holding at most size blobs.
// If name is empty, defaults to "cache"
func WithCacheTier(name string, size int) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			name = "cache"
		}
		if size <= 0 {
			return fmt.Errorf("cache size must be positive, got: %d", size)
		}
		c.BlobTiers = upsertBlobTier(c.BlobTiers, BlobTierConfig{
			Name:   name,
			Type:   "lru",
			Config: map[string]interface{}{"size": size},
		})
		return nil
	}
}

// WithFilesystemTier adds a filesystem tier. layout is "git-like"
// (default) or "flat".
// If name is empty, defaults to "fs"
func WithFilesystemTier(name, baseDir, layout string) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			name = "fs"
		}
		if baseDir == "" {
			return fmt.Errorf("filesystem base directory cannot be empty")
		}
		tier := BlobTierConfig{
			Name:   name,
			Type:   "fs",
			Config: map[string]interface{}{"base_dir": baseDir},
		}
		if layout != "" {
			tier.Config["key_layout"] = layout
		}
		c.BlobTiers = upsertBlobTier(c.BlobTiers, tier)
		return nil
	}
}

// WithS3Tier adds an S3 tier
// If name is empty, defaults to "s3"
func WithS3Tier(name, bucket, region string) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			name = "s3"
		}
		if bucket == "" {
			return fmt.Errorf("S3 bucket cannot be empty")
		}
		if region == "" {
			region = "us-east-1"
		}
		c.BlobTiers = upsertBlobTier(c.BlobTiers, BlobTierConfig{
			Name:   name,
			Type:   "s3",
			Config: map[string]interface{}{"bucket": bucket, "region": region},
		})
		return nil
	}
}

// WithS3Credentials sets AWS credentials for an S3 tier
func WithS3Credentials(name, accessKeyID, secretAccessKey string) Option {
	return func(c *ServerConfig) error {
		return updateTier(c, name, "s3", map[string]interface{}{
			"access_key_id":     accessKeyID,
			"secret_access_key": secretAccessKey,
		})
	}
}

// WithS3Endpoint sets a custom S3 endpoint (for MinIO, LocalStack, etc.)
func WithS3Endpoint(name, endpoint string, usePathStyle bool) Option {
	return func(c *ServerConfig) error {
		return updateTier(c, name, "s3", map[string]interface{}{
			"endpoint":   endpoint,
			"path_style": usePathStyle,
		})
	}
}

// WithRedisTier adds a Redis tier. A zero ttl keeps blobs forever.
// If name is empty, defaults to "redis"
func WithRedisTier(name, url string, ttl time.Duration) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			name = "redis"
		}
		if url == "" {
			return fmt.Errorf("redis url cannot be empty")
		}
		tier := BlobTierConfig{
			Name:   name,
			Type:   "redis",
			Config: map[string]interface{}{"url": url},
		}
		if ttl > 0 {
			tier.Config["ttl"] = ttl.String()
		}
		c.BlobTiers = upsertBlobTier(c.BlobTiers, tier)
		return nil
	}
}

// WithPeerTier adds a peer cluster consulted after every local tier.
// layers restricts the tiers the peer consults.
func WithPeerTier(name, url, token string, layers ...string) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			return fmt.Errorf("peer tier name cannot be empty")
		}
		if url == "" {
			return fmt.Errorf("peer url cannot be empty")
		}
		tier := BlobTierConfig{
			Name:   name,
			Type:   "peer",
			Config: map[string]interface{}{"url": url},
		}
		if token != "" {
			tier.Config["token"] = token
		}
		if len(layers) > 0 {
			tier.Config["layers"] = layers
		}
		c.BlobTiers = upsertBlobTier(c.BlobTiers, tier)
		return nil
	}
}

// WithSnapshots enables periodic snapshot building
func WithSnapshots(interval time.Duration, maxSnapshots int, compression string) Option {
	return func(c *ServerConfig) error {
		if interval <= 0 {
			return fmt.Errorf("snapshot interval must be positive, got: %s", interval)
		}
		if _, err := snapshot.ParseCompression(compression); err != nil {
			return err
		}
		c.Snapshots.Enabled = true
		c.Snapshots.Interval = interval
		if maxSnapshots > 0 {
			c.Snapshots.MaxSnapshots = maxSnapshots
		}
		if compression != "" {
			c.Snapshots.Compression = compression
		}
		return nil
	}
}

// WithLogPruning enables or disables pruning of log buckets covered by
// retained snapshots
func WithLogPruning(enabled bool) Option {
	return func(c *ServerConfig) error {
		c.Snapshots.PruneLog = enabled
		return nil
	}
}

// WithReplicationState selects where replicator watermarks are kept:
// "memory", "file" (a directory) or "sqlite" (a database file)
func WithReplicationState(store, path string) Option {
	return func(c *ServerConfig) error {
		switch store {
		case "memory":
			path = ""
		case "file", "sqlite":
			if path == "" {
				return fmt.Errorf("path is required for the %s state store", store)
			}
		default:
			return fmt.Errorf("state store must be 'memory', 'file' or 'sqlite', got: %s", store)
		}
		c.Replication.StateStore = store
		c.Replication.StatePath = path
		return nil
	}
}

// WithReplicationInterval sets how often replicators poll their source
func WithReplicationInterval(interval time.Duration) Option {
	return func(c *ServerConfig) error {
		if interval <= 0 {
			return fmt.Errorf("replication interval must be positive, got: %s", interval)
		}
		c.Replication.Interval = interval
		return nil
	}
}

// WithReplicator adds or replaces a replicator
func WithReplicator(r ReplicatorConfig) Option {
	return func(c *ServerConfig) error {
		if r.Namespace == "" || r.SourceURL == "" {
			return fmt.Errorf("replicator requires namespace and source url")
		}
		if r.Name == "" {
			r.Name = r.Namespace
		}
		c.Replication.Replicators = upsertReplicator(c.Replication.Replicators, r)
		return nil
	}
}

// WithAPIKey accepts the API key whose hex SHA-256 is sha256Hex
func WithAPIKey(name, sha256Hex string) Option {
	return func(c *ServerConfig) error {
		if name == "" || sha256Hex == "" {
			return fmt.Errorf("api key name and digest cannot be empty")
		}
		if c.Auth.APIKeySHA256 == nil {
			c.Auth.APIKeySHA256 = map[string]string{}
		}
		c.Auth.APIKeySHA256[name] = sha256Hex
		return nil
	}
}

// WithJWTSecret requires HS256 bearer tokens signed with secret
func WithJWTSecret(secret string) Option {
	return func(c *ServerConfig) error {
		c.Auth.JWTSecret = secret
		return nil
	}
}

// WithMaxBodyBytes limits request bodies
func WithMaxBodyBytes(n int64) Option {
	return func(c *ServerConfig) error {
		if n <= 0 {
			return fmt.Errorf("max body bytes must be positive, got: %d", n)
		}
		c.MaxBodyBytes = n
		return nil
	}
}

// updateTier merges values into the config of an existing tier
func updateTier(c *ServerConfig, name, tierType string, values map[string]interface{}) error {
	if name == "" {
		name = tierType
	}
	for i := range c.BlobTiers {
		if c.BlobTiers[i].Name != name {
			continue
		}
		if c.BlobTiers[i].Type != tierType {
			return fmt.Errorf("tier '%s' is of type %s, not %s", name, c.BlobTiers[i].Type, tierType)
		}
		if c.BlobTiers[i].Config == nil {
			c.BlobTiers[i].Config = map[string]interface{}{}
		}
		for k, v := range values {
			c.BlobTiers[i].Config[k] = v
		}
		return nil
	}
	return fmt.Errorf("%s tier '%s' not found; add it first", tierType, name)
}
