package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// WithEnv applies environment variable overrides using the provided prefix.
//
// Server:
//
//	PORT - Server port (default: "8080")
//	ENVIRONMENT - Runtime environment (default: "development")
//	MAX_BODY_BYTES - Request body limit
//
// Database (references and replication log):
//
//	DATABASE_URL - "memory" (default) or "postgres://..." / "postgresql://..."
//	DB_SCHEMA - Postgres schema (default: "refstore")
//	AUTO_MIGRATE - Create tables on startup
//	BUCKET_GRANULARITY - Width of a replication log time bucket (default: 1h)
//
// Blob tiers, in lookup order:
//
//	CACHE_SIZE - Adds an in-process LRU tier holding this many blobs
//	REDIS_URL - Adds a Redis tier ("redis://host:6379/0"), REDIS_TTL sets expiry
//	STORAGE_URL - Durable tier: "memory://", "file:///path" or
//	              "s3://bucket?region=us-east-1&endpoint=...&prefix=...&path_style=true"
//	PEER_URLS - Comma separated peer clusters consulted last
//
// Snapshots:
//
//	SNAPSHOTS_ENABLED, SNAPSHOT_INTERVAL, SNAPSHOT_MAX, SNAPSHOT_COMPRESSION, SNAPSHOT_PRUNE_LOG
//
// Replication:
//
//	REPLICATE_FROM - Source cluster URL
//	REPLICATE_NAMESPACES - Comma separated namespaces to replicate from it
//	REPLICATION_TOKEN - Bearer token for the source
//	REPLICATION_REPLAY_REFS - Re-create replicated references locally
//	REPLICATION_INTERVAL - Poll interval (default: 30s)
//	REPLICATION_STATE - "memory" (default), "file:///dir" or "sqlite:///path/state.db"
//
// Auth:
//
//	API_KEY_SHA256 - Hex SHA-256 of the accepted API key
//	JWT_SECRET - HS256 secret for bearer tokens
func WithEnv(prefix string) Option {
	return func(c *ServerConfig) error {
		if v, ok := lookupEnv(prefix, "PORT"); ok && v != "" {
			c.Port = v
		}
		if v, ok := lookupEnv(prefix, "ENVIRONMENT"); ok && v != "" {
			c.Environment = v
		}
		if v, ok, err := parseIntEnv(prefix, "MAX_BODY_BYTES"); err != nil {
			return err
		} else if ok {
			c.MaxBodyBytes = int64(v)
		}

		for _, apply := range []func(string, *ServerConfig) error{
			applyDatabaseEnv,
			applyStorageEnv,
			applySnapshotEnv,
			applyReplicationEnv,
			applyAuthEnv,
		} {
			if err := apply(prefix, c); err != nil {
				return err
			}
		}
		return nil
	}
}

// applyDatabaseEnv applies database configuration from environment
func applyDatabaseEnv(prefix string, c *ServerConfig) error {
	if v, ok := lookupEnv(prefix, "DB_SCHEMA"); ok && v != "" {
		c.DBSchema = v
	}
	if v, ok, err := parseBoolEnv(prefix, "AUTO_MIGRATE"); err != nil {
		return err
	} else if ok {
		c.AutoMigrate = v
	}
	if v, ok, err := parseDurationEnv(prefix, "BUCKET_GRANULARITY"); err != nil {
		return err
	} else if ok {
		c.BucketGranularity = v
	}

	dbURL, hasURL := lookupEnv(prefix, "DATABASE_URL")
	if !hasURL || dbURL == "" || dbURL == "memory" {
		c.DatabaseType = "memory"
		c.DatabaseURL = ""
		return nil
	}

	if strings.HasPrefix(dbURL, "postgresql://") || strings.HasPrefix(dbURL, "postgres://") {
		c.DatabaseType = "postgres"
		c.DatabaseURL = dbURL
		return nil
	}
	return fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory' or 'postgresql://...')", dbURL)
}

// applyStorageEnv rebuilds the blob tiers when any tier variable is set
func applyStorageEnv(prefix string, c *ServerConfig) error {
	storageURL, hasStorage := lookupEnv(prefix, "STORAGE_URL")
	cacheSize, hasCache, err := parseIntEnv(prefix, "CACHE_SIZE")
	if err != nil {
		return err
	}
	redisURL, hasRedis := lookupEnv(prefix, "REDIS_URL")
	peerURLs, hasPeers := lookupEnv(prefix, "PEER_URLS")
	hasRedis = hasRedis && redisURL != ""
	hasPeers = hasPeers && peerURLs != ""

	if !hasStorage && !hasCache && !hasRedis && !hasPeers {
		return nil
	}

	var tiers []BlobTierConfig
	if hasCache {
		tiers = append(tiers, BlobTierConfig{Name: "cache", Type: "lru", Config: map[string]interface{}{"size": cacheSize}})
	}
	if hasRedis {
		redisTier := BlobTierConfig{Name: "redis", Type: "redis", Config: map[string]interface{}{"url": redisURL}}
		if ttl, ok := lookupEnv(prefix, "REDIS_TTL"); ok && ttl != "" {
			redisTier.Config["ttl"] = ttl
		}
		tiers = append(tiers, redisTier)
	}

	primary, err := storageTier(storageURL)
	if err != nil {
		return err
	}
	tiers = append(tiers, primary)

	if hasPeers {
		for i, peerURL := range splitList(peerURLs) {
			tiers = append(tiers, BlobTierConfig{
				Name:   fmt.Sprintf("peer-%d", i),
				Type:   "peer",
				Config: map[string]interface{}{"url": peerURL},
			})
		}
	}

	c.BlobTiers = tiers
	return nil
}

// storageTier parses STORAGE_URL into the durable tier
func storageTier(storageURL string) (BlobTierConfig, error) {
	if storageURL == "" || storageURL == "memory" || storageURL == "memory://" {
		return BlobTierConfig{Name: "memory", Type: "memory", Config: map[string]interface{}{}}, nil
	}

	u, err := url.Parse(storageURL)
	if err != nil {
		return BlobTierConfig{}, fmt.Errorf("invalid STORAGE_URL: %w", err)
	}

	switch u.Scheme {
	case "file":
		// Format: file:///path/to/data
		path := u.Host + u.Path
		if path == "" {
			return BlobTierConfig{}, fmt.Errorf("filesystem path cannot be empty in STORAGE_URL")
		}
		return BlobTierConfig{Name: "fs", Type: "fs", Config: map[string]interface{}{"base_dir": path}}, nil

	case "s3":
		// Format: s3://bucket?region=us-east-1&endpoint=http://localhost:9000
		if u.Host == "" {
			return BlobTierConfig{}, fmt.Errorf("S3 bucket name cannot be empty in STORAGE_URL")
		}
		q := u.Query()
		cfg := map[string]interface{}{
			"bucket": u.Host,
			"region": "us-east-1",
		}
		for _, key := range []string{"region", "endpoint", "prefix", "path_style", "create_bucket"} {
			if v := q.Get(key); v != "" {
				cfg[key] = v
			}
		}
		if accessKey, ok := os.LookupEnv("AWS_ACCESS_KEY_ID"); ok && accessKey != "" {
			cfg["access_key_id"] = accessKey
		}
		if secretKey, ok := os.LookupEnv("AWS_SECRET_ACCESS_KEY"); ok && secretKey != "" {
			cfg["secret_access_key"] = secretKey
		}
		if region, ok := os.LookupEnv("AWS_REGION"); ok && region != "" && q.Get("region") == "" {
			cfg["region"] = region
		}
		return BlobTierConfig{Name: "s3", Type: "s3", Config: cfg}, nil
	}

	return BlobTierConfig{}, fmt.Errorf("unsupported STORAGE_URL format: %s (use 'memory://', 'file://...', or 's3://...')", storageURL)
}

func applySnapshotEnv(prefix string, c *ServerConfig) error {
	if v, ok, err := parseBoolEnv(prefix, "SNAPSHOTS_ENABLED"); err != nil {
		return err
	} else if ok {
		c.Snapshots.Enabled = v
	}
	if v, ok, err := parseDurationEnv(prefix, "SNAPSHOT_INTERVAL"); err != nil {
		return err
	} else if ok {
		c.Snapshots.Interval = v
	}
	if v, ok, err := parseIntEnv(prefix, "SNAPSHOT_MAX"); err != nil {
		return err
	} else if ok {
		c.Snapshots.MaxSnapshots = v
	}
	if v, ok := lookupEnv(prefix, "SNAPSHOT_COMPRESSION"); ok && v != "" {
		c.Snapshots.Compression = v
	}
	if v, ok, err := parseBoolEnv(prefix, "SNAPSHOT_PRUNE_LOG"); err != nil {
		return err
	} else if ok {
		c.Snapshots.PruneLog = v
	}
	return nil
}

func applyReplicationEnv(prefix string, c *ServerConfig) error {
	if v, ok, err := parseDurationEnv(prefix, "REPLICATION_INTERVAL"); err != nil {
		return err
	} else if ok {
		c.Replication.Interval = v
	}

	if state, ok := lookupEnv(prefix, "REPLICATION_STATE"); ok && state != "" && state != "memory" {
		u, err := url.Parse(state)
		if err != nil {
			return fmt.Errorf("invalid REPLICATION_STATE: %w", err)
		}
		switch u.Scheme {
		case "file", "sqlite":
			c.Replication.StateStore = u.Scheme
			c.Replication.StatePath = u.Host + u.Path
		default:
			return fmt.Errorf("unsupported REPLICATION_STATE format: %s (use 'memory', 'file://...' or 'sqlite://...')", state)
		}
	}

	source, ok := lookupEnv(prefix, "REPLICATE_FROM")
	if !ok || source == "" {
		return nil
	}
	namespaces, _ := lookupEnv(prefix, "REPLICATE_NAMESPACES")
	if namespaces == "" {
		return fmt.Errorf("%sREPLICATE_NAMESPACES is required with %sREPLICATE_FROM", prefix, prefix)
	}
	token, _ := lookupEnv(prefix, "REPLICATION_TOKEN")
	replay, _, err := parseBoolEnv(prefix, "REPLICATION_REPLAY_REFS")
	if err != nil {
		return err
	}

	for _, ns := range splitList(namespaces) {
		c.Replication.Replicators = upsertReplicator(c.Replication.Replicators, ReplicatorConfig{
			Name:       ns,
			Namespace:  ns,
			SourceURL:  source,
			Token:      token,
			ReplayRefs: replay,
		})
	}
	return nil
}

func applyAuthEnv(prefix string, c *ServerConfig) error {
	if v, ok := lookupEnv(prefix, "API_KEY_SHA256"); ok && v != "" {
		if c.Auth.APIKeySHA256 == nil {
			c.Auth.APIKeySHA256 = map[string]string{}
		}
		c.Auth.APIKeySHA256["key1"] = v
	}
	if v, ok := lookupEnv(prefix, "JWT_SECRET"); ok && v != "" {
		c.Auth.JWTSecret = v
	}
	return nil
}

func lookupEnv(prefix, key string) (string, bool) {
	return os.LookupEnv(prefix + key)
}

func parseBoolEnv(prefix, key string) (bool, bool, error) {
	raw, ok := lookupEnv(prefix, key)
	if !ok || raw == "" {
		return false, false, nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, fmt.Errorf("invalid boolean for %s%s: %w", prefix, key, err)
	}
	return parsed, true, nil
}

func parseIntEnv(prefix, key string) (int, bool, error) {
	raw, ok := lookupEnv(prefix, key)
	if !ok || raw == "" {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("invalid integer for %s%s: %w", prefix, key, err)
	}
	return parsed, true, nil
}

func parseDurationEnv(prefix, key string) (time.Duration, bool, error) {
	raw, ok := lookupEnv(prefix, key)
	if !ok || raw == "" {
		return 0, false, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("invalid duration for %s%s: %w", prefix, key, err)
	}
	return parsed, true, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func upsertBlobTier(tiers []BlobTierConfig, tier BlobTierConfig) []BlobTierConfig {
	if tier.Config == nil {
		tier.Config = map[string]interface{}{}
	}
	for i := range tiers {
		if tiers[i].Name == tier.Name {
			tiers[i] = tier
			return tiers
		}
	}
	return append(tiers, tier)
}

func upsertReplicator(replicators []ReplicatorConfig, r ReplicatorConfig) []ReplicatorConfig {
	for i := range replicators {
		if replicators[i].Name == r.Name {
			replicators[i] = r
			return replicators
		}
	}
	return append(replicators, r)
}
