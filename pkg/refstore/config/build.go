package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/api"
	"github.com/tendant/simple-refstore/pkg/refstore/blob"
	"github.com/tendant/simple-refstore/pkg/refstore/refs"
	"github.com/tendant/simple-refstore/pkg/refstore/replication"
	replogmemory "github.com/tendant/simple-refstore/pkg/refstore/replog/memory"
	replogpg "github.com/tendant/simple-refstore/pkg/refstore/replog/postgres"
	repomemory "github.com/tendant/simple-refstore/pkg/refstore/repo/memory"
	repopg "github.com/tendant/simple-refstore/pkg/refstore/repo/postgres"
	"github.com/tendant/simple-refstore/pkg/refstore/snapshot"
	fsstorage "github.com/tendant/simple-refstore/pkg/refstore/storage/fs"
	memorystorage "github.com/tendant/simple-refstore/pkg/refstore/storage/memory"
	"github.com/tendant/simple-refstore/pkg/refstore/storage/objectkey"
	peerstorage "github.com/tendant/simple-refstore/pkg/refstore/storage/peer"
	redisstorage "github.com/tendant/simple-refstore/pkg/refstore/storage/redis"
	s3storage "github.com/tendant/simple-refstore/pkg/refstore/storage/s3"
)

// Components are the wired parts of a refstore server
type Components struct {
	Refs        *refs.Service
	Blobs       *blob.Store
	Log         refstore.ReplicationLog
	Snapshots   *snapshot.Builder
	Replicators *replication.Registry

	config  *ServerConfig
	logger  *slog.Logger
	closers []func() error
}

// Build creates every component the configuration selects. Close releases
// the connections and locks it acquired.
func (c *ServerConfig) Build(ctx context.Context, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	comp := &Components{
		Replicators: replication.NewRegistry(),
		config:      c,
		logger:      logger,
	}
	if err := c.build(ctx, comp); err != nil {
		_ = comp.Close()
		return nil, err
	}
	return comp, nil
}

func (c *ServerConfig) build(ctx context.Context, comp *Components) error {
	logger := comp.logger
	repo, log, err := c.buildDatabase(ctx, comp)
	if err != nil {
		return fmt.Errorf("failed to build database: %w", err)
	}
	comp.Log = log

	blobOpts := []blob.Option{blob.WithLogger(logger)}
	for _, tierConfig := range c.BlobTiers {
		tier, err := c.buildBlobTier(tierConfig, comp)
		if err != nil {
			return fmt.Errorf("failed to build blob tier %s: %w", tierConfig.Name, err)
		}
		blobOpts = append(blobOpts, blob.WithTier(tier))
	}
	comp.Blobs, err = blob.New(blobOpts...)
	if err != nil {
		return err
	}

	refOpts := []refs.Option{
		refs.WithRepository(repo),
		refs.WithBlobStore(comp.Blobs),
		refs.WithReplicationLog(log),
		refs.WithLogger(logger),
	}
	if c.InlineThreshold > 0 {
		refOpts = append(refOpts, refs.WithInlineThreshold(c.InlineThreshold))
	}
	if c.MaxAttachmentNodes > 0 {
		refOpts = append(refOpts, refs.WithMaxAttachmentNodes(c.MaxAttachmentNodes))
	}
	if c.BatchParallelism > 0 {
		refOpts = append(refOpts, refs.WithBatchParallelism(c.BatchParallelism))
	}
	comp.Refs, err = refs.New(refOpts...)
	if err != nil {
		return fmt.Errorf("failed to build reference store: %w", err)
	}

	compression, err := snapshot.ParseCompression(c.Snapshots.Compression)
	if err != nil {
		return err
	}
	comp.Snapshots, err = snapshot.NewBuilder(log, comp.Blobs,
		snapshot.WithMaxSnapshots(c.Snapshots.MaxSnapshots),
		snapshot.WithCompression(compression),
		snapshot.WithLogPruning(c.Snapshots.PruneLog),
		snapshot.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to build snapshot builder: %w", err)
	}

	return c.buildReplicators(comp)
}

// buildDatabase creates the reference repository and replication log
func (c *ServerConfig) buildDatabase(ctx context.Context, comp *Components) (refstore.RefRepository, refstore.ReplicationLog, error) {
	switch c.DatabaseType {
	case "memory":
		return repomemory.New(), replogmemory.New(replogmemory.WithBucketGranularity(c.BucketGranularity)), nil

	case "postgres":
		pool, err := NewPostgresPool(ctx, c.DatabaseURL, c.DBSchema)
		if err != nil {
			return nil, nil, err
		}
		comp.closers = append(comp.closers, func() error {
			pool.Close()
			return nil
		})

		repo := repopg.NewWithPool(pool)
		log := replogpg.NewWithPool(pool, replogpg.WithBucketGranularity(c.BucketGranularity))
		if c.AutoMigrate {
			if c.DBSchema != "" {
				if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{c.DBSchema}.Sanitize()); err != nil {
					return nil, nil, fmt.Errorf("failed to create schema: %w", err)
				}
			}
			if err := repo.Migrate(ctx); err != nil {
				return nil, nil, err
			}
			if err := log.Migrate(ctx); err != nil {
				return nil, nil, err
			}
		}
		return repo, log, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

// NewPostgresPool connects to Postgres, setting search_path to schema on
// every connection when schema is not empty
func NewPostgresPool(ctx context.Context, databaseURL, schema string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, errors.New("database_url is required for postgres")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if schema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

// buildBlobTier creates a tier based on the tier configuration
func (c *ServerConfig) buildBlobTier(config BlobTierConfig, comp *Components) (blob.Tier, error) {
	tier := blob.Tier{Name: config.Name}

	switch config.Type {
	case "memory":
		tier.Backend = memorystorage.New()

	case "lru":
		cache, err := memorystorage.NewCache(getInt(config.Config, "size", memorystorage.DefaultCacheSize))
		if err != nil {
			return tier, err
		}
		tier.Backend = cache

	case "fs":
		fsConfig := fsstorage.Config{
			BaseDir: getString(config.Config, "base_dir", "./data/blobs"),
		}
		switch layout := getString(config.Config, "key_layout", "git-like"); layout {
		case "git-like":
		case "flat":
			fsConfig.KeyGenerator = objectkey.NewFlatGenerator()
		default:
			return tier, fmt.Errorf("unsupported key layout: %s", layout)
		}
		backend, err := fsstorage.New(fsConfig)
		if err != nil {
			return tier, err
		}
		tier.Backend = backend

	case "s3":
		backend, err := s3storage.New(s3storage.Config{
			Region:                 getString(config.Config, "region", "us-east-1"),
			Bucket:                 getString(config.Config, "bucket", ""),
			Prefix:                 getString(config.Config, "prefix", ""),
			AccessKeyID:            getString(config.Config, "access_key_id", ""),
			SecretAccessKey:        getString(config.Config, "secret_access_key", ""),
			Endpoint:               getString(config.Config, "endpoint", ""),
			UsePathStyle:           getBool(config.Config, "path_style", false),
			EnableSSE:              getBool(config.Config, "enable_sse", false),
			SSEAlgorithm:           getString(config.Config, "sse_algorithm", "AES256"),
			SSEKMSKeyID:            getString(config.Config, "sse_kms_key_id", ""),
			CreateBucketIfNotExist: getBool(config.Config, "create_bucket", false),
		})
		if err != nil {
			return tier, err
		}
		tier.Backend = backend

	case "redis":
		backend, err := redisstorage.New(redisstorage.Config{
			URL:      getString(config.Config, "url", ""),
			Addr:     getString(config.Config, "addr", ""),
			Password: getString(config.Config, "password", ""),
			DB:       getInt(config.Config, "db", 0),
			TTL:      getDuration(config.Config, "ttl", 0),
		})
		if err != nil {
			return tier, err
		}
		comp.closers = append(comp.closers, backend.Close)
		tier.Backend = backend

	case "peer":
		layers := getStrings(config.Config, "layers")
		backend, err := peerstorage.New(peerstorage.Config{
			BaseURL:       getString(config.Config, "url", ""),
			Token:         getString(config.Config, "token", ""),
			StorageLayers: layers,
			RetryMax:      getInt(config.Config, "retry_max", 0),
			Timeout:       getDuration(config.Config, "timeout", 0),
			Logger:        comp.logger,
		})
		if err != nil {
			return tier, err
		}
		tier.Backend = backend
		tier.Peer = true
		tier.PeerLayers = layers

	default:
		return tier, fmt.Errorf("unsupported blob tier type: %s", config.Type)
	}
	return tier, nil
}

func (c *ServerConfig) buildStateStore(comp *Components) (replication.StateStore, error) {
	switch c.Replication.StateStore {
	case "memory", "":
		return replication.NewMemoryStateStore(), nil
	case "file":
		store, err := replication.NewFileStateStore(c.Replication.StatePath)
		if err != nil {
			return nil, err
		}
		comp.closers = append(comp.closers, store.Close)
		return store, nil
	case "sqlite":
		store, err := replication.OpenSQLiteStateStore(c.Replication.StatePath)
		if err != nil {
			return nil, err
		}
		comp.closers = append(comp.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported replication state store: %s", c.Replication.StateStore)
	}
}

func (c *ServerConfig) buildReplicators(comp *Components) error {
	if len(c.Replication.Replicators) == 0 {
		return nil
	}
	state, err := c.buildStateStore(comp)
	if err != nil {
		return fmt.Errorf("failed to build replication state store: %w", err)
	}

	for _, rc := range c.Replication.Replicators {
		client, err := replication.NewClient(replication.ClientConfig{
			BaseURL: rc.SourceURL,
			Token:   rc.Token,
			Logger:  comp.logger,
		})
		if err != nil {
			return fmt.Errorf("replicator %s: %w", rc.Name, err)
		}
		opts := []replication.Option{
			replication.WithStateStore(state),
			replication.WithLogger(comp.logger),
			replication.WithMaxParallelReplications(c.Replication.MaxParallel),
			replication.WithPageSize(c.Replication.PageSize),
		}
		if rc.ReplayRefs {
			opts = append(opts, replication.WithLocalRefs(comp.Refs))
		}
		r, err := replication.New(rc.Name, rc.Namespace, client, comp.Blobs, opts...)
		if err != nil {
			return fmt.Errorf("replicator %s: %w", rc.Name, err)
		}
		if err := comp.Replicators.Add(r); err != nil {
			return err
		}
	}
	return nil
}

// APIConfig returns the HTTP API configuration serving the components
func (comp *Components) APIConfig() api.Config {
	return api.Config{
		Refs:         comp.Refs,
		Blobs:        comp.Blobs,
		Log:          comp.Log,
		Snapshots:    comp.Snapshots,
		Replicators:  comp.Replicators,
		Logger:       comp.logger,
		MaxBodyBytes: comp.config.MaxBodyBytes,
	}
}

// RunBackground runs the snapshot builder, when enabled, and every
// replicator until ctx is done
func (comp *Components) RunBackground(ctx context.Context) {
	var wg sync.WaitGroup
	if comp.config.Snapshots.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			comp.Snapshots.Run(ctx, comp.config.Snapshots.Interval)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		comp.Replicators.RunAll(ctx, comp.config.Replication.Interval)
	}()
	wg.Wait()
}

// Close releases what Build acquired, in reverse order
func (comp *Components) Close() error {
	var errs []error
	for i := len(comp.closers) - 1; i >= 0; i-- {
		if err := comp.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	comp.closers = nil
	return errors.Join(errs...)
}
