package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-refstore/pkg/refstore/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.DatabaseType)
	assert.Equal(t, time.Hour, cfg.BucketGranularity)
	require.Len(t, cfg.BlobTiers, 1)
	assert.Equal(t, "memory", cfg.BlobTiers[0].Type)
	assert.False(t, cfg.Snapshots.Enabled)
	assert.Equal(t, "zstd", cfg.Snapshots.Compression)
	assert.Equal(t, "memory", cfg.Replication.StateStore)
}

func TestLoad_TierOptions(t *testing.T) {
	cfg, err := config.Load(
		config.WithoutBlobTiers(),
		config.WithCacheTier("", 100),
		config.WithFilesystemTier("disk", "/srv/blobs", "flat"),
		config.WithS3Tier("", "archive", ""),
		config.WithS3Credentials("", "key", "secret"),
		config.WithS3Endpoint("", "http://minio:9000", true),
		config.WithRedisTier("", "redis://localhost:6379/0", time.Minute),
		config.WithPeerTier("eu", "http://eu:8080", "token", "disk"),
	)
	require.NoError(t, err)

	var names []string
	for _, tier := range cfg.BlobTiers {
		names = append(names, tier.Name)
	}
	assert.Equal(t, []string{"cache", "disk", "s3", "redis", "eu"}, names)

	s3 := cfg.BlobTiers[2].Config
	assert.Equal(t, "archive", s3["bucket"])
	assert.Equal(t, "us-east-1", s3["region"])
	assert.Equal(t, "key", s3["access_key_id"])
	assert.Equal(t, "http://minio:9000", s3["endpoint"])
	assert.Equal(t, true, s3["path_style"])
	assert.Equal(t, []string{"disk"}, cfg.BlobTiers[4].Config["layers"])
}

func TestLoad_OptionErrors(t *testing.T) {
	tests := []struct {
		name string
		opt  config.Option
	}{
		{"empty port", config.WithPort("")},
		{"unknown database", config.WithDatabase("mysql", "")},
		{"postgres without url", config.WithDatabase("postgres", "")},
		{"zero granularity", config.WithBucketGranularity(0)},
		{"zero cache", config.WithCacheTier("cache", 0)},
		{"fs without dir", config.WithFilesystemTier("fs", "", "")},
		{"s3 credentials before tier", config.WithS3Credentials("missing", "a", "b")},
		{"peer without url", config.WithPeerTier("eu", "", "")},
		{"bad compression", config.WithSnapshots(time.Minute, 3, "gzip")},
		{"file state without path", config.WithReplicationState("file", "")},
		{"unknown state store", config.WithReplicationState("etcd", "x")},
		{"replicator without source", config.WithReplicator(config.ReplicatorConfig{Namespace: "ns"})},
		{"empty api key", config.WithAPIKey("key1", "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(tt.opt)
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		opts []config.Option
	}{
		{"only peer tiers", []config.Option{config.WithoutBlobTiers(), config.WithPeerTier("eu", "http://eu:8080", "")}},
		{"no tiers", []config.Option{config.WithoutBlobTiers()}},
		{"duplicate replicator", []config.Option{
			config.WithReplicator(config.ReplicatorConfig{Name: "a", Namespace: "x", SourceURL: "http://s"}),
			func(c *config.ServerConfig) error {
				c.Replication.Replicators = append(c.Replication.Replicators, c.Replication.Replicators[0])
				return nil
			},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(tt.opts...)
			assert.Error(t, err)
		})
	}
}

func TestWithReplicator_DefaultsName(t *testing.T) {
	cfg, err := config.Load(
		config.WithReplicator(config.ReplicatorConfig{Namespace: "assets", SourceURL: "http://source"}),
		config.WithReplicator(config.ReplicatorConfig{Namespace: "assets", SourceURL: "http://other"}),
	)
	require.NoError(t, err)
	require.Len(t, cfg.Replication.Replicators, 1)
	assert.Equal(t, "assets", cfg.Replication.Replicators[0].Name)
	assert.Equal(t, "http://other", cfg.Replication.Replicators[0].SourceURL)
}
