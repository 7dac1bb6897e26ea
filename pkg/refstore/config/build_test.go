package config_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/api"
	"github.com/tendant/simple-refstore/pkg/refstore/blob"
	"github.com/tendant/simple-refstore/pkg/refstore/cbobject"
	"github.com/tendant/simple-refstore/pkg/refstore/config"
)

func build(t *testing.T, opts ...config.Option) *config.Components {
	t.Helper()
	cfg, err := config.Load(opts...)
	require.NoError(t, err)
	comp, err := cfg.Build(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = comp.Close() })
	return comp
}

func TestBuild_Memory(t *testing.T) {
	comp := build(t)
	ctx := context.Background()

	payload, err := cbobject.Marshal(map[string]any{"name": "built"})
	require.NoError(t, err)
	id := refstore.ComputeBlobIdentifier(payload)
	result, err := comp.Refs.Put(ctx, "ns", "bucket", "key", payload, id)
	require.NoError(t, err)
	assert.Empty(t, result.Needs)

	info, err := comp.Snapshots.BuildSnapshot(ctx, "ns", "")
	require.NoError(t, err)
	assert.Equal(t, "ns-snapshots", info.SnapshotNamespace)
	assert.Empty(t, comp.Replicators.List())
}

func TestBuild_Tiers(t *testing.T) {
	dir := t.TempDir()
	comp := build(t,
		config.WithoutBlobTiers(),
		config.WithCacheTier("cache", 10),
		config.WithFilesystemTier("disk", dir, ""),
		config.WithRedisTier("redis", "redis://localhost:6379/0", time.Minute),
		config.WithPeerTier("eu", "http://eu.invalid:8080", ""),
	)

	assert.Equal(t, []blob.TierInfo{
		{Name: "cache"},
		{Name: "disk"},
		{Name: "redis"},
		{Name: "eu", Peer: true},
	}, comp.Blobs.Tiers())
}

func TestBuild_UnknownKeyLayout(t *testing.T) {
	cfg, err := config.Load(config.WithFilesystemTier("disk", t.TempDir(), "sideways"))
	require.NoError(t, err)
	_, err = cfg.Build(context.Background(), nil)
	assert.Error(t, err)
}

func TestBuild_FileStateIsLocked(t *testing.T) {
	stateDir := t.TempDir()
	opts := []config.Option{
		config.WithReplicationState("file", stateDir),
		config.WithReplicator(config.ReplicatorConfig{Namespace: "assets", SourceURL: "http://source.invalid"}),
	}
	build(t, opts...)

	cfg, err := config.Load(opts...)
	require.NoError(t, err)
	_, err = cfg.Build(context.Background(), nil)
	assert.Error(t, err)
}

func TestBuild_ReplicatesFromSource(t *testing.T) {
	ctx := context.Background()
	source := build(t)
	srv := httptest.NewServer(api.NewRouter(source.APIConfig()))
	defer srv.Close()

	attachment := []byte("replicated attachment")
	attachmentID := refstore.ComputeBlobIdentifier(attachment)
	require.NoError(t, source.Blobs.Put(ctx, "assets", attachment, attachmentID))
	payload, err := cbobject.Marshal(map[string]any{"file": cbobject.BinaryAttachmentField(attachmentID)})
	require.NoError(t, err)
	payloadID := refstore.ComputeBlobIdentifier(payload)
	_, err = source.Refs.Put(ctx, "assets", "models", "chair", payload, payloadID)
	require.NoError(t, err)

	target := build(t,
		config.WithReplicationState("sqlite", filepath.Join(t.TempDir(), "state.db")),
		config.WithReplicator(config.ReplicatorConfig{
			Name:       "from-source",
			Namespace:  "assets",
			SourceURL:  srv.URL,
			ReplayRefs: true,
		}),
	)

	r, ok := target.Replicators.Get("from-source")
	require.True(t, ok)
	worked, err := r.TriggerNewReplications(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	missing, err := target.Blobs.FilterOutKnownBlobs(ctx, "assets", []refstore.BlobIdentifier{payloadID, attachmentID})
	require.NoError(t, err)
	assert.Empty(t, missing)

	exists, err := target.Refs.Exists(ctx, "assets", "models", "chair")
	require.NoError(t, err)
	assert.True(t, exists)
}
