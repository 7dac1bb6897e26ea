package refstore_test

import (
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-refstore/pkg/refstore"
)

func TestParseRefName(t *testing.T) {
	name, err := refstore.ParseRefName("bucket.key.with.dots")
	require.NoError(t, err)
	assert.Equal(t, refstore.RefName{Bucket: "bucket", Key: "key.with.dots"}, name)
	assert.Equal(t, "bucket.key.with.dots", name.String())

	for _, bad := range []string{"nodot", ".key", "bucket."} {
		_, err := refstore.ParseRefName(bad)
		assert.ErrorIs(t, err, refstore.ErrInvalidName, bad)
	}
}

func TestTimeBucketFor(t *testing.T) {
	base := time.Date(2026, 3, 4, 10, 42, 17, 0, time.UTC)

	assert.Equal(t, "rep-20260304T100000", refstore.TimeBucketFor(base, time.Hour))
	assert.Equal(t, "rep-20260304T104000", refstore.TimeBucketFor(base, 5*time.Minute))
	assert.Equal(t, refstore.TimeBucketFor(base, time.Hour), refstore.TimeBucketFor(base.Add(10*time.Minute), time.Hour))

	var buckets []string
	for i := 30; i >= 0; i-- {
		buckets = append(buckets, refstore.TimeBucketFor(base.Add(time.Duration(i)*7*time.Hour), time.Hour))
	}
	sorted := append([]string(nil), buckets...)
	sort.Strings(sorted)
	for i := range sorted {
		assert.Equal(t, buckets[len(buckets)-1-i], sorted[i])
	}
}

func TestWatermark(t *testing.T) {
	assert.True(t, refstore.Watermark{}.IsZero())
	assert.Equal(t, "<start>", refstore.Watermark{}.String())

	event := refstore.ReplicationLogEvent{TimeBucket: "rep-1", EventID: uuid.New()}
	assert.False(t, event.Watermark().IsZero())
	assert.Equal(t, "rep-1", event.Watermark().Bucket)
}

func TestFieldFlags(t *testing.T) {
	tests := []struct {
		name   string
		fields refstore.FieldFlags
		flag   refstore.FieldFlags
		want   bool
	}{
		{"payload has payload", refstore.FieldsPayload, refstore.FieldsPayload, true},
		{"metadata lacks payload", refstore.FieldsMetadata, refstore.FieldsPayload, false},
		{"payload lacks metadata", refstore.FieldsPayload, refstore.FieldsMetadata, false},
		{"metadata has metadata", refstore.FieldsMetadata, refstore.FieldsMetadata, true},
		{"all has payload", refstore.FieldsAll, refstore.FieldsPayload, true},
		{"all has metadata", refstore.FieldsAll, refstore.FieldsMetadata, true},
		{"zero has nothing", 0, refstore.FieldsMetadata, false},
		{"zero flag is never included", refstore.FieldsAll, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fields.Has(tt.flag))
		})
	}
	assert.NotEqual(t, refstore.FieldsMetadata, refstore.FieldsPayload)
}
