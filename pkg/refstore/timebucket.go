package refstore

import "time"

// DefaultBucketGranularity is the width of a replication log time bucket.
const DefaultBucketGranularity = time.Hour

const (
	timeBucketPrefix = "rep-"
	timeBucketLayout = "20060102T150405"
)

// TimeBucketFor returns the time bucket that t falls in. Buckets are fixed
// width strings so lexical order matches chronological order; readers must
// treat them as opaque partition keys.
func TimeBucketFor(t time.Time, granularity time.Duration) string {
	if granularity <= 0 {
		granularity = DefaultBucketGranularity
	}
	return timeBucketPrefix + t.UTC().Truncate(granularity).Format(timeBucketLayout)
}
