package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "refstore"
	metricsSubsystem = "replication"
)

func newCounter(name, help string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	}, []string{"replicator"})
}

var (
	eventsReplicated = newCounter("events_total", "Replication log events applied")
	blobsReplicated  = newCounter("blobs_total", "Blobs downloaded from the source")
	bytesReplicated  = newCounter("bytes_total", "Bytes downloaded from the source")
	blobsSkipped     = newCounter("blobs_skipped_total", "Blobs the source no longer had")
	blobFailures     = newCounter("blob_failures_total", "Blob downloads that failed and will be retried")
	recoveries       = newCounter("recoveries_total", "Rejected cursors recovered from a snapshot")
	snapshotsApplied = newCounter("snapshots_total", "Snapshots bootstrapped from")

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "run_duration_seconds",
		Help:      "Duration of replication runs",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"replicator"})

	lastEventTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "last_event_timestamp_seconds",
		Help:      "Timestamp of the newest replicated event",
	}, []string{"replicator"})
)
