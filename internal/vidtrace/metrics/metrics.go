package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricPrefix = "vidtrace_"

var framesSourced = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricPrefix + "frames_sourced_total",
		Help: "Number of frames read from the source queue",
	},
)

var framesUndecodable = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricPrefix + "frames_undecodable_total",
		Help: "Number of source records that could not be decoded as frames",
	},
)

var patchesPerFrame = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    MetricPrefix + "patches_per_frame",
		Help:    "Number of patches generated per frame",
		Buckets: []float64{0, 1, 4, 9, 16, 25, 49, 64, 100, 225},
	},
)

var directTargetsPerFrame = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    MetricPrefix + "direct_targets_per_frame",
		Help:    "Number of workers a raw frame was forwarded to",
		Buckets: prometheus.LinearBuckets(0, 1, 16),
	},
)

var framesFinalized = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricPrefix + "frames_finalized_total",
		Help: "Number of frames whose trajectory aggregation completed",
	},
)

var finalizeLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    MetricPrefix + "frame_aggregation_seconds",
		Help:    "Time from a frame's first aggregation message to its finalization",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	},
)

var tracesExpired = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricPrefix + "traces_expired_total",
		Help: "Number of traces dropped for exceeding the maximum tracker length",
	},
)

var consistencyViolations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "consistency_violations_total",
		Help: "Number of aggregation messages rejected because they broke the reporting protocol",
	},
	[]string{"reason"},
)

var framesDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "frames_dropped_total",
		Help: "Number of frames evicted before they could finalize",
	},
	[]string{"reason"},
)

var liveFrames = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: MetricPrefix + "live_frames",
		Help: "Number of frames currently holding aggregation state",
	},
)

var sinkRecordsDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricPrefix + "sink_records_dropped_total",
		Help: "Number of result records discarded because the sink queue was full",
	},
)

var sinkBatchesWritten = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "sink_batches_total",
		Help: "Number of result batches written to redis, by outcome",
	},
	[]string{"outcome"},
)

var sinkQueueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: MetricPrefix + "sink_queue_depth",
		Help: "Number of result records waiting to be sent",
	},
)

var framesTracked = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "worker_frames_tracked_total",
		Help: "Number of frames a worker ran its tracker on",
	},
	[]string{"worker"},
)

var patchesAnalysed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "worker_patches_analysed_total",
		Help: "Number of patches a worker analysed",
	},
	[]string{"worker"},
)

func RecordFrameSourced() {
	framesSourced.Inc()
}

func RecordFrameUndecodable() {
	framesUndecodable.Inc()
}

func RecordFrameSplit(patches int, targets int) {
	patchesPerFrame.Observe(float64(patches))
	directTargetsPerFrame.Observe(float64(targets))
}

func RecordFrameFinalized(aggregationTime time.Duration, expiredTraces int) {
	framesFinalized.Inc()
	finalizeLatency.Observe(aggregationTime.Seconds())
	tracesExpired.Add(float64(expiredTraces))
}

func RecordConsistencyViolation(reason string) {
	consistencyViolations.WithLabelValues(reason).Inc()
}

func RecordFrameDropped(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}

func SetLiveFrames(n int) {
	liveFrames.Set(float64(n))
}

func RecordSinkRecordDropped() {
	sinkRecordsDropped.Inc()
}

func RecordSinkBatch(err error) {
	if err != nil {
		sinkBatchesWritten.WithLabelValues("failure").Inc()
		return
	}
	sinkBatchesWritten.WithLabelValues("success").Inc()
}

func SetSinkQueueDepth(n int) {
	sinkQueueDepth.Set(float64(n))
}

func RecordFrameTracked(worker string) {
	framesTracked.WithLabelValues(worker).Inc()
}

func RecordPatchAnalysed(worker string) {
	patchesAnalysed.WithLabelValues(worker).Inc()
}

// SinkRecordsDropped is exposed for tests.
func SinkRecordsDropped() prometheus.Collector {
	return sinkRecordsDropped
}

// ConsistencyViolations is exposed for tests.
func ConsistencyViolations() *prometheus.CounterVec {
	return consistencyViolations
}
