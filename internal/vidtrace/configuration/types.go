package configuration

import (
	"time"

	"github.com/pkg/errors"

	commonconfig "github.com/G-Research/vidtrace/internal/common/config"
	"github.com/G-Research/vidtrace/internal/vidtrace/routing"
)

type VidtraceConfiguration struct {
	// Port on which prometheus metrics are served
	MetricsPort uint16
	// Connection used by both the frame source and the result sink
	Redis       commonconfig.RedisConfig
	Source      SourceConfig
	Sink        SinkConfig
	Patch       PatchConfig
	Aggregation AggregationConfig
	Worker      WorkerConfig
	Topology    TopologyConfig
}

type SourceConfig struct {
	// Redis list frames are popped from. Each entry is a binary mat record.
	QueueName string `validate:"required"`
	// Id given to the first frame read. The aggregator seeds this frame implicitly.
	FirstFrameId int `validate:"gte=1"`
	// How long to wait before polling again when the queue is empty
	PollInterval time.Duration `validate:"gt=0"`
	// Stop after this many frames. Zero means run until shutdown.
	MaxFrames int `validate:"gte=0"`
}

// QueuePolicy decides what a producer does when a bounded queue is full.
type QueuePolicy string

const (
	// Block the producer until there is room
	QueuePolicyBlock QueuePolicy = "block"
	// Discard the record and carry on
	QueuePolicyDrop QueuePolicy = "drop"
)

func ParseQueuePolicy(s string) (QueuePolicy, error) {
	switch p := QueuePolicy(s); p {
	case QueuePolicyBlock, QueuePolicyDrop:
		return p, nil
	default:
		return "", errors.Errorf("unknown queue policy %q, expected %q or %q", s, QueuePolicyBlock, QueuePolicyDrop)
	}
}

type SinkConfig struct {
	// Redis list results are pushed to
	QueueName string `validate:"required"`
	// Number of records written to redis in one round trip
	BatchSize int `validate:"gte=1"`
	// Maximum time a record waits for its batch to fill
	BatchDuration time.Duration `validate:"gt=0"`
	// Capacity of the queue between the aggregator and the sender
	QueueCapacity int `validate:"gte=1"`
	// What happens to a record when the queue is full
	FullQueuePolicy QueuePolicy `validate:"oneof=block drop"`
	// If positive, the redis list is trimmed to this many entries after every write
	MaxQueueLength int64 `validate:"gte=0"`
	// Attempts made for each batch before the write is reported as failed
	WriteAttempts uint `validate:"gte=1"`
	// Delay between write attempts
	RetryDelay time.Duration
}

type PatchConfig struct {
	// Patch width as a fraction of the frame width
	PatchWidthFraction float64 `validate:"gt=0,lte=1"`
	// Patch height as a fraction of the frame height
	PatchHeightFraction float64 `validate:"gt=0,lte=1"`
	// Horizontal stride as a fraction of the patch width
	StrideXFraction float64 `validate:"gt=0"`
	// Vertical stride as a fraction of the patch height
	StrideYFraction float64 `validate:"gt=0"`
	// Which workers a generator with instance index zero forwards raw frames to
	ZeroIndexPolicy routing.ZeroIndexPolicy `validate:"oneof=all none"`
}

type AggregationConfig struct {
	// Grid quantisation used for feedback indicators
	MinDistance float64 `validate:"gt=0"`
	// Traces longer than this are not carried into the next frame
	MaxTrackerLength int `validate:"gte=1"`
	// Number of frames that may hold aggregation state at the same time
	WindowSize int `validate:"gte=2"`
	// Age after which a frame that has not finalized is dropped. Zero disables expiry.
	FrameTTL time.Duration `validate:"gte=0"`
	// How often expired frames are looked for
	EvictionInterval time.Duration `validate:"gt=0"`
	// Number of trace ids kept in the interning cache
	InternCacheSize int `validate:"gte=1"`
	// Messages between diagnostic log lines
	DiagnosticInterval int `validate:"gte=1"`
}

type WorkerConfig struct {
	// How long a cached raw frame is kept if its cache-clean signal never arrives
	FrameCacheTTL time.Duration `validate:"gt=0"`
	// Frames a worker may hold while waiting for their trace seeds before it stops reading input
	MaxPendingFrames int `validate:"gte=1"`
	// Grid spacing, in minDistance cells, at which the static tracker starts new traces
	TraceSpacing int `validate:"gte=1"`
}

type TopologyConfig struct {
	PatchGenParallelism int `validate:"gte=1"`
	WorkerParallelism   int `validate:"gte=1"`
	// Buffer size of every component inbox
	InboxSize int `validate:"gte=1"`
	// Buffer size of the control inbox carrying seeds and cache signals to workers
	ControlInboxSize int `validate:"gte=4"`
}
